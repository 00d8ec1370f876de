// Package config loads qrdrop settings from defaults, an optional config
// file, QRDROP_ environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/harrylevesque/qrdrop/internal/collector"
	"github.com/harrylevesque/qrdrop/internal/framer"
	"github.com/harrylevesque/qrdrop/internal/optical"
	"github.com/harrylevesque/qrdrop/internal/transmit"
	"github.com/harrylevesque/qrdrop/internal/utils"
)

const EnvPrefix = "QRDROP"

var ErrInvalidConfig = errors.New("invalid configuration")

type FramerConfig struct {
	ShardSize       int     `mapstructure:"shard_size"`
	MaxPayload      int     `mapstructure:"max_payload"`
	Redundancy      int     `mapstructure:"redundancy"`
	RedundancyRatio float64 `mapstructure:"redundancy_ratio"`
	// Legacy emits the simplified record without sub-frames.
	Legacy bool `mapstructure:"legacy"`
}

type DisplayConfig struct {
	FPS     float64       `mapstructure:"fps"`
	Warmup  time.Duration `mapstructure:"warmup"`
	Cycles  int           `mapstructure:"cycles"`
	Pause   time.Duration `mapstructure:"pause"`
	QRLevel string        `mapstructure:"qr_level"`
	QRSize  int           `mapstructure:"qr_size"`
}

type CollectorConfig struct {
	ThresholdRatio float64       `mapstructure:"threshold_ratio"`
	StallAfter     time.Duration `mapstructure:"stall_after"`
	StallReset     bool          `mapstructure:"stall_reset"`
	TombstoneTTL   time.Duration `mapstructure:"tombstone_ttl"`
	RepeatWarn     int           `mapstructure:"repeat_warn"`
}

type HTTPConfig struct {
	Addr    string `mapstructure:"addr"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Config struct {
	Framer    FramerConfig    `mapstructure:"framer"`
	Display   DisplayConfig   `mapstructure:"display"`
	Collector CollectorConfig `mapstructure:"collector"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	OutDir    string          `mapstructure:"out_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("framer.shard_size", framer.DefaultShardSize)
	v.SetDefault("framer.max_payload", framer.DefaultMaxPayload)
	v.SetDefault("framer.redundancy", framer.DefaultRedundancy)
	v.SetDefault("framer.redundancy_ratio", 0.0)
	v.SetDefault("framer.legacy", false)

	v.SetDefault("display.fps", 1.0)
	v.SetDefault("display.warmup", 3*time.Second)
	v.SetDefault("display.cycles", 10)
	v.SetDefault("display.pause", 3*time.Second)
	v.SetDefault("display.qr_level", "medium")
	v.SetDefault("display.qr_size", optical.DefaultSize)

	d := collector.DefaultConfig()
	v.SetDefault("collector.threshold_ratio", d.ThresholdRatio)
	v.SetDefault("collector.stall_after", d.StallAfter)
	v.SetDefault("collector.stall_reset", d.StallReset)
	v.SetDefault("collector.tombstone_ttl", d.TombstoneTTL)
	v.SetDefault("collector.repeat_warn", d.RepeatWarn)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.tls_cert", "")
	v.SetDefault("http.tls_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("out_dir", ".")
}

// Load reads the configuration. path may be empty, in which case qrdrop.yaml
// (or .json, .toml) is looked up in the working directory and the data
// directory. Flags named after the last key segment, like --shard-size for
// framer.shard_size, or after the full key for log and http settings, like
// --log-level, override everything else when set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("qrdrop")
		v.AddConfigPath(".")
		v.AddConfigPath(utils.GetDataDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, utils.Wrap(utils.CodeConfig, "failed to read config file", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, key := range v.AllKeys() {
			if f := flags.Lookup(flagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, utils.Wrap(utils.CodeConfig, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var flagReplacer = strings.NewReplacer(".", "-", "_", "-")

// flagName maps framer.shard_size to shard-size and log.level to log-level.
func flagName(key string) string {
	if strings.HasPrefix(key, "log.") || strings.HasPrefix(key, "http.") {
		return flagReplacer.Replace(key)
	}
	if i := strings.LastIndex(key, "."); i >= 0 {
		key = key[i+1:]
	}
	return flagReplacer.Replace(key)
}

func invalid(format string, args ...interface{}) error {
	return utils.Wrap(utils.CodeConfig, "invalid configuration",
		fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
}

// Validate rejects unusable values and clamps the display rate.
func (c *Config) Validate() error {
	if err := c.FramerSettings().Validate(); err != nil {
		return invalid("%v", err)
	}
	if c.Display.FPS <= 0 {
		return invalid("display.fps must be positive, got %v", c.Display.FPS)
	}
	if c.Display.FPS > 60 {
		c.Display.FPS = 60
	}
	if c.Display.Cycles < 0 {
		return invalid("display.cycles must not be negative, got %d", c.Display.Cycles)
	}
	if c.Display.Warmup < 0 || c.Display.Pause < 0 {
		return invalid("display durations must not be negative")
	}
	if _, err := optical.ParseLevel(c.Display.QRLevel); err != nil {
		return invalid("%v", err)
	}
	if c.Display.QRSize < 21 {
		return invalid("display.qr_size %d is too small", c.Display.QRSize)
	}
	if c.Collector.ThresholdRatio <= 0 || c.Collector.ThresholdRatio > 1 {
		return invalid("collector.threshold_ratio %v outside (0,1]", c.Collector.ThresholdRatio)
	}
	if c.Collector.StallAfter < 0 || c.Collector.TombstoneTTL < 0 || c.Collector.RepeatWarn < 0 {
		return invalid("collector values must not be negative")
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return invalid("http.tls_cert and http.tls_key must be set together")
	}
	if _, err := utils.ParseLevel(c.Log.Level); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (c *Config) FramerSettings() framer.Config {
	return framer.Config{
		ShardSize:       c.Framer.ShardSize,
		MaxPayload:      c.Framer.MaxPayload,
		Redundancy:      c.Framer.Redundancy,
		RedundancyRatio: c.Framer.RedundancyRatio,
	}
}

func (c *Config) CollectorSettings() collector.Config {
	return collector.Config{
		ThresholdRatio: c.Collector.ThresholdRatio,
		StallAfter:     c.Collector.StallAfter,
		StallReset:     c.Collector.StallReset,
		TombstoneTTL:   c.Collector.TombstoneTTL,
		RepeatWarn:     c.Collector.RepeatWarn,
	}
}

// Interval is the time each frame stays on display.
func (c *Config) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.Display.FPS)
}

// TransmitOptions returns the display loop settings. Ticker, logger and
// reporter are left for the caller.
func (c *Config) TransmitOptions() transmit.Options {
	return transmit.Options{
		Interval: c.Interval(),
		Warmup:   c.Display.Warmup,
		Cycles:   c.Display.Cycles,
		Pause:    c.Display.Pause,
	}
}

func (c *Config) Encoder() optical.Encoder {
	level, _ := optical.ParseLevel(c.Display.QRLevel)
	return optical.NewEncoder(level, c.Display.QRSize)
}
