// Package framer turns a byte stream into the fixed sequence of frame records
// shown by the sender. Shards are cut to a fixed size, redundant copies of
// existing shards are appended, and every shard is sliced into sub-payloads
// small enough for one optical code.
package framer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/harrylevesque/qrdrop/internal/crypto"
	"github.com/harrylevesque/qrdrop/internal/models"
)

const (
	DefaultShardSize  = 1024
	DefaultMaxPayload = 200
	DefaultRedundancy = 4
	maxRedundancyRate = float64(models.MaxRedundancyRate)
)

var (
	// ErrEmptyInput is returned when there are no bytes to send.
	ErrEmptyInput = errors.New("empty input: nothing to send")
	// ErrInvalidConfig is returned for non-positive sizes or negative redundancy.
	ErrInvalidConfig = errors.New("invalid framer configuration")
)

// Config controls how data is split into frames.
type Config struct {
	// ShardSize is the number of data bytes per shard.
	ShardSize int
	// MaxPayload bounds the raw bytes carried by one frame, before base64.
	MaxPayload int
	// Redundancy is an absolute number of duplicate shards. When zero,
	// RedundancyRatio*K (rounded up) is used instead.
	Redundancy      int
	RedundancyRatio float64
}

// DefaultConfig returns the settings used by the sender when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ShardSize:  DefaultShardSize,
		MaxPayload: DefaultMaxPayload,
		Redundancy: DefaultRedundancy,
	}
}

// Validate rejects configurations that cannot produce frames.
func (c Config) Validate() error {
	switch {
	case c.ShardSize <= 0:
		return fmt.Errorf("%w: shard size must be positive, got %d", ErrInvalidConfig, c.ShardSize)
	case c.MaxPayload <= 0:
		return fmt.Errorf("%w: max payload must be positive, got %d", ErrInvalidConfig, c.MaxPayload)
	case c.Redundancy < 0:
		return fmt.Errorf("%w: redundancy must not be negative, got %d", ErrInvalidConfig, c.Redundancy)
	case c.RedundancyRatio < 0 || c.RedundancyRatio > maxRedundancyRate || math.IsNaN(c.RedundancyRatio):
		return fmt.Errorf("%w: redundancy ratio %v outside [0,%v]", ErrInvalidConfig, c.RedundancyRatio, maxRedundancyRate)
	}
	return nil
}

// RedundancyFor returns the number of duplicate shards appended for k data shards.
func (c Config) RedundancyFor(k int) int {
	if c.Redundancy > 0 {
		return c.Redundancy
	}
	return int(math.Ceil(float64(k) * c.RedundancyRatio))
}

// Plan is the immutable output of Split. Frames are replayed verbatim on every
// display cycle.
type Plan struct {
	SessionID    string
	FileName     string
	OriginalSize int64
	K            int
	N            int
	ShardSize    int
	MaxPayload   int
	Digest       string
	Frames       []models.Frame

	texts []string
}

// Texts returns the canonical JSON text of every frame, in display order.
func (p *Plan) Texts() []string {
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}

// SubCounts returns the number of frames produced for each shard index.
func (p *Plan) SubCounts() []int {
	counts := make([]int, p.N)
	for _, f := range p.Frames {
		counts[f.ShardIndex] = f.TotalSub
	}
	return counts
}

// SplitShards cuts data into ceil(len/size) shards. The final shard keeps its
// natural length; the receiver truncates to the original size anyway.
func SplitShards(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	k := (len(data) + size - 1) / size
	shards := make([][]byte, k)
	for i := 0; i < k; i++ {
		end := (i + 1) * size
		if end > len(data) {
			end = len(data)
		}
		shards[i] = data[i*size : end]
	}
	return shards
}

// slice cuts a shard into sub-payloads of at most max bytes.
func slice(shard []byte, max int) [][]byte {
	n := (len(shard) + max - 1) / max
	subs := make([][]byte, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * max
		if end > len(shard) {
			end = len(shard)
		}
		subs[i] = shard[i*max : end]
	}
	return subs
}

// checkLimits keeps a plan within the counts receivers accept.
func checkLimits(k, extra, subs int) error {
	switch {
	case k > models.MaxShards:
		return fmt.Errorf("%w: %d shards exceed %d, raise the shard size", ErrInvalidConfig, k, models.MaxShards)
	case extra > k*models.MaxRedundancyRate:
		return fmt.Errorf("%w: %d redundant shards for K=%d exceed %d copies", ErrInvalidConfig, extra, k, models.MaxRedundancyRate)
	case subs > models.MaxSubFrames:
		return fmt.Errorf("%w: %d sub-frames per shard exceed %d, raise max payload", ErrInvalidConfig, subs, models.MaxSubFrames)
	}
	return nil
}

// Split produces the frame plan for one transfer under a fresh session id.
func Split(data []byte, fileName string, cfg Config) (*Plan, error) {
	return SplitSession(data, fileName, cfg, NewSessionID())
}

// SplitSession is Split with a caller supplied session id.
func SplitSession(data []byte, fileName string, cfg Config, sessionID string) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidConfig)
	}

	shards := SplitShards(data, cfg.ShardSize)
	k := len(shards)
	if err := checkLimits(k, cfg.RedundancyFor(k), (len(shards[0])+cfg.MaxPayload-1)/cfg.MaxPayload); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.RedundancyFor(k); i++ {
		shards = append(shards, shards[i%k])
	}
	n := len(shards)

	plan := &Plan{
		SessionID:    sessionID,
		FileName:     fileName,
		OriginalSize: int64(len(data)),
		K:            k,
		N:            n,
		ShardSize:    cfg.ShardSize,
		MaxPayload:   cfg.MaxPayload,
		Digest:       crypto.Digest(data),
	}
	for idx, shard := range shards {
		subs := slice(shard, cfg.MaxPayload)
		for subIdx, sub := range subs {
			f := models.Frame{
				SessionID:    sessionID,
				ShardIndex:   idx,
				SubIndex:     subIdx,
				TotalSub:     len(subs),
				K:            k,
				N:            n,
				OriginalSize: plan.OriginalSize,
				FileName:     fileName,
				Payload:      base64.StdEncoding.EncodeToString(sub),
			}
			text, err := f.Marshal()
			if err != nil {
				return nil, err
			}
			plan.Frames = append(plan.Frames, f)
			plan.texts = append(plan.texts, text)
		}
	}
	return plan, nil
}
