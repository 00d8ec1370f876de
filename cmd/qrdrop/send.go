package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harrylevesque/qrdrop/internal/api"
	"github.com/harrylevesque/qrdrop/internal/config"
	"github.com/harrylevesque/qrdrop/internal/files"
	"github.com/harrylevesque/qrdrop/internal/framer"
	"github.com/harrylevesque/qrdrop/internal/metrics"
	"github.com/harrylevesque/qrdrop/internal/optical"
	"github.com/harrylevesque/qrdrop/internal/transmit"
	"github.com/harrylevesque/qrdrop/internal/utils"
)

var sendFlags struct {
	framesDir string
	sequence  string
	serve     bool
	mime      string
}

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Show a file as a looping sequence of QR codes",
	Args:  cobra.ExactArgs(1),
	Long: `'send' splits the file into frames, encodes every frame once and then shows
them in a loop. Frames are published to a directory (current.png, replaced
atomically) and, with --serve, on a web page at --http-addr that any screen
can display.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Close()
		return runSend(cmd.Context(), cfg, log, args[0])
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addFramerFlags(sendCmd)
	sendCmd.Flags().Float64("fps", 1, "Frames shown per second")
	sendCmd.Flags().Duration("warmup", 3*time.Second, "Delay before the first frame")
	sendCmd.Flags().Int("cycles", 10, "Passes over all frames, 0 repeats forever")
	sendCmd.Flags().Duration("pause", 3*time.Second, "Pause between passes")
	sendCmd.Flags().String("qr-level", "medium", "QR error correction (low|medium|high|highest)")
	sendCmd.Flags().Int("qr-size", optical.DefaultSize, "QR image size in pixels")
	sendCmd.Flags().String("http-addr", ":8080", "Viewer listen address")
	sendCmd.Flags().StringVar(&sendFlags.framesDir, "frames-dir", "",
		"Directory kept updated with the frame on display")
	sendCmd.Flags().StringVar(&sendFlags.sequence, "sequence", "",
		"Write every frame as a numbered PNG to this directory and exit")
	sendCmd.Flags().BoolVar(&sendFlags.serve, "serve", false, "Serve the viewer page over HTTP")
	sendCmd.Flags().StringVar(&sendFlags.mime, "mime", "application/octet-stream",
		"MIME type announced by legacy records")
}

func addFramerFlags(cmd *cobra.Command) {
	cmd.Flags().Int("shard-size", framer.DefaultShardSize, "Bytes per shard")
	cmd.Flags().Int("max-payload", framer.DefaultMaxPayload, "Raw bytes per frame")
	cmd.Flags().Int("redundancy", framer.DefaultRedundancy, "Duplicate shards appended")
	cmd.Flags().Float64("redundancy-ratio", 0, "Duplicate shards as a share of K, used when --redundancy is 0")
	cmd.Flags().Bool("legacy", false, "Emit simplified records without sub-frames")
}

// frameTexts turns the file into the frame texts to display.
func frameTexts(cfg *config.Config, data []byte, name, mime string, log *utils.Logger) ([]string, error) {
	if cfg.Framer.Legacy {
		shards, err := framer.SplitLegacy(data, name, mime, framer.DefaultLegacyChunk)
		if err != nil {
			return nil, err
		}
		texts := make([]string, 0, len(shards))
		for i := range shards {
			text, err := shards[i].Marshal()
			if err != nil {
				return nil, err
			}
			texts = append(texts, text)
		}
		log.Info("Split file (legacy records)", zap.String("file", name), zap.Int("frames", len(texts)))
		return texts, nil
	}

	plan, err := framer.Split(data, name, cfg.FramerSettings())
	if err != nil {
		return nil, err
	}
	log.Info("Split file", zap.String("file", name), zap.String("session", plan.SessionID),
		zap.Int("k", plan.K), zap.Int("n", plan.N), zap.Int("frames", len(plan.Frames)),
		zap.String("digest", plan.Digest))
	return plan.Texts(), nil
}

// checkCapacity warns when the configured payload would not fit the code.
func checkCapacity(cfg *config.Config, name string, size int64, log *utils.Logger) {
	enc := cfg.Encoder()
	capacity := optical.ProbeCapacity(enc.Level, 1, 3000)
	budget, err := framer.PayloadBudget(capacity, framer.EnvelopeFor(name, size, cfg.FramerSettings()), framer.DefaultMargin)
	if err != nil {
		log.Warn("No payload budget at this QR level", zap.Int("capacity", capacity), zap.Error(err))
		return
	}
	if cfg.Framer.MaxPayload > budget {
		log.Warn("Max payload exceeds the safe budget for this QR level; some frames may not encode",
			zap.Int("max_payload", cfg.Framer.MaxPayload), zap.Int("budget", budget),
			zap.String("level", optical.LevelName(enc.Level)))
	}
}

func runSend(ctx context.Context, cfg *config.Config, log *utils.Logger, path string) error {
	data, name, err := files.ReadFile(path)
	if err != nil {
		return err
	}
	if !cfg.Framer.Legacy {
		checkCapacity(cfg, name, int64(len(data)), log)
	}
	texts, err := frameTexts(cfg, data, name, sendFlags.mime, log)
	if err != nil {
		return err
	}

	current := &transmit.Current{}
	sinks := transmit.MultiSink{current}
	if sendFlags.framesDir != "" {
		if err := os.MkdirAll(sendFlags.framesDir, 0755); err != nil {
			return utils.Wrap(utils.CodeIO, "failed to create frames directory", err)
		}
		sinks = append(sinks, transmit.DirSink{Dir: sendFlags.framesDir})
	}
	renderer, err := transmit.NewCacheRenderer(ctx, cfg.Encoder(), texts, sinks, log)
	if err != nil {
		return err
	}
	if failed := renderer.Failed(); len(failed) > 0 {
		log.Error("Some frames cannot be shown; the receiver will not be able to rebuild the file",
			zap.Ints("frames", failed))
	}

	if sendFlags.sequence != "" {
		n, err := renderer.WriteSequence(sendFlags.sequence)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d of %d frames to %s\n", n, len(texts), sendFlags.sequence)
		return nil
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	opts := cfg.TransmitOptions()
	opts.Logger = log
	opts.Reporter = transmit.MultiReporter{m, newConsole(os.Stdout)}
	tr := transmit.New(renderer, opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The viewer goes away once the last cycle is shown.
		defer cancel()
		err := tr.Run(gctx, texts)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if sendFlags.serve {
		router := api.NewRouter(api.Deps{
			Current:  current,
			Stats:    tr.Stats,
			Refresh:  cfg.Interval() / 2,
			Gatherer: reg,
			Logger:   log,
		})
		g.Go(func() error { return serveHTTP(gctx, cfg.HTTP, router, log) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	stats := tr.Stats()
	log.Info("Done", zap.Int("cycles", stats.Cycles), zap.Int("rendered", stats.Rendered),
		zap.Int("failures", stats.Failures))
	return nil
}
