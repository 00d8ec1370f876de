package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harrylevesque/qrdrop/internal/api"
	"github.com/harrylevesque/qrdrop/internal/collector"
	"github.com/harrylevesque/qrdrop/internal/config"
	"github.com/harrylevesque/qrdrop/internal/files"
	"github.com/harrylevesque/qrdrop/internal/metrics"
	"github.com/harrylevesque/qrdrop/internal/optical"
	"github.com/harrylevesque/qrdrop/internal/utils"
)

var receiveFlags struct {
	watch     string
	interval  time.Duration
	stdin     bool
	serve     bool
	keepGoing bool
}

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Rebuild files from decoded QR frames",
	Long: `'receive' collects frames from one or more sources and writes each file once
all of its shards have arrived:

  --watch DIR   decode PNG/JPEG images dropped into DIR (e.g. by a camera)
  --stdin       read already decoded frame texts, one per line
  --serve       accept decoded texts on POST /frames at --http-addr

By default it exits after the first file is written.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Close()
		return runReceive(cmd.Context(), cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(receiveCmd)
	receiveCmd.Flags().StringVar(&receiveFlags.watch, "watch", "", "Directory of captured images to decode")
	receiveCmd.Flags().DurationVar(&receiveFlags.interval, "interval", 200*time.Millisecond,
		"Polling interval for --watch")
	receiveCmd.Flags().BoolVar(&receiveFlags.stdin, "stdin", false, "Read decoded frame texts from stdin")
	receiveCmd.Flags().BoolVar(&receiveFlags.serve, "serve", false, "Accept frames over HTTP")
	receiveCmd.Flags().BoolVar(&receiveFlags.keepGoing, "keep-going", false,
		"Keep receiving after a file has been written")
	receiveCmd.Flags().String("out-dir", ".", "Where received files are written")
	receiveCmd.Flags().Float64("threshold-ratio", 0.6, "Share of shards reported as the progress threshold")
	receiveCmd.Flags().Duration("stall-after", 30*time.Second, "Flag sessions without progress for this long")
	receiveCmd.Flags().Bool("stall-reset", false, "Drop stalled sessions")
	receiveCmd.Flags().String("http-addr", ":8080", "Listen address for --serve")
	receiveCmd.Flags().String("http-tls-cert", "", "PEM certificate for --serve")
	receiveCmd.Flags().String("http-tls-key", "", "PEM key for --serve")
}

// doneSignal cancels the receive loop after the first delivery.
type doneSignal struct {
	collector.BaseReporter
	cancel context.CancelFunc
}

func (d doneSignal) OnComplete(collector.Delivery) {
	d.cancel()
}

// readLines feeds every non-empty line of r to onText until EOF or ctx is
// done. A Read blocked on r cannot be interrupted: after ctx is done the
// reading goroutine lingers until r returns, which for os.Stdin may be never.
// That only happens while the command is exiting. Callers that need the
// goroutine gone must close r.
func readLines(ctx context.Context, r io.Reader, onText func(string)) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if line = strings.TrimSpace(line); line != "" {
				onText(line)
			}
		}
	}
}

func runReceive(ctx context.Context, cfg *config.Config, log *utils.Logger) error {
	if receiveFlags.watch == "" && !receiveFlags.stdin && !receiveFlags.serve {
		return errors.New("no frame source: use --watch, --stdin or --serve")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ring := collector.NewRing(0)
	manifest := files.NewManifest(cfg.OutDir, log)
	reporters := collector.MultiReporter{m, ring, manifest, newConsole(os.Stdout)}
	if !receiveFlags.keepGoing {
		reporters = append(reporters, doneSignal{cancel: cancel})
	}
	c := collector.New(files.DirSaver{Dir: cfg.OutDir}, cfg.CollectorSettings(),
		collector.WithReporter(reporters), collector.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.WatchStalls(gctx, time.Second) })
	if receiveFlags.watch != "" {
		scanner := optical.NewScanner(receiveFlags.watch, receiveFlags.interval, log)
		log.Info("Watching for images", zap.String("dir", receiveFlags.watch))
		g.Go(func() error { return scanner.Run(gctx, c.OnFrameDecoded) })
	}
	if receiveFlags.stdin {
		g.Go(func() error {
			err := readLines(gctx, os.Stdin, c.OnFrameDecoded)
			if receiveFlags.watch == "" && !receiveFlags.serve {
				// Nothing else can deliver frames once stdin is drained.
				cancel()
			}
			return err
		})
	}
	if receiveFlags.serve {
		router := api.NewRouter(api.Deps{
			Collector: c,
			Ring:      ring,
			OnReset:   m.ForgetSessions,
			Gatherer:  reg,
			Logger:    log,
		})
		g.Go(func() error { return serveHTTP(gctx, cfg.HTTP, router, log) })
	}
	err := g.Wait()

	for _, p := range c.Snapshot() {
		log.Warn("Incomplete transfer", zap.String("session", p.SessionID), zap.String("file", p.FileName),
			zap.Int("shards", p.Shards), zap.Int("k", p.K), zap.Ints("missing", p.Missing))
	}
	totals := c.Totals()
	log.Info("Receiver stopped", zap.Int("decoded", totals.Decoded), zap.Int("delivered", totals.Delivered),
		zap.Int("malformed", totals.Malformed), zap.String("manifest", manifest.Path()))
	return err
}
