// qrdrop moves a file between two devices through a sequence of QR codes:
// one screen shows them, the other device's camera reads them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harrylevesque/qrdrop/internal/certs"
	"github.com/harrylevesque/qrdrop/internal/config"
	"github.com/harrylevesque/qrdrop/internal/utils"
)

var rootFlags struct {
	config   string
	logLevel string
	logFile  string
	quiet    bool
}

var rootCmd = &cobra.Command{
	Use:   "qrdrop",
	Short: "Transfer files over a one-way optical channel",
	Long: `qrdrop splits a file into shards and shows them as a looping sequence of QR
codes. The receiver decodes whatever frames it catches, in any order and any
number of times, and writes the file once every shard has arrived.

Settings come from qrdrop.yaml (working directory or ~/.qrdrop), QRDROP_*
environment variables such as QRDROP_FRAMER_MAX_PAYLOAD, and flags.
`,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.config, "config", "", "Config file")
	rootCmd.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "info",
		"Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.logFile, "log-file", "", "Also write JSON logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&rootFlags.quiet, "quiet", "q", false, "Disable console logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

// setup loads the configuration, letting cmd's flags override it, and builds
// the logger.
func setup(cmd *cobra.Command) (*config.Config, *utils.Logger, error) {
	// Do not output help message if we get this far.
	cmd.SilenceUsage = true

	cfg, err := config.Load(rootFlags.config, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log, err := utils.NewLogger(utils.LogOptions{
		Level: cfg.Log.Level,
		File:  cfg.Log.File,
		Quiet: rootFlags.quiet,
	})
	if err != nil {
		return nil, nil, utils.Wrap(utils.CodeConfig, "failed to create logger", err)
	}
	return cfg, log, nil
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, cfg config.HTTPConfig, h http.Handler, log *utils.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSCert != "" {
		tlsCfg, err := certs.NewCertManager(cfg.TLSCert, cfg.TLSKey).TLSConfig()
		if err != nil {
			return utils.Wrap(utils.CodeConfig, "failed to load TLS certificate", err)
		}
		srv.TLSConfig = tlsCfg
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Addr), zap.Bool("tls", srv.TLSConfig != nil))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return utils.Wrap(utils.CodeIO, "HTTP server failed", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errc
	return nil
}
