package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/bridge"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/config"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/detect"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/retry"
	"github.com/jason-merrell/grok-auto-retry-sub002/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		listen  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local bridge daemon",
		Long: `Start the local daemon the browser userscript connects to.

API Endpoints:
  GET  /ws                   WebSocket endpoint for the userscript
  GET  /healthz              Health check
  GET  /api/session          Current retry session state (JSON)
  POST /api/session/start    Start a session for the connected page
  POST /api/session/cancel   Cancel the active session
  GET  /api/history          Finished sessions, newest first

Examples:
  grokretry serve                          # Listen on the configured address
  grokretry serve --listen 127.0.0.1:9000  # Override the bind address`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(listen, verbose)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "bind address (overrides config)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func runServe(listen string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if listen == "" {
		listen = cfg.Bridge.Listen
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	settings := db.SettingsSource(cfg.Settings())
	report := func(rep retry.Report) {
		if err := db.RecordSession(rep); err != nil {
			logger.Warn("recording session history failed", "error", err)
		}
	}
	manager := retry.NewManager(settings, report, logger)

	var srv *bridge.Server
	detector := detect.New(cfg.DetectorConfig(), func(sig detect.Signal) {
		srv.HandleSignal(sig)
	}, logger)
	srv = bridge.New(detector, manager, db, cfg.Bridge.AllowedOrigin, cfg.Bridge.AutoStart, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	// Live-reload detector markers and retry defaults when the config file
	// changes. Stored overrides still win for the retry knobs.
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	if _, err := os.Stat(configPath); err == nil {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				cfg = next
				detector.SetConfig(next.DetectorConfig())
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("starting grokretry daemon",
		"listen", listen,
		"allowed_origin", cfg.Bridge.AllowedOrigin,
		"auto_start", cfg.Bridge.AutoStart,
		"data_dir", cfg.DataDir,
		"version", Version)

	return srv.ListenAndServe(ctx, listen)
}
