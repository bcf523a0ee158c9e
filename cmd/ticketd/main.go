// Package main provides the ticketd binary entry point.
// Ticketd is a multi-tenant ticket workflow engine that drives private
// request rooms on an external chat platform.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/ticketd/config"
	"github.com/c360studio/ticketd/export"
	"github.com/c360studio/ticketd/httpapi"
	"github.com/c360studio/ticketd/panel"
	"github.com/c360studio/ticketd/platform"
	"github.com/c360studio/ticketd/router"
	"github.com/c360studio/ticketd/store"
	"github.com/c360studio/ticketd/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ticketd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "ticketd",
		Short: "Multi-tenant ticket workflow engine",
		Long: `Ticketd drives private ticket rooms on an external chat platform.

It provides:
- Request panels from which users open private ticket rooms
- A claim/submit/approve/close lifecycle with role-based guards
- Transcript export to object storage with archive-room fallback

Ticket state lives in a NATS JetStream KV bucket; tenant settings are
plain JSON files watched for external edits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.NewLoader(bootLogger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting", "app", appName, "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(appName),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("init jetstream: %w", err)
	}
	tickets, err := store.NewKVTicketStore(ctx, js, cfg.NATS.Bucket)
	if err != nil {
		return fmt.Errorf("open ticket store: %w", err)
	}

	tenants, err := store.NewTenantStore(cfg.Store.TenantDir, logger)
	if err != nil {
		return fmt.Errorf("open tenant store: %w", err)
	}
	go func() {
		if err := tenants.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tenant watcher stopped", "error", err)
		}
	}()

	gw := platform.NewNATSGateway(nc)

	var uploader export.Uploader
	if cfg.Export.S3Bucket != "" {
		s3up, err := export.NewS3Uploader(ctx, cfg.Export.S3Bucket, cfg.Export.S3Prefix)
		if err != nil {
			return fmt.Errorf("init s3 uploader: %w", err)
		}
		uploader = s3up
		logger.Info("object-store export enabled", "bucket", cfg.Export.S3Bucket)
	}
	exporter := export.New(gw, tenants, uploader, logger)

	engine := workflow.NewEngine(gw, tenants, tickets, exporter, logger)
	disp := router.New(engine, tenants, logger)
	if err := disp.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate panel listeners: %w", err)
	}

	sub, err := gw.SubscribeCallbacks(func(ev platform.CallbackEvent) {
		reply, err := disp.Dispatch(ctx, router.FromEvent(ev))
		if err != nil {
			logger.Error("callback dispatch failed", "control", ev.ControlID, "error", err)
			return
		}
		logger.Debug("callback handled", "control", ev.ControlID, "reply", reply)
	})
	if err != nil {
		return fmt.Errorf("subscribe callbacks: %w", err)
	}
	defer func() { _ = sub.Drain() }()

	panels := panel.NewRegistry(gw, tenants, logger)
	server := httpapi.New(cfg.HTTP.Addr, panels, tenants, tickets, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown incomplete", "error", err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
