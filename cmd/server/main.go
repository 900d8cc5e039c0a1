package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulce2011/GPU-Code-Runner/internal/config"
	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
	"github.com/pulce2011/GPU-Code-Runner/internal/process"
	"github.com/pulce2011/GPU-Code-Runner/internal/publish"
	"github.com/pulce2011/GPU-Code-Runner/internal/scheduler"
	"github.com/pulce2011/GPU-Code-Runner/internal/server"
	"github.com/pulce2011/GPU-Code-Runner/internal/store"
)

func main() {
	configFile := flag.String("config", os.Getenv("RUNNER_CONFIG"), "Path to TOML config file")
	flag.String("addr", "", "Listen address")
	flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.String("log-format", "", "Log format (text, json)")
	flag.String("db", "", "Database path (default runner.db)")
	flag.String("work-dir", "", "Directory for temporary source files")
	flag.String("run-command", "", "Run script command; source path and exercise name are appended")
	flag.Int("max-concurrent", 0, "Maximum number of running tasks")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "flags: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "runner.db"
	}

	logger := logging.FromConfig(cfg.LogLevel, cfg.LogFormat)

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	launcher, err := process.NewLauncher(cfg.Runtime.RunCommand, "", cfg.Runtime.LineBuffered, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run command: %v\n", err)
		os.Exit(1)
	}

	hub := publish.NewHub(publish.DefaultBuffer, logger)
	sched := scheduler.New(st, launcher, publish.NewPublisher(hub, logger), cfg.Runtime, logger)
	if cfg.Runtime.InterruptOnDisconnect {
		hub.OnDisconnect(sched.InterruptChannel)
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Recover(ctx); err != nil {
		logger.Error("recover tasks", "error", err)
	}

	srv := server.New(cfg, st, sched, hub, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Stop scheduler before HTTP server.
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler stop error", "error", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// applyFlags overlays flags given on the command line onto cfg.
func applyFlags(cfg *config.ServerConfig) error {
	var err error
	flag.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "addr":
			cfg.Addr = v
		case "log-level":
			cfg.LogLevel = v
		case "log-format":
			cfg.LogFormat = v
		case "db":
			cfg.DBPath = v
		case "work-dir":
			cfg.Runtime.WorkDir = v
		case "run-command":
			cfg.Runtime.RunCommand = v
		case "max-concurrent":
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				err = convErr
				return
			}
			cfg.Runtime.MaxConcurrent = n
		}
	})
	if err != nil {
		return err
	}
	return cfg.Runtime.Validate()
}
