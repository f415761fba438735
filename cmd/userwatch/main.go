// Command userwatch polls Stack Exchange sites for newly created accounts,
// classifies them against community blacklists, and posts alerts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/userwatch/dbopen"
	"github.com/hazyhaar/userwatch/patrol"
	"github.com/hazyhaar/userwatch/internal/homoglyph"
	"github.com/hazyhaar/userwatch/internal/report"
	"github.com/hazyhaar/userwatch/internal/rules"
	"github.com/hazyhaar/userwatch/internal/seapi"
	"github.com/hazyhaar/userwatch/internal/store"
)

// fileConfig is the on-disk YAML configuration.
type fileConfig struct {
	Patrol patrol.Config `yaml:"patrol"`

	API struct {
		Key        string `yaml:"key"`
		UserFilter string `yaml:"user_filter"`
	} `yaml:"api"`

	Rules     rules.Sources `yaml:"rules"`
	Homoglyph struct {
		TableURL string `yaml:"table_url"`
	} `yaml:"homoglyph"`

	DBPath     string `yaml:"db_path"`
	WebhookURL string `yaml:"webhook_url"`
}

func main() {
	var (
		configPath = flag.String("config", "userwatch.yaml", "path to YAML configuration")
		listen     = flag.String("listen", "127.0.0.1:8087", "ops API listen address")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
		once       = flag.Bool("once", false, "run a single tick over all sites, then exit")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if len(cfg.Patrol.FastSites)+len(cfg.Patrol.SlowSites) == 0 {
		logger.Error("no sites configured")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.DBPath == "" {
		cfg.DBPath = "userwatch.db"
	}
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
	if err != nil {
		logger.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client := seapi.New(seapi.Config{
		Key:        cfg.API.Key,
		UserFilter: cfg.API.UserFilter,
	}, seapi.WithLogger(logger))

	var sink report.Sink
	if cfg.WebhookURL != "" {
		sink = report.NewWebhookSink(cfg.WebhookURL, report.WithLogger(logger))
	} else {
		sink = &report.WriterSink{W: os.Stdout}
	}

	glyphURL := cfg.Homoglyph.TableURL
	if glyphURL == "" {
		glyphURL = homoglyph.DefaultTableURL
	}

	svc := patrol.New(cfg.Patrol, client, sink,
		store.New(db),
		rules.NewLoader(cfg.Rules, rules.WithLogger(logger)),
		homoglyph.NewLoader(glyphURL, homoglyph.WithLogger(logger)),
		logger)

	if *once {
		if err := svc.RunOnce(ctx); err != nil {
			logger.Error("single tick failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("start service", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops API listening", "addr", *listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops API server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Minute)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops API shutdown", "error", err)
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("stop service", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
