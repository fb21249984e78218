package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lightkeyd/internal/cache"
	"lightkeyd/internal/common/fsutil"
	"lightkeyd/internal/config"
	"lightkeyd/internal/dispatch"
	"lightkeyd/internal/health"
	"lightkeyd/internal/httpapi"
	"lightkeyd/internal/lifecycle"
	"lightkeyd/internal/orchestrator"
	"lightkeyd/internal/registry"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		cfgPath     string
		addr        string
		logLevel    string
		endpoints   []string
		corsOrigins []string
	)

	root := &cobra.Command{
		Use:   "lightkeyd",
		Short: "Batch image analysis orchestrator for vision model backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, addr, logLevel, endpoints, corsOrigins)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", envOr("LIGHTKEYD_CONFIG", ""), "config file (.yaml/.json/.toml)")
	root.Flags().StringVar(&addr, "addr", envOr("LIGHTKEYD_ADDR", ""), "HTTP listen address, e.g. :8080")
	root.Flags().StringVar(&logLevel, "log-level", envOr("LIGHTKEYD_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	root.Flags().StringSliceVar(&endpoints, "endpoint", nil, "static backend endpoint (repeatable)")
	root.Flags().StringSliceVar(&corsOrigins, "cors-origin", nil, "allowed CORS origin (repeatable); empty disables CORS")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath, addr, logLevel string, endpoints, corsOrigins []string) error {
	log := newLogger(logLevel)

	var cfg config.Config
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			log.Error().Str("path", cfgPath).Err(err).Msg("config load failed")
			return err
		}
	}
	applyDefaults(&cfg)
	if addr != "" {
		cfg.Addr = addr
	}
	if len(endpoints) > 0 {
		cfg.Endpoints = endpoints
	}

	reg := registry.New()

	var store *cache.Store
	if cfg.CachePath != "" {
		if expanded, err := fsutil.ExpandHome(cfg.CachePath); err == nil {
			cfg.CachePath = expanded
		}
		if dir := filepath.Dir(cfg.CachePath); !fsutil.PathExists(dir) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Warn().Str("dir", dir).Err(err).Msg("cache directory not created")
			}
		}
		var err error
		store, err = cache.Open(cfg.CachePath, cache.Options{
			MaxEntries: cfg.CacheMaxEntries,
			MaxAge:     time.Duration(cfg.CacheMaxAgeDays) * 24 * time.Hour,
		})
		if err != nil {
			// The cache is an accelerator, not a dependency.
			log.Warn().Str("path", cfg.CachePath).Err(err).Msg("result cache unavailable, running without it")
			store = nil
		} else {
			defer store.Close()
		}
	}

	var lc *lifecycle.Manager
	if cfg.Container.Image != "" {
		runtime := lifecycle.NewDockerRuntime()
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := runtime.Available(probeCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("container runtime unavailable, pool growth disabled")
		} else {
			lc = lifecycle.New(lifecycle.Config{
				Runtime:        runtime,
				Registry:       reg,
				Logger:         log,
				Spec:           cfg.Container,
				StartupTimeout: time.Duration(cfg.StartupTimeoutSec) * time.Second,
				MaxInflight:    cfg.MaxPerInstance,
			})
		}
	}

	var rc dispatch.ResultCache
	if store != nil {
		rc = store
	}
	var prov dispatch.Provisioner
	if lc != nil {
		prov = lc
	}
	disp := dispatch.New(reg, rc, prov, nil, nil, log, dispatch.Config{
		MaxRetries:     cfg.MaxRetries,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		StartupWait:    time.Duration(cfg.StartupTimeoutSec) * time.Second,
	})

	var monLC health.Lifecycle
	if lc != nil {
		monLC = lc
	}
	mon := health.New(reg, monLC, nil, log, health.Config{
		Interval:         time.Duration(cfg.ProbeIntervalSec) * time.Second,
		ProbeTimeout:     time.Duration(cfg.ProbeTimeoutSec) * time.Second,
		FailureThreshold: cfg.FailureThreshold,
		EvictGrace:       time.Duration(cfg.EvictGraceSec) * time.Second,
		Replace:          lc != nil,
		DefaultModel:     cfg.DefaultModel,
	})

	var stats orchestrator.StatsSource
	if store != nil {
		stats = store
	}
	orch := orchestrator.New(orchestrator.Config{
		Registry:       reg,
		Dispatcher:     disp,
		Lifecycle:      lc,
		Monitor:        mon,
		Cache:          stats,
		Logger:         log,
		DefaultModel:   cfg.DefaultModel,
		DefaultPrompt:  cfg.DefaultPrompt,
		SystemPrompt:   cfg.SystemPrompt,
		Temperature:    cfg.Temperature,
		BatchWorkers:   cfg.BatchWorkers,
		MaxPerInstance: cfg.MaxPerInstance,
	})

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	err := orch.ConfigureInstances(startupCtx, cfg.Endpoints)
	cancelStartup()
	if err != nil {
		log.Error().Err(err).Msg("endpoint registration failed")
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log)
	if len(corsOrigins) > 0 {
		httpapi.SetCORSOptions(true, corsOrigins,
			[]string{"GET", "POST", "OPTIONS"},
			[]string{"Accept", "Content-Type"})
	}

	mux := httpapi.NewMux(orch)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("endpoints", len(cfg.Endpoints)).Msg("lightkeyd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
		return err
	}

	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	orch.Close(shutdownCtx)
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var w = os.Stderr
	log := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	if fi, err := w.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log = log.Output(zerolog.ConsoleWriter{Out: w})
	}
	return log
}

// applyDefaults fills unset config values with the service defaults.
func applyDefaults(cfg *config.Config) {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemma3:4b"
	}
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = "Describe this image with a list of searchable keywords."
	}
	if cfg.MaxPerInstance <= 0 {
		cfg.MaxPerInstance = 3
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 5
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = 120
	}
	if cfg.StartupTimeoutSec <= 0 {
		cfg.StartupTimeoutSec = 120
	}
	if cfg.Container.ContainerPort <= 0 {
		cfg.Container.ContainerPort = 11434
	}
}
