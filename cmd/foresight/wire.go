package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/foresight-tools/foresight/internal/cache"
	"github.com/foresight-tools/foresight/internal/config"
	"github.com/foresight-tools/foresight/internal/engine"
	"github.com/foresight-tools/foresight/internal/escalate"
	"github.com/foresight-tools/foresight/internal/executor"
	"github.com/foresight-tools/foresight/internal/provider/exa"
	"github.com/foresight-tools/foresight/internal/provider/polymarket"
	"github.com/foresight-tools/foresight/internal/store"
	"github.com/foresight-tools/foresight/internal/synthesis"
	"github.com/foresight-tools/foresight/internal/tracker"
	"github.com/foresight-tools/foresight/internal/verify"
)

// app holds everything a command needs, plus the resources to release.
type app struct {
	cfg    *config.Config
	engine *engine.Engine
	logger *zap.Logger

	store   *store.Store
	redis   *redis.Client
	watcher *config.PolicyWatcher
}

// wire builds the full component graph from configuration.
func wire(flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	metricsPort := cfg.MetricsPort
	if flags.metricsPort > 0 {
		metricsPort = flags.metricsPort
	}
	serveMetrics(metricsPort, logger)

	var redisClient *redis.Client
	if cfg.Cache.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	}
	responseCache := cache.New(redisClient, cfg.Cache.TTL, logger)

	research := exa.New(exa.Options{
		BaseURL:           cfg.Exa.BaseURL,
		APIKey:            cfg.Exa.APIKey,
		Timeout:           cfg.Exa.Timeout,
		RequestsPerSecond: cfg.Exa.RequestsPerSecond,
		Cache:             responseCache,
	}, logger)

	market := polymarket.New(polymarket.Options{
		BaseURL:           cfg.Polymarket.BaseURL,
		APIKey:            cfg.Polymarket.APIKey,
		Timeout:           cfg.Polymarket.Timeout,
		RequestsPerSecond: cfg.Polymarket.RequestsPerSecond,
	}, logger)

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}

	tr := tracker.New(st, research, logger)
	if cfg.Executor.PollInterval > 0 {
		tr.PollInterval = cfg.Executor.PollInterval
	}

	ex := executor.New(research, tr, logger, executor.Config{
		FanOut:          cfg.Executor.FanOut,
		DeepTaskTimeout: cfg.Executor.DeepTaskTimeout,
	})

	synth := synthesis.New(logger, synthesis.Options{})
	verifier := verify.New(cfg.Policy.Verification, logger)

	gatePolicy, err := cfg.Policy.Escalation.GatePolicy()
	if err != nil {
		st.Close()
		return nil, err
	}
	gate := escalate.NewGate(gatePolicy, logger)

	supervisor := escalate.NewSupervisor(
		escalate.NewAskCritic(research), ex, synth, verifier, logger,
		escalate.SupervisorConfig{IncludeFreshness: true},
	)

	var watcher *config.PolicyWatcher
	if cfg.PolicyPath != "" {
		watcher, err = config.NewPolicyWatcher(cfg.PolicyPath, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		watcher.OnChange(func(p config.PolicyConfig) {
			verifier.SetPolicy(p.Verification)
			if gp, gerr := p.Escalation.GatePolicy(); gerr == nil {
				gate.SetPolicy(gp)
			} else {
				logger.Warn("ignoring unparsable escalation policy", zap.Error(gerr))
			}
		})
		if err := watcher.Start(); err != nil {
			st.Close()
			return nil, err
		}
	}

	eng := engine.New(engine.Deps{
		Market:     market,
		Store:      st,
		Tracker:    tr,
		Executor:   ex,
		Synth:      synth,
		Verifier:   verifier,
		Gate:       gate,
		Supervisor: supervisor,
		Logger:     logger,
	})

	return &app{
		cfg:     cfg,
		engine:  eng,
		logger:  logger,
		store:   st,
		redis:   redisClient,
		watcher: watcher,
	}, nil
}

// Close releases the app's resources in reverse dependency order.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Sync()
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
