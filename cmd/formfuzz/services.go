package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/browser"
	"github.com/ahrdadan/formfuzz/internal/cache"
	"github.com/ahrdadan/formfuzz/internal/config"
	"github.com/ahrdadan/formfuzz/internal/llm"
	natsserver "github.com/ahrdadan/formfuzz/internal/nats"
	"github.com/ahrdadan/formfuzz/internal/pipeline"
	"github.com/ahrdadan/formfuzz/internal/prompt"
	"github.com/ahrdadan/formfuzz/internal/submit"
)

// services is the assembled pipeline plus everything that must be released
// when the command exits.
type services struct {
	browser *browser.Manager
	runner  *pipeline.Runner
	nats    *natsserver.Server
	closers []func()
	logger  *zap.Logger
}

// Close releases resources in reverse order of acquisition.
func (r *services) Close() {
	if r == nil {
		return
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildServices wires every pipeline component from cfg. When nats is nil
// and the cache lives in JetStream, a connection is opened here.
// On error everything acquired so far is released and no services are
// returned.
func buildServices(ctx context.Context, cfg *config.Config, nats *natsserver.Server, logger *zap.Logger) (_ *services, err error) {
	rt := &services{nats: nats, logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	policy, err := submit.ParsePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "FAILURE_POLICY", Reason: err.Error()}
	}
	isolation, err := browser.ParseIsolation(cfg.Browser.Isolation)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "BROWSER_ISOLATION", Reason: err.Error()}
	}

	var builderOpts []prompt.Option
	if cfg.Template != "" {
		builderOpts = append(builderOpts, prompt.WithTemplateFile(cfg.Template))
	}
	builder, err := prompt.New(builderOpts...)
	if err != nil {
		if cfg.Template != "" {
			return nil, &config.ConfigurationError{Key: "PROMPT_TEMPLATE", Reason: err.Error()}
		}
		return nil, err
	}

	store, err := rt.openCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	router, err := llm.NewDefaultRouter(cfg.LLM.Provider, llm.BackendConfig{
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "LLM_PROVIDER", Reason: err.Error()}
	}
	client := llm.NewCachingClient(store, router, cfg.LLM.Provider, cfg.LLM.APIKey,
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithLogger(logger),
	)

	page := browser.DefaultPageOptions()
	if cfg.Browser.UserAgent != "" {
		page.UserAgent = cfg.Browser.UserAgent
	}
	rt.browser = browser.NewManager(browser.Options{
		BinPath:     cfg.Browser.Bin,
		ControlURL:  cfg.Browser.URL,
		Headless:    cfg.Browser.Headless,
		Isolation:   isolation,
		StepTimeout: cfg.StepTimeout,
		Page:        page,
	}, logger)
	rt.closers = append(rt.closers, func() {
		if err := rt.browser.Stop(); err != nil {
			logger.Warn("Failed to stop browser", zap.Error(err))
		}
	})

	orchestrator := submit.New(rt.browser,
		submit.WithPolicy(policy),
		submit.WithLogger(logger),
	)
	rt.runner = pipeline.NewRunner(rt.browser, builder, client, orchestrator, logger)

	return rt, nil
}

func (rt *services) openCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "nats":
		if rt.nats == nil {
			srv, err := startNATS(ctx, cfg, rt.logger)
			if err != nil {
				return nil, err
			}
			rt.nats = srv
			rt.closers = append(rt.closers, func() { _ = srv.Stop() })
		}
		store, err := cache.OpenKVStore(ctx, rt.nats.GetJetStream(), cfg.Cache.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache bucket: %w", err)
		}
		rt.logger.Info("Using JetStream cache", zap.String("bucket", cfg.Cache.Bucket))
		return store, nil
	default:
		rt.logger.Info("Using directory cache", zap.String("dir", cfg.Cache.Dir))
		return cache.NewDirStore(cfg.Cache.Dir), nil
	}
}

func startNATS(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*natsserver.Server, error) {
	srv := natsserver.NewServer(natsserver.ServerConfig{
		BinPath:  cfg.NATS.Bin,
		StoreDir: cfg.NATS.StoreDir,
		URL:      cfg.NATS.URL,
		AutoDL:   cfg.NATS.AutoDL,
		Embedded: cfg.NATS.Embedded,
	}, logger)
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start NATS: %w", err)
	}
	return srv, nil
}

// logReport writes a finished run's summary.
func logReport(logger *zap.Logger, report *pipeline.Report) {
	failed := 0
	for _, o := range report.Outcomes {
		if o.Err != nil {
			failed++
		}
	}
	logger.Info("Run report",
		zap.String("url", report.TargetURL),
		zap.Int("fields", report.Fields),
		zap.Int("fillable", report.FillableFields),
		zap.String("cache_key", report.CacheKey),
		zap.Bool("cached", report.Cached),
		zap.Int("value_sets", report.ValueSets),
		zap.String("initial_screenshot", report.InitialScreenshot),
		zap.Strings("screenshots", report.Screenshots()),
		zap.Int("failed_cycles", failed),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
}
