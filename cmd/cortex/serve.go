package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kadirpekel/cortex/pkg/artifact"
	"github.com/kadirpekel/cortex/pkg/breaker"
	"github.com/kadirpekel/cortex/pkg/cache"
	"github.com/kadirpekel/cortex/pkg/claims"
	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/config/provider"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/embedder"
	"github.com/kadirpekel/cortex/pkg/ledger"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/memory"
	"github.com/kadirpekel/cortex/pkg/observability"
	"github.com/kadirpekel/cortex/pkg/pipeline"
	"github.com/kadirpekel/cortex/pkg/recipe"
	"github.com/kadirpekel/cortex/pkg/retrieval"
	"github.com/kadirpekel/cortex/pkg/server"
	"github.com/kadirpekel/cortex/pkg/session"
	"github.com/kadirpekel/cortex/pkg/tools"
	"github.com/kadirpekel/cortex/pkg/topics"
	"github.com/kadirpekel/cortex/pkg/utils"
)

// ServeCmd starts the gateway server.
type ServeCmd struct {
	Host  string `help:"Host to bind."`
	Port  int    `help:"Port to listen on."`
	Watch bool   `help:"Watch config and recipe files for changes."`
	Trace bool   `help:"Emit trace spans to stderr."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	metrics, err := observability.NewPrometheusMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:     c.Trace,
		ServiceName: cfg.Name,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	emb, err := embedder.New(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	registry, err := llms.NewRegistry(cfg.LLMs, cfg.Pipeline.LLMConcurrency, metrics)
	if err != nil {
		return fmt.Errorf("failed to create LLM registry: %w", err)
	}
	defer registry.Close()

	if _, err := utils.EnsureDir(cfg.Paths.RecipesDir); err != nil {
		return fmt.Errorf("failed to create recipes dir: %w", err)
	}
	recipes, err := recipe.NewLoader(cfg.Paths.RecipesDir)
	if err != nil {
		return fmt.Errorf("failed to load recipes: %w", err)
	}
	defer recipes.Close()
	if c.Watch {
		if err := recipes.Watch(ctx); err != nil {
			slog.Warn("Recipe watching unavailable", "error", err)
		}
	}

	shared := cfg.Paths.SharedStateDir
	claimsReg, err := claims.NewRegistry(filepath.Join(shared, "claims.db"))
	if err != nil {
		return fmt.Errorf("failed to open claim registry: %w", err)
	}
	defer claimsReg.Close()

	topicsIdx, err := topics.NewIndex(filepath.Join(shared, "topics"), emb, claimsReg)
	if err != nil {
		return fmt.Errorf("failed to open topic index: %w", err)
	}
	defer topicsIdx.Close()

	artifacts, err := artifact.NewStore(filepath.Join(shared, "artifacts"))
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	led, err := ledger.Open(filepath.Join(shared, "ledger"))
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	mem, err := memory.NewStore(cfg.Paths.MemoryRoot, cfg.Memory.ProfileMax)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}

	caches := buildCaches(cfg, metrics)
	caches.Start(ctx)
	defer caches.Stop()

	broker, err := tools.NewBroker(filepath.Join(shared, "interventions"),
		time.Duration(cfg.Tools.InterventionTimeoutSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("failed to create intervention broker: %w", err)
	}

	enforcer := contract.NewEnforcer()
	llmBreaker := breaker.NewGroup("llm", cfg.Breakers.LLM, metrics)
	toolBreaker := breaker.NewGroup("tools", cfg.Breakers.Tools, metrics)

	p, err := pipeline.New(pipeline.Deps{
		Config:      cfg,
		LLMs:        registry,
		Embedder:    emb,
		Recipes:     recipes,
		Enforcer:    enforcer,
		Claims:      claimsReg,
		Topics:      topicsIdx,
		Artifacts:   artifacts,
		Ledger:      led,
		Memory:      mem,
		Sessions:    session.NewManager(cfg.Pipeline.ContextKeepRecent),
		Caches:      caches,
		Tools:       tools.NewInvoker(cfg.Tools, enforcer, broker, metrics),
		LLMBreaker:  llmBreaker,
		ToolBreaker: toolBreaker,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	srv, err := server.New(server.Options{
		Config:      cfg,
		Runner:      p,
		Broker:      broker,
		Ledger:      led,
		Caches:      caches,
		LLMBreaker:  llmBreaker,
		ToolBreaker: toolBreaker,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("\nCortex gateway ready\n")
	fmt.Printf("   Turns:    POST http://%s/v1/turns\n", addr)
	fmt.Printf("   Health:   http://%s/health\n", addr)
	fmt.Printf("   Metrics:  http://%s/metrics\n", addr)
	fmt.Printf("   Status:   http://%s/v1/status/breakers\n", addr)
	fmt.Println("\nPress Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loadConfig loads the config file when given one, or builds a pure
// environment-and-defaults config.
func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		slog.Info("No config file, using environment and defaults")
		return config.Default()
	}

	fp, err := provider.NewFileProvider(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}

	var loader *config.Loader
	if c.Watch {
		loader = config.NewLoader(fp, config.WithOnChange(func(*config.Config) {
			slog.Warn("Configuration changed on disk, restart to apply")
		}))
	} else {
		loader = config.NewLoader(fp)
	}

	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	if c.Watch {
		if err := loader.Watch(ctx); err != nil {
			slog.Warn("Config watching unavailable", "error", err)
		}
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, nil
}

// buildCaches assembles the three-layer cache under one sweeper.
func buildCaches(cfg *config.Config, metrics observability.Metrics) *cache.Manager {
	fuser := retrieval.NewFuser(cfg.Caches.Alpha, cfg.Caches.SemanticThreshold, cfg.Caches.KeywordThreshold)
	manager := cache.NewManager(time.Duration(cfg.Caches.SweepIntervalSeconds)*time.Second, metrics)

	layers := []struct {
		name string
		conf config.CacheLayerConfig
	}{
		{cache.LayerResponse, cfg.Caches.Response},
		{cache.LayerClaims, cfg.Caches.Claims},
		{cache.LayerTools, cfg.Caches.Tools},
	}
	for _, l := range layers {
		layer := cache.NewLayer(l.name, cache.LayerOptions{
			DefaultTTL: time.Duration(l.conf.TTLSeconds) * time.Second,
			MaxEntries: l.conf.MaxEntries,
			MinQuality: l.conf.MinQuality,
		}, fuser)
		// Registration only fails on duplicate names.
		_ = manager.Register(layer)
	}
	return manager
}
