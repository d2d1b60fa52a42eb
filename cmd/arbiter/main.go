package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arbiterhq/arbiter/internal/adapter/cli"
	anthropiccritic "github.com/arbiterhq/arbiter/internal/adapter/critic/anthropic"
	openaicritic "github.com/arbiterhq/arbiter/internal/adapter/critic/openai"
	staticcritic "github.com/arbiterhq/arbiter/internal/adapter/critic/static"
	openaiembed "github.com/arbiterhq/arbiter/internal/adapter/embedding/openai"
	"github.com/arbiterhq/arbiter/internal/adapter/observability"
	"github.com/arbiterhq/arbiter/internal/adapter/output/json"
	"github.com/arbiterhq/arbiter/internal/adapter/store/sqlite"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/critic"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/usecase/decision"
	"github.com/arbiterhq/arbiter/internal/version"
)

func main() {
	if err := run(); err != nil {
		log.Println(err.Error())
		os.Exit(1)
	}
}

func run() error {
	// Create cancellable context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPaths: defaultConfigPaths(),
		FileName:    "arbiter",
		EnvPrefix:   "ARBITER",
	})
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	logger := buildLogger(cfg.Observability)

	var metrics decision.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = decision.NewDefaultMetrics()
	}

	critics, err := buildCritics(cfg)
	if err != nil {
		return err
	}

	orchCfg, retry, breakerSettings, err := orchestratorSettings(cfg.Orchestrator)
	if err != nil {
		return err
	}
	orchCfg.Retry = retry

	orchestrator, err := decision.NewOrchestrator(decision.OrchestratorDeps{
		Critics:  critics,
		Breakers: decision.NewBreakerSet(breakerSettings),
		Logger:   logger,
		Metrics:  metrics,
	}, orchCfg)
	if err != nil {
		return fmt.Errorf("orchestrator setup failed: %w", err)
	}

	aggSettings, err := aggregationSettings(cfg.Aggregation)
	if err != nil {
		return err
	}
	aggregator := decision.NewAggregator(aggSettings)

	// Initialize store if enabled; failure degrades to running without
	// precedent context.
	var precedentStore store.PrecedentStore
	if cfg.Store.Enabled {
		storeDir := filepath.Dir(cfg.Store.Path)
		if err := os.MkdirAll(storeDir, 0755); err != nil {
			log.Printf("warning: failed to create store directory: %v", err)
		} else {
			sqliteStore, err := sqlite.NewStore(cfg.Store.Path)
			if err != nil {
				log.Printf("warning: failed to initialize precedent store: %v", err)
			} else {
				precedentStore = sqliteStore
				defer precedentStore.Close()
			}
		}
	}

	var embedder decision.Embedder
	if cfg.Embedding.Enabled {
		key := apiKeyOr(cfg.Embedding.APIKey, "OPENAI_API_KEY")
		if key == "" {
			log.Println("warning: embedding enabled but no API key provided; records will be stored without embeddings")
		} else {
			embedder = openaiembed.NewEmbedder(key, cfg.Embedding.Model, "")
		}
	}

	engine, err := decision.NewEngine(decision.EngineDeps{
		Orchestrator: orchestrator,
		Aggregator:   aggregator,
		Store:        precedentStore,
		Embedder:     embedder,
		Logger:       logger,
	}, aggSettings)
	if err != nil {
		return fmt.Errorf("engine setup failed: %w", err)
	}

	// Timestamp function for deterministic output file naming
	nowFunc := func() string {
		return time.Now().UTC().Format("20060102T150405Z")
	}

	root := cli.NewRootCommand(cli.Dependencies{
		Decider:       engine,
		Store:         precedentStore,
		Artifacts:     json.NewWriter(nowFunc),
		DefaultOutput: cfg.Output.Directory,
		Version:       version.Value(),
	})

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, cli.ErrVersionRequested) {
			return nil
		}
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "arbiter"))
	}
	return paths
}

// buildLogger creates the structured logger based on configuration. A nil
// logger disables logging throughout the engine.
func buildLogger(cfg config.ObservabilityConfig) decision.Logger {
	if !cfg.Logging.Enabled {
		return nil
	}
	return observability.NewDefaultLogger(
		observability.ParseLevel(cfg.Logging.Level),
		observability.ParseFormat(cfg.Logging.Format),
	)
}

// buildCritics constructs the registered critic set from configuration.
// Misconfigured LLM critics are skipped with a warning so a bad API key
// never takes the whole engine down.
func buildCritics(cfg config.Config) (map[string]decision.RegisteredCritic, error) {
	critics := make(map[string]decision.RegisteredCritic)

	for name, cc := range cfg.Critics {
		if !cc.Enabled {
			continue
		}

		var timeout time.Duration
		if cc.Timeout != nil {
			parsed, err := time.ParseDuration(*cc.Timeout)
			if err != nil {
				return nil, fmt.Errorf("critic %s: invalid timeout: %w", name, err)
			}
			timeout = parsed
		}

		registered := decision.RegisteredCritic{
			Weight:       cc.Weight,
			PriorityRank: cc.PriorityRank,
			Timeout:      timeout,
		}

		switch cc.Kind {
		case "static":
			registered.Critic = staticcritic.NewCritic(name, nil)
		case "openai":
			key := apiKeyOr(cc.APIKey, "OPENAI_API_KEY")
			if key == "" {
				log.Printf("warning: critic %s missing API key (set OPENAI_API_KEY or critics.%s.apiKey), skipping", name, name)
				continue
			}
			registered.Critic = openaicritic.NewCritic(name, key, cc.Model, "")
		case "anthropic":
			key := apiKeyOr(cc.APIKey, "ANTHROPIC_API_KEY")
			if key == "" {
				log.Printf("warning: critic %s missing API key (set ANTHROPIC_API_KEY or critics.%s.apiKey), skipping", name, name)
				continue
			}
			registered.Critic = anthropiccritic.NewCritic(name, key, cc.Model, "")
		default:
			return nil, fmt.Errorf("critic %s: unsupported kind %q (supported: static, openai, anthropic)", name, cc.Kind)
		}

		critics[name] = registered
	}

	if len(critics) == 0 {
		return nil, fmt.Errorf("no usable critics after configuration; enable at least one")
	}
	return critics, nil
}

// apiKeyOr falls back to a well-known environment variable when the config
// leaves the key empty.
func apiKeyOr(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}

func orchestratorSettings(cfg config.OrchestratorConfig) (decision.OrchestratorConfig, decision.RetryPolicy, decision.BreakerSettings, error) {
	orchCfg := decision.DefaultOrchestratorConfig()
	retry := decision.DefaultRetryPolicy()
	breaker := decision.DefaultBreakerSettings()

	var err error
	if orchCfg.CriticTimeout, err = durationOr(cfg.CriticTimeout, orchCfg.CriticTimeout); err != nil {
		return orchCfg, retry, breaker, fmt.Errorf("orchestrator.criticTimeout: %w", err)
	}
	if cfg.MaxParallelCalls > 0 {
		orchCfg.MaxParallelCalls = cfg.MaxParallelCalls
	}

	retry.MaxRetries = cfg.MaxRetries
	if retry.InitialBackoff, err = durationOr(cfg.InitialBackoff, retry.InitialBackoff); err != nil {
		return orchCfg, retry, breaker, fmt.Errorf("orchestrator.initialBackoff: %w", err)
	}
	if retry.MaxBackoff, err = durationOr(cfg.MaxBackoff, retry.MaxBackoff); err != nil {
		return orchCfg, retry, breaker, fmt.Errorf("orchestrator.maxBackoff: %w", err)
	}
	if cfg.BackoffMultiplier > 0 {
		retry.Multiplier = cfg.BackoffMultiplier
	}

	if cfg.Breaker.WindowSize > 0 {
		breaker.WindowSize = cfg.Breaker.WindowSize
	}
	if cfg.Breaker.FailureRateThreshold > 0 {
		breaker.FailureRateThreshold = cfg.Breaker.FailureRateThreshold
	}
	if cfg.Breaker.ConsecutiveFailures > 0 {
		breaker.ConsecutiveFailures = cfg.Breaker.ConsecutiveFailures
	}
	if breaker.Cooldown, err = durationOr(cfg.Breaker.Cooldown, breaker.Cooldown); err != nil {
		return orchCfg, retry, breaker, fmt.Errorf("orchestrator.breaker.cooldown: %w", err)
	}

	return orchCfg, retry, breaker, nil
}

func aggregationSettings(cfg config.AggregationConfig) (decision.AggregationSettings, error) {
	settings := decision.AggregationSettings{
		DenyThreshold:         cfg.DenyThreshold,
		MaxErrorFraction:      cfg.MaxErrorFraction,
		InheritedThreshold:    cfg.InheritedThreshold,
		AdvisoryThreshold:     cfg.AdvisoryThreshold,
		NoveltyThreshold:      cfg.NoveltyThreshold,
		SimilarityFloor:       cfg.SimilarityFloor,
		PrecedentDissentBoost: cfg.PrecedentDissentBoost,
		StoreSampleRate:       cfg.StoreSampleRate,
		PrecedentTopK:         cfg.PrecedentTopK,
		NovelReviewBias:       cfg.NovelReviewBias,
	}

	var err error
	if settings.PrecedentTimeout, err = durationOr(cfg.PrecedentTimeout, decision.DefaultAggregationSettings().PrecedentTimeout); err != nil {
		return settings, fmt.Errorf("aggregation.precedentTimeout: %w", err)
	}
	return settings, nil
}

// durationOr parses a duration string, keeping the fallback when empty.
func durationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// Compile-time interface compliance checks
var _ cli.Decider = (*decision.Engine)(nil)
var _ cli.ArtifactWriter = (*json.Writer)(nil)
var _ decision.Embedder = (*openaiembed.Embedder)(nil)
var _ store.PrecedentStore = (*sqlite.Store)(nil)
var _ critic.Critic = (*staticcritic.Critic)(nil)
var _ critic.Critic = (*openaicritic.Critic)(nil)
var _ critic.Critic = (*anthropiccritic.Critic)(nil)
