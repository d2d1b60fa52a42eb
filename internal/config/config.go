package config

import (
	"fmt"
	"time"
)

// Config represents the full application configuration.
type Config struct {
	Critics       map[string]CriticConfig `yaml:"critics"`
	Orchestrator  OrchestratorConfig      `yaml:"orchestrator"`
	Aggregation   AggregationConfig       `yaml:"aggregation"`
	Store         StoreConfig             `yaml:"store"`
	Embedding     EmbeddingConfig         `yaml:"embedding"`
	Output        OutputConfig            `yaml:"output"`
	Observability ObservabilityConfig     `yaml:"observability"`
}

// CriticConfig configures a single critic.
type CriticConfig struct {
	Enabled bool   `yaml:"enabled"`
	Kind    string `yaml:"kind"` // static, openai, anthropic
	Model   string `yaml:"model"`
	APIKey  string `yaml:"apiKey"`

	// Weight is the configured importance of this critic's opinion (>= 0).
	Weight float64 `yaml:"weight"`

	// PriorityRank orders critics lexicographically; lower rank is higher
	// priority and can never be outvoted by higher ranks.
	PriorityRank int `yaml:"priorityRank"`

	// Timeout overrides the orchestrator-wide per-critic timeout.
	Timeout *string `yaml:"timeout,omitempty"`
}

// OrchestratorConfig holds fan-out, retry, and circuit-breaker settings.
type OrchestratorConfig struct {
	CriticTimeout     string  `yaml:"criticTimeout"`
	MaxRetries        int     `yaml:"maxRetries"`
	InitialBackoff    string  `yaml:"initialBackoff"`
	MaxBackoff        string  `yaml:"maxBackoff"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
	MaxParallelCalls  int     `yaml:"maxParallelCalls"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-critic circuit breaker.
type BreakerConfig struct {
	// WindowSize is the number of recent invocations tracked per critic.
	WindowSize int `yaml:"windowSize"`
	// FailureRateThreshold trips the breaker when the rolling failure rate
	// meets or exceeds it (0-1).
	FailureRateThreshold float64 `yaml:"failureRateThreshold"`
	// ConsecutiveFailures trips the breaker regardless of the rolling rate.
	ConsecutiveFailures int `yaml:"consecutiveFailures"`
	// Cooldown is how long a tripped critic stays blacklisted.
	Cooldown string `yaml:"cooldown"`
}

// AggregationConfig holds the lexicographic-merge and precedent thresholds.
type AggregationConfig struct {
	DenyThreshold         float64 `yaml:"denyThreshold"`
	MaxErrorFraction      float64 `yaml:"maxErrorFraction"`
	InheritedThreshold    float64 `yaml:"inheritedThreshold"`
	AdvisoryThreshold     float64 `yaml:"advisoryThreshold"`
	NoveltyThreshold      float64 `yaml:"noveltyThreshold"`
	SimilarityFloor       float64 `yaml:"similarityFloor"`
	PrecedentDissentBoost float64 `yaml:"precedentDissentBoost"`
	StoreSampleRate       float64 `yaml:"storeSampleRate"`
	PrecedentTopK         int     `yaml:"precedentTopK"`
	PrecedentTimeout      string  `yaml:"precedentTimeout"`

	// NovelReviewBias escalates an ALLOW to REVIEW when a case is
	// unprecedented (no match, or none above the advisory threshold) and a
	// rank-0 critic participated. Conservative deployments for high-stakes
	// domains turn this on.
	NovelReviewBias bool `yaml:"novelReviewBias"`
}

// StoreConfig configures the precedent persistence layer.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EmbeddingConfig configures case embedding for similarity search.
type EmbeddingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"apiKey"`
}

// OutputConfig configures audit artifact output.
type OutputConfig struct {
	Directory string `yaml:"directory"`
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // debug, info, error
	Format  string `yaml:"format"` // json, human
}

// MetricsConfig configures per-critic latency/error tracking.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Validate checks invariants that must hold before the engine starts.
// Violations here are fatal at startup and never surface at request time.
func (c Config) Validate() error {
	enabled := 0
	for name, cc := range c.Critics {
		if !cc.Enabled {
			continue
		}
		enabled++
		if cc.Weight < 0 {
			return fmt.Errorf("critic %s: weight must be >= 0, got %v", name, cc.Weight)
		}
		if cc.PriorityRank < 0 {
			return fmt.Errorf("critic %s: priorityRank must be >= 0, got %d", name, cc.PriorityRank)
		}
		if cc.Timeout != nil {
			if _, err := time.ParseDuration(*cc.Timeout); err != nil {
				return fmt.Errorf("critic %s: invalid timeout: %w", name, err)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled critic is required")
	}

	for _, f := range []struct {
		name  string
		value float64
	}{
		{"aggregation.denyThreshold", c.Aggregation.DenyThreshold},
		{"aggregation.maxErrorFraction", c.Aggregation.MaxErrorFraction},
		{"aggregation.inheritedThreshold", c.Aggregation.InheritedThreshold},
		{"aggregation.advisoryThreshold", c.Aggregation.AdvisoryThreshold},
		{"aggregation.noveltyThreshold", c.Aggregation.NoveltyThreshold},
		{"aggregation.storeSampleRate", c.Aggregation.StoreSampleRate},
	} {
		if f.value < 0 || f.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", f.name, f.value)
		}
	}
	if c.Aggregation.AdvisoryThreshold > c.Aggregation.InheritedThreshold {
		return fmt.Errorf("aggregation.advisoryThreshold (%v) must not exceed inheritedThreshold (%v)",
			c.Aggregation.AdvisoryThreshold, c.Aggregation.InheritedThreshold)
	}
	if c.Orchestrator.MaxParallelCalls < 1 {
		return fmt.Errorf("orchestrator.maxParallelCalls must be >= 1, got %d", c.Orchestrator.MaxParallelCalls)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.maxRetries must be >= 0, got %d", c.Orchestrator.MaxRetries)
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"orchestrator.criticTimeout", c.Orchestrator.CriticTimeout},
		{"orchestrator.initialBackoff", c.Orchestrator.InitialBackoff},
		{"orchestrator.maxBackoff", c.Orchestrator.MaxBackoff},
		{"orchestrator.breaker.cooldown", c.Orchestrator.Breaker.Cooldown},
		{"aggregation.precedentTimeout", c.Aggregation.PrecedentTimeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", d.name, d.value, err)
		}
	}
	return nil
}

// Merge combines multiple configuration instances, prioritising the latter ones.
func Merge(configs ...Config) Config {
	result := Config{}
	for _, cfg := range configs {
		result = merge(result, cfg)
	}
	return result
}

func merge(base, overlay Config) Config {
	result := base

	result.Orchestrator = chooseOrchestrator(base.Orchestrator, overlay.Orchestrator)
	result.Aggregation = chooseAggregation(base.Aggregation, overlay.Aggregation)
	result.Store = chooseStore(base.Store, overlay.Store)
	result.Embedding = chooseEmbedding(base.Embedding, overlay.Embedding)
	result.Output = chooseOutput(base.Output, overlay.Output)
	result.Observability = chooseObservability(base.Observability, overlay.Observability)
	result.Critics = mergeCritics(base.Critics, overlay.Critics)

	return result
}

func mergeCritics(base, overlay map[string]CriticConfig) map[string]CriticConfig {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	result := make(map[string]CriticConfig, len(base)+len(overlay))
	for key, value := range base {
		result[key] = value
	}
	for key, value := range overlay {
		result[key] = value
	}
	return result
}

func chooseOrchestrator(base, overlay OrchestratorConfig) OrchestratorConfig {
	if overlay.CriticTimeout != "" || overlay.MaxRetries != 0 || overlay.InitialBackoff != "" ||
		overlay.MaxBackoff != "" || overlay.BackoffMultiplier != 0 || overlay.MaxParallelCalls != 0 {
		result := overlay
		if result.Breaker == (BreakerConfig{}) {
			result.Breaker = base.Breaker
		}
		return result
	}
	if overlay.Breaker != (BreakerConfig{}) {
		result := base
		result.Breaker = overlay.Breaker
		return result
	}
	return base
}

func chooseAggregation(base, overlay AggregationConfig) AggregationConfig {
	if overlay != (AggregationConfig{}) {
		return overlay
	}
	return base
}

func chooseStore(base, overlay StoreConfig) StoreConfig {
	if overlay.Enabled || overlay.Path != "" {
		return overlay
	}
	return base
}

func chooseEmbedding(base, overlay EmbeddingConfig) EmbeddingConfig {
	if overlay.Enabled || overlay.Model != "" || overlay.APIKey != "" {
		return overlay
	}
	return base
}

func chooseOutput(base, overlay OutputConfig) OutputConfig {
	if overlay.Directory != "" {
		return overlay
	}
	return base
}

func chooseObservability(base, overlay ObservabilityConfig) ObservabilityConfig {
	result := base
	if overlay.Logging.Enabled || overlay.Logging.Level != "" || overlay.Logging.Format != "" {
		result.Logging = overlay.Logging
	}
	if overlay.Metrics.Enabled {
		result.Metrics = overlay.Metrics
	}
	return result
}
