package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// LoaderOptions describes how configuration should be discovered.
type LoaderOptions struct {
	ConfigPaths []string
	FileName    string
	EnvPrefix   string
}

// Load returns the merged configuration from files and environment variables.
func Load(opts LoaderOptions) (Config, error) {
	v := viper.New()

	name := opts.FileName
	if name == "" {
		name = "arbiter"
	}

	configFile := locateConfigFile(name, opts.ConfigPaths)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(name)
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = "ARBITER"
	}
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)

	setDefaults(v)

	if configFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg = expandEnvVars(cfg)

	return cfg, nil
}

// expandEnvVars expands ${VAR} and $VAR syntax in configuration strings.
func expandEnvVars(cfg Config) Config {
	for name, critic := range cfg.Critics {
		critic.APIKey = expandEnvString(critic.APIKey)
		critic.Model = expandEnvString(critic.Model)
		if critic.Timeout != nil {
			timeout := expandEnvString(*critic.Timeout)
			critic.Timeout = &timeout
		}
		cfg.Critics[name] = critic
	}

	cfg.Orchestrator.CriticTimeout = expandEnvString(cfg.Orchestrator.CriticTimeout)
	cfg.Orchestrator.InitialBackoff = expandEnvString(cfg.Orchestrator.InitialBackoff)
	cfg.Orchestrator.MaxBackoff = expandEnvString(cfg.Orchestrator.MaxBackoff)
	cfg.Store.Path = expandEnvString(cfg.Store.Path)
	cfg.Embedding.APIKey = expandEnvString(cfg.Embedding.APIKey)
	cfg.Embedding.Model = expandEnvString(cfg.Embedding.Model)
	cfg.Output.Directory = expandEnvString(cfg.Output.Directory)
	cfg.Observability.Logging.Level = expandEnvString(cfg.Observability.Logging.Level)
	cfg.Observability.Logging.Format = expandEnvString(cfg.Observability.Logging.Format)

	return cfg
}

// expandEnvString replaces ${VAR} or $VAR with environment variable values.
func expandEnvString(s string) string {
	if s == "" {
		return s
	}

	re := regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	re = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[1:]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	return s
}

func locateConfigFile(name string, paths []string) string {
	searchPaths := append([]string{}, paths...)
	searchPaths = append(searchPaths, ".")
	for _, dir := range searchPaths {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name+".yaml")
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output.directory", "out")

	// Orchestrator defaults
	v.SetDefault("orchestrator.criticTimeout", "30s")
	v.SetDefault("orchestrator.maxRetries", 3)
	v.SetDefault("orchestrator.initialBackoff", "1s")
	v.SetDefault("orchestrator.maxBackoff", "16s")
	v.SetDefault("orchestrator.backoffMultiplier", 2.0)
	v.SetDefault("orchestrator.maxParallelCalls", 5)
	v.SetDefault("orchestrator.breaker.windowSize", 20)
	v.SetDefault("orchestrator.breaker.failureRateThreshold", 0.5)
	v.SetDefault("orchestrator.breaker.consecutiveFailures", 5)
	v.SetDefault("orchestrator.breaker.cooldown", "60s")

	// Aggregation defaults
	v.SetDefault("aggregation.denyThreshold", 0.9)
	v.SetDefault("aggregation.maxErrorFraction", 0.5)
	v.SetDefault("aggregation.inheritedThreshold", 0.80)
	v.SetDefault("aggregation.advisoryThreshold", 0.60)
	v.SetDefault("aggregation.noveltyThreshold", 0.30)
	v.SetDefault("aggregation.similarityFloor", 0.40)
	v.SetDefault("aggregation.precedentDissentBoost", 0.25)
	v.SetDefault("aggregation.storeSampleRate", 0.05)
	v.SetDefault("aggregation.precedentTopK", 5)
	v.SetDefault("aggregation.precedentTimeout", "2s")
	v.SetDefault("aggregation.novelReviewBias", false)

	// Store defaults
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", defaultStorePath())

	// Embedding defaults
	v.SetDefault("embedding.enabled", false)
	v.SetDefault("embedding.model", "text-embedding-3-small")

	// Observability defaults
	v.SetDefault("observability.logging.enabled", true)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "human")
	v.SetDefault("observability.metrics.enabled", true)

	// Critic defaults: a rank-0 static critic keeps the engine usable offline.
	v.SetDefault("critics.static.enabled", true)
	v.SetDefault("critics.static.kind", "static")
	v.SetDefault("critics.static.model", "rules-v1")
	v.SetDefault("critics.static.weight", 1.0)
	v.SetDefault("critics.static.priorityRank", 0)
	v.SetDefault("critics.openai.enabled", false)
	v.SetDefault("critics.openai.kind", "openai")
	v.SetDefault("critics.openai.model", "gpt-4o")
	v.SetDefault("critics.openai.weight", 1.0)
	v.SetDefault("critics.openai.priorityRank", 1)
	v.SetDefault("critics.anthropic.enabled", false)
	v.SetDefault("critics.anthropic.kind", "anthropic")
	v.SetDefault("critics.anthropic.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("critics.anthropic.weight", 1.0)
	v.SetDefault("critics.anthropic.priorityRank", 1)
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./precedents.db"
	}
	return filepath.Join(home, ".config", "arbiter", "precedents.db")
}
