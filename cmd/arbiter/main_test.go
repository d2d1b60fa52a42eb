package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/config"
)

func TestBuildCritics_APIKeyFallsBackToEnv(t *testing.T) {
	// Given: no key in config, but the well-known env var is set
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg := config.Config{Critics: map[string]config.CriticConfig{
		"openai": {Enabled: true, Kind: "openai", Model: "gpt-4o-mini"},
	}}

	// When
	critics, err := buildCritics(cfg)

	// Then
	require.NoError(t, err)
	assert.Contains(t, critics, "openai")
}

func TestBuildCritics_SkipsLLMCriticWithoutAnyKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := config.Config{Critics: map[string]config.CriticConfig{
		"openai": {Enabled: true, Kind: "openai"},
		"static": {Enabled: true, Kind: "static"},
	}}

	critics, err := buildCritics(cfg)

	require.NoError(t, err)
	assert.NotContains(t, critics, "openai")
	assert.Contains(t, critics, "static")
}

func TestBuildCritics_ConfigKeyWinsOverEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	cfg := config.Config{Critics: map[string]config.CriticConfig{
		"anthropic": {Enabled: true, Kind: "anthropic", APIKey: "sk-config"},
	}}

	critics, err := buildCritics(cfg)

	require.NoError(t, err)
	assert.Contains(t, critics, "anthropic")
}

func TestBuildCritics_RejectsUnsupportedKind(t *testing.T) {
	cfg := config.Config{Critics: map[string]config.CriticConfig{
		"oracle": {Enabled: true, Kind: "oracle"},
	}}

	_, err := buildCritics(cfg)

	assert.ErrorContains(t, err, "unsupported kind")
}
