package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lodestar.yaml"), []byte(content), 0o600))
	return dir
}

const minimalYAML = `
database:
  url: postgres://localhost:5432/lodestar
llm:
  api_key: llm-key
search:
  api_key: search-key
`

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, minimalYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Agent.MaxSteps)
	assert.Equal(t, 3, cfg.Agent.SearchResultsCount)
	assert.Equal(t, 6, cfg.Agent.MaxPagesToScrape)
	assert.Equal(t, 20, cfg.RateLimit.MaxRequests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.RateLimit.MaxRetries)
	assert.Equal(t, "chat_api", cfg.RateLimit.KeyPrefix)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}

func TestInitializeOverrides(t *testing.T) {
	dir := writeConfig(t, minimalYAML+`
server:
  port: 9999
agent:
  max_steps: 8
  smoother_delay: 25ms
rate_limit:
  max_requests: 5
  window: 30s
cache:
  ttl: 10m
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Agent.MaxSteps)
	assert.Equal(t, 25*time.Millisecond, cfg.Agent.SmootherDelay)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "from-env")
	dir := writeConfig(t, `
database:
  url: postgres://localhost:5432/lodestar
llm:
  api_key: "{{.TEST_LLM_KEY}}"
search:
  api_key: search-key
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.APIKey)
}

func TestInitializeValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "missing database url",
			yaml:    "llm:\n  api_key: k\nsearch:\n  api_key: k\n",
			wantMsg: "database.url",
		},
		{
			name:    "missing llm key",
			yaml:    "database:\n  url: postgres://x\nsearch:\n  api_key: k\n",
			wantMsg: "llm.api_key",
		},
		{
			name:    "missing search key",
			yaml:    "database:\n  url: postgres://x\nllm:\n  api_key: k\n",
			wantMsg: "search.api_key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.yaml)
			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInvalidDurationFallsBackToDefault(t *testing.T) {
	dir := writeConfig(t, minimalYAML+`
cache:
  ttl: not-a-duration
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}
