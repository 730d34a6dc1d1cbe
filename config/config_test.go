package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/llmwire/model"
)

func TestParseAppliesBuiltinDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  openai:
    weight: 70
  anthropic: {}
`))
	require.NoError(t, err)

	openai := cfg.Providers["openai"]
	assert.Equal(t, model.ShapeOpenAIResponses, openai.API)
	assert.Equal(t, "https://api.openai.com/v1", openai.BaseURL)
	assert.Equal(t, "$OPENAI_API_KEY", openai.APIKey)
	assert.Equal(t, model.ShapeOpenAIChat, openai.FallbackAPI)
	assert.Equal(t, 70, openai.EffectiveWeight())
	assert.Equal(t, KindChat, openai.Kind)

	anthropic := cfg.Providers["anthropic"]
	assert.Equal(t, model.ShapeAnthropic, anthropic.API)
	assert.Equal(t, "", anthropic.FallbackAPI)
	assert.Equal(t, 1, anthropic.EffectiveWeight())

	assert.Equal(t, "*", cfg.DefaultModel)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, int64(200), cfg.Retry.InitialBackoffMS)
	assert.Equal(t, int64(2000), cfg.Retry.MaxBackoffMS)
}

func TestParseCustomProvider(t *testing.T) {
	cfg, err := Parse([]byte(`
default_model: local/llama3
providers:
  local:
    api: openai-chat
    base_url: http://localhost:11434/v1
    weight: 0
models:
  fast: local/llama3
`))
	require.NoError(t, err)

	local := cfg.Providers["local"]
	assert.Equal(t, model.ShapeOpenAIChat, local.API)
	assert.Equal(t, 0, local.EffectiveWeight())
	assert.Equal(t, "", local.APIKey)
	assert.Equal(t, "local/llama3", cfg.Models["fast"])
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("providres: {}\n"))
	require.Error(t, err)
	e, ok := model.AsError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrConfig, e.Kind)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing api",
			yaml: "providers:\n  custom: {}\n",
			want: "missing an api",
		},
		{
			name: "unknown api",
			yaml: "providers:\n  custom:\n    api: grpc\n",
			want: "unknown api",
		},
		{
			name: "weight too large",
			yaml: "providers:\n  openai:\n    weight: 100\n",
			want: "expected value < 100",
		},
		{
			name: "negative weight",
			yaml: "providers:\n  openai:\n    weight: -1\n",
			want: "expected value < 100",
		},
		{
			name: "unknown kind",
			yaml: "providers:\n  openai:\n    kind: audio\n",
			want: "unknown kind",
		},
		{
			name: "self fallback",
			yaml: "providers:\n  custom:\n    api: openai-chat\n    fallback_api: openai-chat\n",
			want: "falls back to its own api",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Providers, 3)
	assert.Equal(t, "*", cfg.DefaultModel)
}

func TestResolveSecret(t *testing.T) {
	overlay := map[string]string{"FROM_OVERLAY": "overlay-value"}

	got, err := ResolveSecret("literal-key", overlay)
	require.NoError(t, err)
	assert.Equal(t, "literal-key", got)

	got, err = ResolveSecret("", overlay)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = ResolveSecret("$FROM_OVERLAY", overlay)
	require.NoError(t, err)
	assert.Equal(t, "overlay-value", got)

	t.Setenv("FROM_PROCESS", "process-value")
	got, err = ResolveSecret("${FROM_PROCESS}", overlay)
	require.NoError(t, err)
	assert.Equal(t, "process-value", got)

	// Overlay wins over the process environment.
	t.Setenv("FROM_OVERLAY", "process-shadowed")
	got, err = ResolveSecret("$FROM_OVERLAY", overlay)
	require.NoError(t, err)
	assert.Equal(t, "overlay-value", got)

	_, err = ResolveSecret("$MISSING_EVERYWHERE", overlay)
	require.Error(t, err)
	e, ok := model.AsError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrConfig, e.Kind)
}

func TestReadEnvFilesPrecedence(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, ".env")
	local := filepath.Join(dir, ".env.local")
	require.NoError(t, os.WriteFile(base, []byte("SHARED=base\nONLY_BASE=1\n"), 0o600))
	require.NoError(t, os.WriteFile(local, []byte("SHARED=local\n"), 0o600))

	overlay := ReadEnvFiles(base, local, filepath.Join(dir, ".missing"))
	assert.Equal(t, "local", overlay["SHARED"])
	assert.Equal(t, "1", overlay["ONLY_BASE"])

	cfg := &Config{Env: map[string]string{"SHARED": "config"}}
	merged := cfg.MergeEnv(overlay)
	assert.Equal(t, "config", merged["SHARED"])
	assert.Equal(t, "1", merged["ONLY_BASE"])
}
