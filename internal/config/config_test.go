package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_API_KEY", "secret-key")
	path := writeConfig(t, `
kernel:
  max_agents: 5
providers:
  - kind: anthropic
    model: claude-opus
    api_key: ${TEST_API_KEY}
agents:
  - system_prompt: "you are helpful"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "secret-key", cfg.Providers[0].APIKey)
	assert.Equal(t, 5, cfg.Kernel.MaxAgents)
}

func TestValidateRejectsUnknownProviderKind(t *testing.T) {
	path := writeConfig(t, `
providers:
  - kind: made-up
    model: x
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsAgentWithoutSystemPrompt(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: no-prompt
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
