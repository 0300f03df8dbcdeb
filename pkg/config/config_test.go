package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
llms:
  main:
    type: openai
    api_key: ${SAFI_TEST_KEY:-sk-test}
routes:
  intellect: {provider: main, model: gpt-4o}
  will: {provider: main, model: gpt-4o-mini}
  conscience: {provider: main, model: gpt-4o}
personas:
  fiduciary:
    name: Fiduciary
    worldview: Act in the client's best interest.
    values:
      - {name: Honesty, weight: 0.6}
      - {name: Harm Reduction, weight: 0.4}
    will_rules:
      - Never give specific investment advice.
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.LLMs["main"].APIKey)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLMs["main"].BaseURL)

	// Route timeouts pick up per-route defaults.
	assert.Equal(t, 60, cfg.Routes["intellect"].Timeout)
	assert.Equal(t, 20, cfg.Routes["will"].Timeout)

	// Org defaults.
	assert.InDelta(t, 0.40, *cfg.Org.GovernanceWeight, 1e-9)
	assert.InDelta(t, 0.9, *cfg.Org.SpiritBeta, 1e-9)

	// Orchestrator defaults.
	assert.Equal(t, 600, cfg.Orchestrator.InstanceCacheTTL)
	assert.Equal(t, 4, cfg.Orchestrator.AuditWorkers)
}

func TestParse_EnvOverride(t *testing.T) {
	os.Setenv("SAFI_TEST_KEY", "sk-from-env")
	defer os.Unsetenv("SAFI_TEST_KEY")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLMs["main"].APIKey)
}

func TestParse_MissingRoute(t *testing.T) {
	yaml := `
llms:
  main: {type: ollama}
routes:
  intellect: {provider: main, model: llama3}
personas:
  p:
    name: P
    values: [{name: V, weight: 1.0}]
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestParse_UnknownProviderRef(t *testing.T) {
	yaml := `
llms:
  main: {type: ollama}
routes:
  intellect: {provider: missing, model: llama3}
  will: {provider: main, model: llama3}
  conscience: {provider: main, model: llama3}
personas:
  p:
    name: P
    values: [{name: V, weight: 1.0}]
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestParse_UnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "\nnot_a_real_key: true\n"))
	assert.Error(t, err)
}

func TestParse_BadSpiritBeta(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "\norg:\n  spirit_beta: 1.5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spirit_beta")
}

func TestExpandEnv_Default(t *testing.T) {
	os.Unsetenv("SAFI_NO_SUCH_VAR")
	out := ExpandEnv([]byte("key: ${SAFI_NO_SUCH_VAR:-fallback}"))
	assert.Equal(t, "key: fallback", string(out))

	out = ExpandEnv([]byte("key: ${SAFI_NO_SUCH_VAR}"))
	assert.Equal(t, "key: ", string(out))
}
