package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/core"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Engine.MaxIterations)
	assert.Equal(t, 4, cfg.Engine.MaxParallel)
	assert.Equal(t, 30*time.Second, cfg.Engine.DefaultTimeout.Std())
	assert.Equal(t, 100, cfg.Engine.EventBuffer)
	assert.Equal(t, 1000, cfg.Registry.Capacity)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
engine:
  max_iterations: 3
  default_timeout: 5s
  delegation_limits:
    agent: 2
registry:
  capacity: 50
logging:
  level: debug
  format: text
checkpoint:
  driver: badger
  path: /tmp/wavemesh
rate_limits:
  model:
    per_second: 2
    burst: 1
mqtt:
  enabled: true
  broker: tcp://localhost:1883
`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxIterations)
	assert.Equal(t, 4, cfg.Engine.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.Engine.DefaultTimeout.Std())
	assert.Equal(t, 50, cfg.Registry.Capacity)
	assert.Equal(t, "badger", cfg.Checkpoint.Driver)
	assert.Equal(t, "wavemesh", cfg.MQTT.Prefix)

	limits := cfg.DispatchRateLimits()
	assert.Equal(t, 2.0, limits[core.ActionTypeModel].PerSecond)
	assert.Equal(t, map[core.ActionType]int{core.ActionTypeAgent: 2}, cfg.DelegationLimits())

	var buf bytes.Buffer
	cfg.Logging.NewLogger(&buf).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"iterations":    "engine: {max_iterations: 0}",
		"level":         "logging: {level: loud}",
		"badger path":   "checkpoint: {driver: badger}",
		"broker":        "mqtt: {enabled: true}",
		"rate key":      "rate_limits: {teleport: {per_second: 1}}",
		"provider":      "model: {provider: oracle}",
		"negative qos":  "mqtt: {qos: 3}",
		"empty address": "server: {addr: ''}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wavemesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {addr: ':9000'}\n"), 0o600))

	t.Setenv("WAVEMESH_LOG_LEVEL", "WARN")
	t.Setenv("WAVEMESH_MAX_ITERATIONS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Engine.MaxIterations)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
