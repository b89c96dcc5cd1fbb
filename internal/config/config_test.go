package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "foresight.db", cfg.StorePath)
	assert.Equal(t, "https://api.exa.ai", cfg.Exa.BaseURL)
	assert.Equal(t, 1, cfg.Executor.FanOut)
	assert.Equal(t, 15*time.Minute, cfg.Executor.DeepTaskTimeout)
	assert.Equal(t, 2, cfg.Policy.Verification.MinDistinctDomains)
	assert.True(t, cfg.DefaultBudgetCeiling.Equal(mustDecimal(t, "1.00")))

	gate, err := cfg.Policy.Escalation.GatePolicy()
	require.NoError(t, err)
	assert.InDelta(t, 0.15, gate.EVDeltaThreshold, 0.0001)
	assert.True(t, gate.VolumeFloor.Equal(mustDecimal(t, "10000")))
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_path: /var/lib/foresight/state.db
executor:
  fan_out: 3
policy:
  verification:
    min_distinct_domains: 4
`), 0o644))

	t.Setenv("FORESIGHT_LOG_LEVEL", "debug")
	t.Setenv("EXA_API_KEY", "test-key-not-a-real-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/foresight/state.db", cfg.StorePath)
	assert.Equal(t, 3, cfg.Executor.FanOut)
	assert.Equal(t, 4, cfg.Policy.Verification.MinDistinctDomains)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "test-key-not-a-real-secret", cfg.Exa.APIKey)
}

func TestLoadPolicy_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
verification:
  min_distinct_domains: 3
  max_parrot_delta: 0.01
escalation:
  ev_delta_threshold: 0.2
  volume_floor: "25000"
`), 0o644))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 3, policy.Verification.MinDistinctDomains)
	assert.InDelta(t, 0.01, policy.Verification.MaxParrotDelta, 0.0001)

	gate, err := policy.Escalation.GatePolicy()
	require.NoError(t, err)
	assert.True(t, gate.VolumeFloor.Equal(mustDecimal(t, "25000")))
}

func TestPolicyWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verification:\n  min_distinct_domains: 2\n"), 0o644))

	w, err := NewPolicyWatcher(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	updates := make(chan PolicyConfig, 4)
	w.OnChange(func(p PolicyConfig) { updates <- p })
	require.NoError(t, w.Start())

	// The initial load notifies immediately.
	first := waitForPolicy(t, updates)
	assert.Equal(t, 2, first.Verification.MinDistinctDomains)

	require.NoError(t, os.WriteFile(path, []byte("verification:\n  min_distinct_domains: 5\n"), 0o644))

	for {
		next := waitForPolicy(t, updates)
		if next.Verification.MinDistinctDomains == 5 {
			return
		}
	}
}

func TestPolicyWatcher_BadEditKeepsPreviousPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verification:\n  min_distinct_domains: 2\n"), 0o644))

	w, err := NewPolicyWatcher(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	updates := make(chan PolicyConfig, 4)
	w.OnChange(func(p PolicyConfig) { updates <- p })
	require.NoError(t, w.Start())
	waitForPolicy(t, updates)

	require.NoError(t, os.WriteFile(path, []byte("verification: [broken"), 0o644))

	select {
	case p := <-updates:
		t.Fatalf("broken policy file must not notify handlers, got %+v", p)
	case <-time.After(300 * time.Millisecond):
	}
}

func waitForPolicy(t *testing.T, updates <-chan PolicyConfig) PolicyConfig {
	t.Helper()
	select {
	case p := <-updates:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for policy update")
		return PolicyConfig{}
	}
}
