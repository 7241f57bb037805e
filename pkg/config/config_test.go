package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 0.05, c.Engine.ICP.Alpha)
	assert.Equal(t, 1000, c.Engine.ICP.BootstrapSamples)
	assert.Equal(t, 100, c.Engine.ICP.MinSamples)
	assert.Equal(t, 0.01, c.Engine.VMM.Lambda)
	assert.Equal(t, 10000, c.Engine.VMM.FullBatch.MaxIterations)
	assert.Equal(t, 200, c.Engine.VMM.FullBatch.ElboWindow)
	assert.Equal(t, 50, c.Engine.VMM.Streaming.MaxIterations)
	assert.Equal(t, 5, c.Engine.VMM.Streaming.ElboWindow)
	assert.Equal(t, 1e-6, c.Engine.VMM.Streaming.GradTol)
	assert.Equal(t, 0.98, c.Engine.VMM.DecayPerDay)
	assert.Equal(t, 5*time.Minute, c.Engine.Cycle.Interval)
	assert.Equal(t, 4*time.Hour, c.Engine.Risk.Degraded.ClearSustain)
	assert.Equal(t, []float64{10, 10, 10}, c.Engine.VMM.PriorVar)
}

func TestParseOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
environment: test
engine:
  icp:
    alpha: 0.01
    bootstrap_samples: 200
  risk:
    weights: {icp: 0.5, ci: 0.3, layers: 0.2}
`))
	require.NoError(t, err)
	assert.Equal(t, "test", c.Environment)
	assert.Equal(t, 0.01, c.Engine.ICP.Alpha)
	assert.Equal(t, 200, c.Engine.ICP.BootstrapSamples)
	assert.Equal(t, 100, c.Engine.ICP.MinSamples)
	assert.Equal(t, 0.5, c.Engine.Risk.Weights.ICP)
}

func TestValidateRejectsBadEngineConfig(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(c *Config)
		field string
	}{
		{"weights do not sum to one", func(c *Config) { c.Engine.Risk.Weights.Layers = 0.3 }, "engine.risk.weights"},
		{"overlapping bands", func(c *Config) { c.Engine.Risk.Bands.AmberMax = 20 }, "engine.risk.bands"},
		{"band above range", func(c *Config) { c.Engine.Risk.Bands.AmberMax = 100 }, "engine.risk.bands"},
		{"ci thresholds inverted", func(c *Config) { c.Engine.VMM.CIMonitor = 0.6 }, "engine.vmm.ci_thresholds"},
		{"budget longer than interval", func(c *Config) { c.Engine.Cycle.Budget = 10 * time.Minute }, "engine.cycle.budget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mut(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestValidateRejectsFieldRules(t *testing.T) {
	_, err := Parse([]byte(`
engine:
  icp:
    alpha: 1.5
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParsePinnedPartitions(t *testing.T) {
	c, err := Parse([]byte(`
engine:
  cycle:
    partitions:
      - {market: spot, leader: AAA, follower: BBB}
`))
	require.NoError(t, err)
	require.Len(t, c.Engine.Cycle.Partitions, 1)
	assert.Equal(t, "BBB", c.Engine.Cycle.Partitions[0].Follower)
	assert.Equal(t, 3, c.Server.Analysis.Burst)

	_, err = Parse([]byte(`
engine:
  cycle:
    partitions:
      - {market: spot, leader: AAA, follower: AAA}
`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: staging\n"), 0o600))
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CORS_ORIGINS", "https://dash.example")
	t.Setenv("ICP_SEED", "99")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", c.Environment)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, []string{"https://dash.example"}, c.Server.CORSOrigins)
	assert.Equal(t, int64(99), c.Engine.ICP.Seed)

	t.Setenv("ICP_SEED", "seven")
	_, err = LoadWithEnv(path)
	assert.ErrorIs(t, err, ErrInvalid)
}
