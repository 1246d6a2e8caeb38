package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/labsearch/internal/optimization"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 64, cfg.Search.MaxRuns)
	assert.Equal(t, time.Hour, cfg.Search.JobTTL)
	assert.Equal(t, 1000, cfg.Search.RetainJobs)

	sc, err := cfg.SearchConfig()
	require.NoError(t, err)
	assert.Equal(t, optimization.Energy, sc.Objective)
	assert.Equal(t, optimization.BestImprovement, sc.Strategy)
	assert.Equal(t, 64, sc.Length)
	assert.Equal(t, 100000, sc.Budget)
	assert.Equal(t, int64(1), sc.Seed)
	assert.Equal(t, 1, sc.Workers)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("LABS_OBJECTIVE", "psl")
	t.Setenv("LABS_STRATEGY", "first")
	t.Setenv("LABS_LENGTH", "101")
	t.Setenv("LABS_WORKERS", "4")
	t.Setenv("LABS_RUNS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Search.Runs)

	sc, err := cfg.SearchConfig()
	require.NoError(t, err)
	assert.Equal(t, optimization.PSL, sc.Objective)
	assert.Equal(t, optimization.FirstImprovement, sc.Strategy)
	assert.Equal(t, 101, sc.Length)
	assert.Equal(t, 4, sc.Workers)
}

func TestLoadRejectsInvalidDefaults(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{name: "short length", key: "LABS_LENGTH", value: "1", wantErr: optimization.ErrInvalidLength},
		{name: "no budget", key: "LABS_NFES", value: "0", wantErr: optimization.ErrInvalidBudget},
		{name: "no workers", key: "LABS_WORKERS", value: "0", wantErr: optimization.ErrInvalidParallelism},
		{name: "objective", key: "LABS_OBJECTIVE", value: "merit", wantErr: optimization.ErrInvalidObjective},
		{name: "runs", key: "LABS_RUNS", value: "0"},
		{name: "runs above limit", key: "LABS_RUNS", value: "65"},
		{name: "no run limit", key: "LABS_MAX_RUNS", value: "0"},
		{name: "negative ttl", key: "LABS_JOB_TTL", value: "-1s"},
		{name: "no retention", key: "LABS_RETAIN_JOBS", value: "0"},
		{name: "not a number", key: "LABS_LENGTH", value: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}
