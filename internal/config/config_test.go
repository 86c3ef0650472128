package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharebook/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 7*24*time.Hour, cfg.Thresholds.ReminderAfter.Std())
	assert.Equal(t, 60*24*time.Hour, cfg.Thresholds.MaxListingAge.Std())
	assert.Equal(t, 30*time.Second, cfg.Executor.TargetTimeout.Std())
	assert.Equal(t, "@daily", cfg.Trigger.Schedule)

	th := cfg.JobThresholds()
	assert.Equal(t, 3*24*time.Hour, th.LateRemovalGrace)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"7d":    7 * 24 * time.Hour,
		"1d12h": 36 * time.Hour,
		"90m":   90 * time.Minute,
		"0":     0,
	}
	for in, want := range cases {
		got, err := config.ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "xd", "7days", "abc"} {
		_, err := config.ParseDuration(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "14d", config.FormatDuration(14*24*time.Hour))
	assert.Equal(t, "1h30m0s", config.FormatDuration(90*time.Minute))
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
thresholds:
  reminder_after: 2d
  late_removal_grace: 0
executor:
  concurrency: 1
`))
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Thresholds.ReminderAfter.Std())
	assert.Equal(t, time.Duration(0), cfg.Thresholds.LateRemovalGrace.Std())
	assert.Equal(t, 1, cfg.Executor.Concurrency)
	assert.Equal(t, 60*24*time.Hour, cfg.Thresholds.MaxListingAge.Std())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"negative grace": "thresholds:\n  late_removal_grace: -1h\n",
		"zero workers":   "executor:\n  concurrency: 0\n",
		"bad schedule":   "trigger:\n  schedule: \"every tuesday\"\n",
		"bad timezone":   "trigger:\n  timezone: Mars/Olympus\n",
		"webhook url":    "notifications:\n  webhooks:\n    - url: ftp://example.com\n",
		"zero burst":     "notifications:\n  rate_per_second: 2\n  burst: 0\n",
	}
	for name, doc := range cases {
		_, err := config.FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestWriteDefaultAndLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.Error(t, err)

	cfg, err := config.LoadOrDefault(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	path, written, err := config.WriteDefault(dir)
	require.NoError(t, err)
	assert.True(t, written)
	_, written, err = config.WriteDefault(dir)
	require.NoError(t, err)
	assert.False(t, written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_listing_age")

	loaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Thresholds, loaded.Thresholds)
}
