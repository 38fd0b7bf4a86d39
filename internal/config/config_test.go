package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picocal/internal/calendar"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picocal", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "*/15 * * * *", cfg.RefreshCron)
	assert.Empty(t, cfg.Feeds)

	// The default file now exists with restricted permissions.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	want := &Config{
		Listen:      "0.0.0.0:9090",
		Timezone:    "America/New_York",
		TZTable:     "/opt/picocal/tzid_blob.bin",
		CacheDB:     "/opt/picocal/cache.db",
		RefreshCron: "0 * * * *",
		WindowDays:  14,
		MaxEvents:   20,
		Feeds: []FeedConfig{
			{URL: "webcal://example.com/team.ics", ID: "team", Name: "Team calendar"},
		},
		Limits: &LimitsConfig{CacheValiditySeconds: 60},
		BasicAuth: &BasicAuthConfig{
			Username: "picocal",
			Password: "hunter2",
		},
	}
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unbalanced"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 31, cfg.WindowDays)
	assert.Equal(t, 40, cfg.MaxEvents)
	assert.NotNil(t, cfg.Feeds)
}

func TestLimitsConversion(t *testing.T) {
	lc := &LimitsConfig{
		MaxRecurrenceIterations: 500,
		CacheValiditySeconds:    120,
		StaleAfterSeconds:       600,
	}
	limits := lc.Limits()

	assert.Equal(t, 500, limits.MaxRecurrenceIterations)
	assert.Equal(t, 2*time.Minute, limits.CacheValidity)
	assert.Equal(t, 10*time.Minute, limits.StaleAfter)
	// Unset fields keep the defaults.
	assert.Equal(t, calendar.DefaultLimits().MaxOccurrencesPerEvent, limits.MaxOccurrencesPerEvent)
}

func TestLimitsConversionNilReceiver(t *testing.T) {
	var lc *LimitsConfig
	assert.Equal(t, calendar.DefaultLimits(), lc.Limits())
}
