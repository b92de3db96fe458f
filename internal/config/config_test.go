package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const courseYAML = `
course:
  groups:
    stat201:
      - stat201-001
      - stat201-002
  assignments:
    stat201:
      hw1: [alice, bob]
      hw2: [carol]
  earliest_return_at: "2024-01-15T00:00:00Z"
schedule:
  workers: 3
`

func TestLoadReadsDefaultsAndCourseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(courseYAML), 0o644))

	t.Setenv("GRADER_CONFIG_FILE", path)
	t.Setenv("GRADER_APP_PORT", "9090")
	t.Setenv("GRADER_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddress())
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, 5, cfg.Docker.StartAttempts)
	assert.Equal(t, 10*time.Second, cfg.Docker.RetryDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Docker.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.AutoExtensionInterval)
	assert.Equal(t, 3, cfg.Schedule.Workers)
	assert.False(t, cfg.Snapshot.Enabled())

	settings := cfg.Settings()
	assert.Equal(t, []string{"stat201-001", "stat201-002"}, settings.Sections("stat201"))
	assert.Equal(t, []string{"alice", "bob"}, settings.Rosters["stat201"]["hw1"])
	assert.Equal(t, 7, settings.ExtensionDays)
	assert.InDelta(t, 0.93, settings.ReturnSolutionThreshold, 1e-9)
	assert.True(t, settings.EarliestReturnAt.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, -1, settings.GraderUID)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("GRADER_SCHEDULE_GRADING_INTERVAL", "daily")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule.grading_interval")
}

func TestLoadRequiresSnapshotCredentials(t *testing.T) {
	t.Setenv("GRADER_SNAPSHOT_ADDRESS", "zfs.example.org:22")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private key")
}

func TestHTTPAddressKeepsColonPrefix(t *testing.T) {
	cfg := Config{AppPort: ":3000"}
	assert.Equal(t, ":3000", cfg.HTTPAddress())
	assert.Equal(t, zerolog.InfoLevel, Config{}.Level())
}
