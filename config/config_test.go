package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []int{120, 60, 30, 15, 5, 0}, cfg.CheckpointOffsets)
	assert.Equal(t, 15, cfg.AlwaysNotifyMinutes)
	assert.Equal(t, 3*time.Hour, cfg.SweepLookahead)
	assert.Equal(t, 30*time.Minute, cfg.PositionWindow)
	assert.Equal(t, 0.7, cfg.ComfortableSlack)
	assert.Equal(t, 5, cfg.ComfortableMinsEarly)
	assert.NotNil(t, cfg.Location)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHECKPOINT_OFFSETS", "90, 30,0")
	t.Setenv("COMFORTABLE_SLACK", "0.5")
	t.Setenv("SWEEP_LOOKAHEAD", "2h")
	t.Setenv("DB_NAME", "meetings")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []int{90, 30, 0}, cfg.CheckpointOffsets)
	assert.Equal(t, 0.5, cfg.ComfortableSlack)
	assert.Equal(t, 2*time.Hour, cfg.SweepLookahead)
	assert.Equal(t, "server:secret@tcp(localhost:3306)/meetings?parseTime=true&loc=UTC", cfg.DSN())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty offsets", func(c *Config) { c.CheckpointOffsets = nil }},
		{"increasing offsets", func(c *Config) { c.CheckpointOffsets = []int{0, 5, 15} }},
		{"duplicate offsets", func(c *Config) { c.CheckpointOffsets = []int{15, 15, 0} }},
		{"negative offset", func(c *Config) { c.CheckpointOffsets = []int{5, -1} }},
		{"zero slack", func(c *Config) { c.ComfortableSlack = 0 }},
		{"no invite workers", func(c *Config) { c.InviteWorkers = 0 }},
		{"slack above one", func(c *Config) { c.ComfortableSlack = 1.2 }},
		{"no position window", func(c *Config) { c.PositionWindow = 0 }},
		{"unknown timezone", func(c *Config) { c.Timezone = "Mars/Olympus_Mons" }},
		{"amqp without queue", func(c *Config) { c.AMQPURL = "amqp://localhost"; c.InviteQueue = "" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLocationDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.yaml")
	content := `
locations:
  - email: Boss@Example.com
    location: Head office
    latitude: -33.8688
    longitude: 151.2093
  - email: "*"
    location: Somewhere
    latitude: 1.5
    longitude: 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defaults, err := LoadLocationDefaults(path)
	require.NoError(t, err)

	r := defaults.For("boss@example.com")
	assert.Equal(t, "Head office", r.Location)
	assert.Equal(t, -33.8688, r.Latitude)

	r = defaults.For("someone@example.com")
	assert.Equal(t, "Somewhere", r.Location)
	assert.Equal(t, 2.5, r.Longitude)
}

func TestLocationDefaultsBuiltin(t *testing.T) {
	defaults, err := LoadLocationDefaults("")
	require.NoError(t, err)

	r := defaults.For("anyone@example.com")
	assert.Equal(t, -27.477491, r.Latitude)
	assert.Equal(t, 153.028395, r.Longitude)
}

func TestLocationDefaultsRejectsBadRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.yaml")
	require.NoError(t, os.WriteFile(path, []byte("locations:\n  - email: a@b.c\n    latitude: 91\n"), 0o600))

	_, err := LoadLocationDefaults(path)
	assert.Error(t, err)
}
