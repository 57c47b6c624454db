package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 50.0, cfg.RerouteDistanceMeters)
	assert.Equal(t, 5*time.Minute, cfg.RerouteMaxAge)
	assert.Equal(t, 5*time.Minute, cfg.PinTTL)
	assert.Equal(t, 3, cfg.PinMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.PinDuplicateGuard)
	assert.Equal(t, 5.0, cfg.DetourMaxKm)
	assert.Zero(t, cfg.StopProximityMeters)
	assert.Equal(t, 5.0, cfg.OfferRadiusKm)
	assert.Equal(t, 20, cfg.OfferMaxDrivers)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("PIN_TTL", "90s")
	t.Setenv("VEHICLE_SEATS", "6")
	t.Setenv("CORS_ORIGINS", "https://app.example.com")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.PinTTL)
	assert.Equal(t, 6, cfg.VehicleSeats)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORSOrigins)
}

func TestLoadServerConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REROUTE_DISTANCE_METERS=75\nLOG_LEVEL=DEBUG\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("REROUTE_DISTANCE_METERS")
		os.Unsetenv("LOG_LEVEL")
	})

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 75.0, cfg.RerouteDistanceMeters)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigErrors(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PIN_MAX_ATTEMPTS", "0")
	t.Setenv("REROUTE_MAX_AGE", "soon")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIN_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "REROUTE_MAX_AGE")
}

// chdir changes the working directory for the duration of the test,
// equivalent to testing.T.Chdir (Go 1.24+), which this toolchain lacks.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
