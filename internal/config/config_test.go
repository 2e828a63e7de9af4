package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestMustLoad(t *testing.T) {
	t.Run("Defaults fill what the file leaves out", func(t *testing.T) {
		conf := MustLoad(writeConfig(t, "log-level: debug\n"))

		assert.Equal(t, "debug", conf.LogLevel)
		assert.Equal(t, "9090", conf.HTTPPort)
		assert.Equal(t, "7777", conf.SocketPort)
		assert.Equal(t, time.Minute, conf.Session.IdleTimeout)
		assert.Equal(t, 30*time.Second, conf.Relay.PingInterval)
		assert.Equal(t, "localhost:6379", conf.Redis.GetRedisAddr())
	})

	t.Run("Environment overrides the file", func(t *testing.T) {
		t.Setenv("SESSION_IDLE_TIMEOUT", "5m")
		t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

		conf := MustLoad(writeConfig(t, "session:\n  idle-timeout: 30s\n"))

		assert.Equal(t, 5*time.Minute, conf.Session.IdleTimeout)
		assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, conf.AllowedOrigins)
	})

	t.Run("Missing file panics", func(t *testing.T) {
		require.Panics(t, func() {
			MustLoad(filepath.Join(t.TempDir(), "absent.yml"))
		})
	})
}

func TestLoadClient(t *testing.T) {
	t.Run("Environment alone yields the default timings", func(t *testing.T) {
		conf, err := LoadClient("")
		require.NoError(t, err)

		assert.Equal(t, "relay", conf.Transport)
		assert.Equal(t, "ws://localhost:7777/ws", conf.RelayURL)
		assert.Equal(t, time.Second, conf.Link.BaseDelay)
		assert.Equal(t, 3, conf.Link.MaxAttempts)
		assert.Equal(t, 30*time.Second, conf.Link.PingInterval)
		assert.Equal(t, time.Minute, conf.Link.IdleTimeout)
	})

	t.Run("Environment overrides the file", func(t *testing.T) {
		t.Setenv("CLIENT_MAX_ATTEMPTS", "5")

		conf, err := LoadClient(writeConfig(t, "transport: nats\nlink:\n  max-attempts: 2\n  ping-interval: 0s\n"))
		require.NoError(t, err)

		assert.Equal(t, "nats", conf.Transport)
		assert.Equal(t, 5, conf.Link.MaxAttempts)
		assert.Zero(t, conf.Link.PingInterval)
	})

	t.Run("Missing file is an error", func(t *testing.T) {
		_, err := LoadClient(filepath.Join(t.TempDir(), "absent.yml"))

		require.Error(t, err)
	})
}
