package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvOverrides(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, os.WriteFile(os.Getenv(ConfigPathEnvVar), []byte("server:\n  port: 9000\n"), 0o600))
	t.Setenv("REALTIME_AUTH_JWT_SECRET", "secret")
	t.Setenv("REALTIME_DATABASE_DRIVER", "memory")
	t.Setenv("REALTIME_NOTIFICATIONS_SWEEP_INTERVAL", "2m")
	t.Setenv("REALTIME_WEBRTC_STUN_URLS", "stun:a:3478,stun:b:3478")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Notifications.SweepInterval)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.WebRTC.STUNURLs)
	assert.Equal(t, 256, cfg.Websocket.SendQueueSize)
}

func TestValidateRejectsMissingSecrets(t *testing.T) {
	cfg := defaultConfig()
	cfg.Push.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret")
	assert.Contains(t, err.Error(), "vapid")
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "server.port", envTransform("REALTIME_SERVER_PORT"))
	assert.Equal(t, "push.vapid_public_key", envTransform("REALTIME_PUSH_VAPID_PUBLIC_KEY"))
}
