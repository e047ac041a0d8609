package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "s3cret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9100
auth:
  jwt_secret: ${TEST_JWT_SECRET}
transport:
  request_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "s3cret", c.Auth.JWTSecret)
	require.Equal(t, 9100, c.Server.Port)
	require.Equal(t, 5*time.Second, c.Transport.RequestTimeout)

	// untouched fields keep defaults
	require.Equal(t, 500, c.Transport.BufferCapacity)
	require.Equal(t, 5*time.Minute, c.Transport.GraceWindow)
	require.Equal(t, 5*time.Second, c.Scheduler.HealthInterval)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
