package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignis-framework/ignis/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.True(t, cfg.Realtime.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Realtime.AuthTimeout)
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Realtime.HeartbeatTimeout)
	assert.Equal(t, 10, cfg.Realtime.EncryptedBatchLimit)
	assert.Equal(t, []string{"ws-default", "ws-notification"}, cfg.Realtime.DefaultRooms)
	assert.Equal(t, "HS256", cfg.Auth.JWTAlgorithm)
	assert.Equal(t, "aes-256-cbc", cfg.Auth.AESMode)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
environment: production
server:
  listen_address: ":9090"
realtime:
  enabled: false
  encrypted_batch_limit: 4
auth:
  jwt_secret: file-secret
`), 0o600))
	t.Setenv("APP_CONFIG_FILE", file)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.False(t, cfg.Realtime.Enabled)
	assert.Equal(t, 4, cfg.Realtime.EncryptedBatchLimit)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	// Untouched keys keep their defaults.
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("environment: staging\n"), 0o600))
	t.Setenv("APP_CONFIG_FILE", file)
	t.Setenv("APP_ENVIRONMENT", "production")
	t.Setenv("APP_SERVER_LISTEN_ADDRESS", ":7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":7070", cfg.Server.ListenAddress)
}

func TestLoadMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("::: not yaml {{{"), 0o600))
	t.Setenv("APP_CONFIG_FILE", file)

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfigInvalid))
}

func TestValidateEnvMissingRequiredKey(t *testing.T) {
	RegisterEnvKey(EnvKey{Name: "APP_ENV_TEST_REQUIRED", Required: true})
	defer func() {
		envMu.Lock()
		delete(envKeys, "APP_ENV_TEST_REQUIRED")
		envMu.Unlock()
	}()

	os.Unsetenv("APP_ENV_TEST_REQUIRED")
	err := ValidateEnv()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfigInvalid))
	assert.Contains(t, err.Error(), "APP_ENV_TEST_REQUIRED")

	t.Setenv("APP_ENV_TEST_REQUIRED", "set")
	assert.NoError(t, ValidateEnv())
}

func TestRegisteredEnvKeysSorted(t *testing.T) {
	keys := RegisteredEnvKeys()
	require.NotEmpty(t, keys)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1].Name, keys[i].Name)
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Name
	}
	assert.Contains(t, names, "APP_ENV_JWT_SECRET")
	assert.Contains(t, names, "APP_ENV_DATABASE_DSN")
}
