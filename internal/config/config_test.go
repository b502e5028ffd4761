package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/engine_test?sslmode=disable"
  max_open_conns: 10

redis:
  url: "redis://localhost:6379/1"

worker:
  tick_interval_seconds: 5
  batch_size: 20

whatsapp:
  base_url: "https://graph.example.com/v18.0/12345"
  token: "test-token"
  timeout_seconds: 10

ses:
  access_key: "AKIATEST"
  secret_key: "secret"
  region: "sa-east-1"
  from: "avisos@corredor.example"

logging:
  level: "debug"
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())

	assert.Equal(t, "postgres://localhost/engine_test?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns) // default

	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)

	assert.Equal(t, 5*time.Second, cfg.Worker.TickInterval())
	assert.Equal(t, 20, cfg.Worker.BatchSize)

	assert.Equal(t, "https://graph.example.com/v18.0/12345", cfg.WhatsApp.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.WhatsApp.Timeout())

	assert.Equal(t, "sa-east-1", cfg.SES.Region)
	assert.Equal(t, "avisos@corredor.example", cfg.SES.From)

	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	configPath := writeConfig(t, `
database:
  url: "postgres://localhost/engine?sslmode=disable"
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 15*time.Second, cfg.Worker.TickInterval())
	assert.Equal(t, 50, cfg.Worker.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.WhatsApp.Timeout())
	assert.Equal(t, "us-east-1", cfg.SES.Region)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	configPath := writeConfig(t, `
database:
  url: "postgres://localhost/engine?sslmode=disable"
whatsapp:
  token: "file-token"
`)

	t.Setenv("DATABASE_URL", "postgres://prod-host/engine?sslmode=require")
	t.Setenv("REDIS_URL", "redis://prod-cache:6379/0")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("WHATSAPP_TOKEN", "env-token")
	t.Setenv("AWS_SES_ACCESS_KEY", "AKIAENV")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://prod-host/engine?sslmode=require", cfg.Database.URL)
	assert.Equal(t, "redis://prod-cache:6379/0", cfg.Redis.URL)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "env-token", cfg.WhatsApp.Token)
	assert.Equal(t, "AKIAENV", cfg.SES.AccessKey)
}

func TestLoadFromEnvBadPortIgnored(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 8081
database:
  url: "postgres://localhost/engine?sslmode=disable"
`)

	t.Setenv("SERVER_PORT", "not-a-number")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)
}
