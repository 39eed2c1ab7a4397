package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DD_API_KEY", "key")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DD_TRANSPORT", "")
	t.Setenv("FLUSH_INTERVAL", "")

	config, err := loadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "key", config.APIKey)
	assert.Equal(t, "http", config.Transport)
	assert.Equal(t, 2*time.Second, config.FlushInterval)
	assert.True(t, config.UseTLS)
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	yamlConfig := `
api_key: from-file
transport: tcp
service: billing
tags: [env:prod, team:core]
flush_interval: 5s
batch_size: 100
`
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0644))

	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DD_API_KEY", "")
	t.Setenv("DD_TRANSPORT", "")
	t.Setenv("DD_TAGS", "")
	t.Setenv("DD_SERVICE", "payments")
	t.Setenv("FLUSH_INTERVAL", "")
	t.Setenv("BATCH_SIZE", "200")

	config, err := loadConfig([]string{"--config", path, "--batch-size", "300"})
	require.NoError(t, err)

	assert.Equal(t, "from-file", config.APIKey)
	assert.Equal(t, "tcp", config.Transport)
	assert.Equal(t, []string{"env:prod", "team:core"}, config.Tags)
	assert.Equal(t, 5*time.Second, config.FlushInterval)
	assert.Equal(t, "payments", config.Service)
	assert.Equal(t, 300, config.BatchSize)
}

func TestLoadConfig_ConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_key: k\nuse_tls: false\n"), 0644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DD_API_KEY", "")
	t.Setenv("DD_USE_TLS", "")

	config, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "k", config.APIKey)
	assert.False(t, config.UseTLS)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DD_TRANSPORT", "")

	t.Setenv("DD_API_KEY", "")
	_, err := loadConfig(nil)
	assert.Error(t, err, "api key is required for the Datadog transports")

	t.Setenv("DD_API_KEY", "key")
	_, err = loadConfig([]string{"--transport", "udp"})
	assert.Error(t, err)

	_, err = loadConfig([]string{"--flush-interval", "0s"})
	assert.Error(t, err)

	_, err = loadConfig([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestLoadConfig_NATSWithoutAPIKey(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DD_API_KEY", "")
	t.Setenv("DD_TRANSPORT", "nats")
	t.Setenv("FLUSH_INTERVAL", "")

	config, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, transportNATS, config.Transport)
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("SOME_LIST", " a, ,b ,c")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvAsList("SOME_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvAsList("UNSET_LIST_FOR_TEST", []string{"x"}))
}
