package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	HTTP struct {
		Port string `yaml:"port" env:"TEST_HTTP_PORT"`
	} `yaml:"http"`
	Timeout   time.Duration `yaml:"timeout" env:"TEST_TIMEOUT"`
	Allow     *bool         `yaml:"allow" env:"TEST_ALLOW"`
	Origins   []string      `yaml:"origins" env:"TEST_ORIGINS"`
	Retries   int           `yaml:"retries"`
	Untouched string        `env:"-"`
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: \"9000\"\ntimeout: 5s\nretries: 2\n"), 0o600))

	t.Setenv("TEST_HTTP_PORT", "9100")
	t.Setenv("TEST_ALLOW", "true")
	t.Setenv("TEST_ORIGINS", "https://a.example, https://b.example")

	var cfg testConfig
	require.NoError(t, LoadConfigFrom(path, &cfg))

	assert.Equal(t, "9100", cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.Retries)
	require.NotNil(t, cfg.Allow)
	assert.True(t, *cfg.Allow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins)
}

func TestLoadConfigDurationFromEnv(t *testing.T) {
	t.Setenv("TEST_TIMEOUT", "1m30s")

	var cfg testConfig
	require.NoError(t, LoadConfigFrom("", &cfg))
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Nil(t, cfg.Allow)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("TEST_TIMEOUT", "soon")

	var cfg testConfig
	err := LoadConfigFrom("", &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_TIMEOUT")
}

func TestLoadConfigRequiresStructPointer(t *testing.T) {
	require.Error(t, LoadConfigFrom("", nil))

	var notStruct int
	require.Error(t, LoadConfigFrom("", &notStruct))
}
