package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTestConfig(t *testing.T) {
	cfg, err := Load(viper.New(), "mmcontainers.test.toml", GetAbsPath("config"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 10*time.Millisecond, cfg.Backoff.Initial)
	assert.Equal(t, "27019", cfg.Cache.MongoDB.Port)
	assert.Equal(t, "test", cfg.Cache.MongoDB.Password.Value())
	assert.Equal(t, "******", cfg.Cache.MongoDB.Password.String())
	// absent from the file, filled from defaults
	assert.Equal(t, []string{"labels", "image"}, cfg.Enrich.DockerFields)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(viper.New(), "does-not-exist", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Backoff.Max)
	assert.Equal(t, ":8090", cfg.Server.Host)
	assert.Equal(t, "merge", cfg.Enrich.OutputMode)
}

func TestLoadEnvAndOverrides(t *testing.T) {
	t.Setenv("MMCONTAINERS_CACHE_BACKEND", "bolt")
	t.Setenv("MMCONTAINERS_BACKOFF_MAX", "5s")

	v := viper.New()
	v.Set("logging.level", "debug")
	cfg, err := Load(v, "does-not-exist", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Second, cfg.Backoff.Max)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
