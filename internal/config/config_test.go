package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "evict", cfg.Backpressure)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	yaml := "mode: debug\nport: 9000\nping_period: 10s\nsecret: s3cret\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("STUDYROOM_RATE_BURST", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.PingPeriod)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, 7, cfg.RateBurst)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.bad.yaml"), []byte("backpressure: shrug\n"), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "bad")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadPeer(t *testing.T) {
	v := viper.New()
	SetPeerDefaults(v)
	v.Set("user", "alice")
	v.Set("group", "math101")

	cfg, err := LoadPeer(v)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User)
	assert.True(t, cfg.Audio)
	assert.Equal(t, "tiebreak", cfg.DuplicatePolicy)
	assert.NotEmpty(t, cfg.ICEServers)

	v.Set("user", "not valid")
	_, err = LoadPeer(v)
	assert.Error(t, err)
}
