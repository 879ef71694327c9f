package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/quizsync/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	Game struct {
		RoundTime     time.Duration
		TeardownDelay time.Duration
		Prefix        string
	}
}

type validatedConfig struct {
	Name string
}

func (c *validatedConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("http:\n  port: 8080\ngame:\n  roundtime: 15s\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GAME_PREFIX=from-dotenv\n"), 0o600))
	t.Setenv("HTTP_PORT", "9090")
	t.Cleanup(func() { os.Unsetenv("GAME_PREFIX") })

	var c testConfig
	c.Game.TeardownDelay = 30 * time.Second

	require.NoError(t, config.Load(file, &c))
	require.EqualValues(t, 9090, c.HTTP.Port, "env should override file")
	require.Equal(t, 15*time.Second, c.Game.RoundTime)
	require.Equal(t, 30*time.Second, c.Game.TeardownDelay, "default should survive")
	require.Equal(t, "from-dotenv", c.Game.Prefix)
}

func TestLoad_EnvOverridesKeysMissingFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("http:\n  port: 8080\n"), 0o600))
	t.Setenv("GAME_TEARDOWNDELAY", "45s")
	t.Setenv("GAME_PREFIX", "from-env")

	var c testConfig
	c.Game.RoundTime = 20 * time.Second
	c.Game.TeardownDelay = 30 * time.Second

	require.NoError(t, config.Load(file, &c))
	require.EqualValues(t, 8080, c.HTTP.Port)
	require.Equal(t, 20*time.Second, c.Game.RoundTime, "default should survive")
	require.Equal(t, 45*time.Second, c.Game.TeardownDelay)
	require.Equal(t, "from-env", c.Game.Prefix)
}

func TestLoad_Validate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: \"\"\n"), 0o600))

	var c validatedConfig
	err := config.Load(file, &c)
	require.ErrorContains(t, err, "name is required")
}
