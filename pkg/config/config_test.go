package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess(t *testing.T) {
	// Default config
	config, err := Process([]string{})
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Server.Ingress.Port)
	assert.Equal(t, "oxo", config.Server.Session.Ruleset)
	assert.True(t, config.Server.Session.AllowRefill)

	dir := t.TempDir()

	// yaml config
	{
		yaml := filepath.Join(dir, "config.yaml")
		err = os.WriteFile(yaml, []byte(`
server:
  ingress:
    port: 1234
`), 0644)
		require.NoError(t, err)
		config, err = Process([]string{yaml})
		require.NoError(t, err)
		assert.Equal(t, 1234, config.Server.Ingress.Port)
		// Everything else keeps its default.
		assert.Equal(t, 8, config.Server.Session.QueueDepth)
	}

	// json config
	{
		json := filepath.Join(dir, "config.json")
		err = os.WriteFile(json, []byte(`{
  "server": {
    "session": {
      "ruleset": "oxo",
      "abandonSeconds": 60
    }
  }
}`), 0644)
		require.NoError(t, err)
		config, err = Process([]string{json})
		require.NoError(t, err)
		assert.Equal(t, 60, config.Server.Session.AbandonSeconds)
	}

	// multiple yaml
	{
		yaml1 := filepath.Join(dir, "config1.yaml")
		err = os.WriteFile(yaml1, []byte(`
server:
  ingress:
    port: 1234
`), 0644)
		require.NoError(t, err)

		yaml2 := filepath.Join(dir, "config2.yaml")
		err = os.WriteFile(yaml2, []byte(`
server:
  dbPath: "matches.db"
  cache:
    enabled: true
`), 0644)
		require.NoError(t, err)
		config, err = Process([]string{yaml1, yaml2})
		require.NoError(t, err)
		assert.Equal(t, 1234, config.Server.Ingress.Port)
		assert.Equal(t, "matches.db", config.Server.DBPath)
		assert.True(t, config.Server.Cache.Enabled)
		assert.Equal(t, "localhost:6379", config.Server.Cache.Address)
	}

	// Invalid config
	{
		yaml := filepath.Join(dir, "broken.yaml")
		err = os.WriteFile(yaml, []byte(`
server:
  ingress:
    port: -1
`), 0644)
		require.NoError(t, err)
		_, err = Process([]string{yaml})
		require.Error(t, err)
	}

	// Missing file
	_, err = Process([]string{filepath.Join(dir, "nope.yaml")})
	require.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	config, err := Process([]string{})
	require.NoError(t, err)

	settings := config.Server.Session.Config()
	assert.Equal(t, 8, settings.QueueDepth)
	assert.Equal(t, 5*time.Minute, settings.AbandonTimeout)
	assert.Equal(t, uint64(16), settings.KeyframeEvery)
}
