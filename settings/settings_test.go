package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, 5*time.Second, s.Grace())
	assert.Equal(t, time.Duration(0), s.DefaultTimeout())
	assert.Equal(t, "info", s.Log.Level)
	assert.True(t, s.Log.IncludeContext)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 8
graceMs: 2000
defaultTimeoutMs: 60000
log:
  level: debug
  includeContext: false
mongo:
  uri: mongodb://localhost:27017
  database: flows
blockedCommands: [curl, wget]
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, s.Workers)
	assert.Equal(t, 2*time.Second, s.Grace())
	assert.Equal(t, time.Minute, s.DefaultTimeout())
	assert.Equal(t, "debug", s.Log.Level)
	assert.False(t, s.Log.IncludeContext)
	assert.Equal(t, "flows", s.Mongo.Database)
	assert.Equal(t, []string{"curl", "wget"}, s.BlockedCommands)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 8\n"), 0o600))

	t.Setenv("NERVEMIND_WORKERS", "2")
	t.Setenv("NERVEMIND_LOG_LEVEL", "warn")
	t.Setenv("NERVEMIND_BLOCKED_COMMANDS", "nc, socat")
	t.Setenv("NERVEMIND_BEDROCK_REGION", "us-west-2")
	t.Setenv("NERVEMIND_BEDROCK_MODEL", "amazon.titan-text-express-v1")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://myres.openai.azure.com")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Workers)
	assert.Equal(t, "warn", s.Log.Level)
	assert.Equal(t, []string{"nc", "socat"}, s.BlockedCommands)
	assert.Equal(t, "us-west-2", s.Providers.BedrockRegion)
	assert.Equal(t, "amazon.titan-text-express-v1", s.Providers.BedrockModel)
	assert.Equal(t, "https://myres.openai.azure.com", s.Providers.AzureOpenAIEndpoint)
}

func TestValidateAcceptsAllLoggerLevels(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "warning", "error", "fatal"} {
		t.Setenv("NERVEMIND_LOG_LEVEL", level)
		s, err := Load("")
		require.NoError(t, err, level)
		assert.Equal(t, level, s.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("NERVEMIND_WORKERS", "0")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("NERVEMIND_WORKERS", "1")
	t.Setenv("NERVEMIND_LOG_LEVEL", "verbose")
	_, err = Load("")
	require.Error(t, err)
}
