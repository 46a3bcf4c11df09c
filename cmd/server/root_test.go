package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"browsercoord-mcp-server/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mcp:\n  sse_port: 7000\nserver:\n  log_level: warn\n"), 0o644))

	c := &rootCmd{}
	require.NoError(t, c.flagSet().Parse([]string{"--config", path, "--no-workspace", "--sse-port", "8123", "--log-level", "debug"}))

	cfg, wsDir, err := c.loadConfig()
	require.NoError(t, err)
	assert.Empty(t, wsDir)
	assert.Equal(t, 8123, cfg.MCP.SSEPort)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", dir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "initialized workspace in "+dir)
	assert.FileExists(t, filepath.Join(dir, config.WorkspaceDirName, config.WorkspaceConfigFile))

	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"init", dir})
	assert.Error(t, cmd.Execute(), "init refuses an existing workspace")
}

func TestNewLogger(t *testing.T) {
	t.Run("stdio mode writes to the log file", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Server.LogFile = filepath.Join(t.TempDir(), "server.log")
		cfg.Server.LogFormat = "json"
		var stderr bytes.Buffer

		logger, closeLog, err := newLogger(cfg, &stderr)
		require.NoError(t, err)
		logger.Info("hello")
		closeLog()

		assert.Empty(t, stderr.String())
		data, err := os.ReadFile(cfg.Server.LogFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"hello"`)
	})

	t.Run("sse mode logs to stderr", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.MCP.SSEPort = 9000
		cfg.Server.LogLevel = "warn"
		var stderr bytes.Buffer

		logger, closeLog, err := newLogger(cfg, &stderr)
		require.NoError(t, err)
		defer closeLog()
		assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
		logger.Warn("careful")
		assert.Contains(t, stderr.String(), "careful")
	})

	t.Run("rejects unknown settings", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Server.LogLevel = "loud"
		_, _, err := newLogger(cfg, &bytes.Buffer{})
		assert.Error(t, err)

		cfg = config.DefaultConfig()
		cfg.Server.LogFormat = "xml"
		_, _, err = newLogger(cfg, &bytes.Buffer{})
		assert.Error(t, err)
	})
}
