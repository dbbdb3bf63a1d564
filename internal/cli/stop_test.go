package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		assert.True(t, hasCommand("stop"), "stop command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Stop the SmartPM daemon service")
		assert.Contains(t, output, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		_, err := execute(t, "--config", tempConfigPath(t), "stop")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "daemon is not running")
	})
}

func TestStopDaemonStalePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "smartpm.pid")
	// pid far above any default pid_max
	require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0644))

	_, err := stopDaemon(pidFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale PID file")

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}
