package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/smartpm/internal/config"
	"github.com/harun/smartpm/internal/logger"
	"github.com/harun/smartpm/pkg/gateway"
)

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Index.Backend = "memory"
	cfg.Logging.AuditFile = filepath.Join(tmpDir, "audit.log")
	return cfg
}

// createTestDaemon creates a daemon backed by in-memory stores
func createTestDaemon(t *testing.T) (*Daemon, *logger.Logger) {
	t.Helper()
	return createTestDaemonWithConfig(t, testConfig(t))
}

func createTestDaemonWithConfig(t *testing.T, cfg *config.Config) (*Daemon, *logger.Logger) {
	t.Helper()

	log, err := logger.New(logger.Config{
		Level:   "info",
		Console: false,
	})
	require.NoError(t, err)

	daemon, err := New(cfg, log)
	require.NoError(t, err)

	return daemon, log
}

func TestNew(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.closeCoreModules()

	assert.NotNil(t, daemon.index)
	assert.NotNil(t, daemon.cache)
	assert.NotNil(t, daemon.memory)
	assert.NotNil(t, daemon.worker)
	assert.NotNil(t, daemon.gatewayServer)
	assert.NotNil(t, daemon.lifecycle)
	assert.Equal(t, fmt.Sprintf("hashing-%d", config.DefaultConfig().Embedding.Dimension), daemon.embedder.Name())
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Backend = "postgres"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewSQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Backend = "sqlite"
	cfg.Index.DBPath = filepath.Join(cfg.DataDir, "index.db")

	daemon, log := createTestDaemonWithConfig(t, cfg)
	defer log.Close()

	assert.NotNil(t, daemon.index)
	assert.NoError(t, daemon.closeCoreModules())
	assert.FileExists(t, cfg.Index.DBPath)
}

func TestDaemonStartStop(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	// Start daemon
	err := daemon.Start()
	require.NoError(t, err)

	// Check status
	status := daemon.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)

	// Stop daemon
	err = daemon.Stop()
	require.NoError(t, err)

	// Check status
	status = daemon.Status()
	assert.False(t, status.Running)

	err = daemon.Stop()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "daemon is not running")
}

func TestDaemonStartTwice(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	err := daemon.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestDaemonStartPortInUse(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", cfg.Server.Addr())
	require.NoError(t, err)
	defer ln.Close()

	daemon, log := createTestDaemonWithConfig(t, cfg)
	defer log.Close()
	defer daemon.closeCoreModules()

	err = daemon.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
	assert.False(t, daemon.Status().Running)
	assert.False(t, daemon.lifecycle.IsRunning())
}

func TestDaemonServesHTTP(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	base := fmt.Sprintf("http://%s", daemon.Status().Addr)

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health gateway.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	body := `{"projectId":"p1","name":"Shop","description":"Sells shoes online."}`
	post, err := http.Post(base+"/rag/index/project", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer post.Body.Close()
	assert.Equal(t, http.StatusOK, post.StatusCode)

	text, err := daemon.GetMemory().GetProjectByID(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Shop. Sells shoes online.", text)
}

func TestDaemonImporter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Import.Enabled = true
	cfg.Import.Dir = filepath.Join(cfg.DataDir, "inbox")
	cfg.Import.DebounceMs = 20

	daemon, log := createTestDaemonWithConfig(t, cfg)
	defer log.Close()
	require.NotNil(t, daemon.GetImporter())

	require.NoError(t, os.MkdirAll(cfg.Import.Dir, 0755))
	doc := `{"kind":"project","projectId":"p1","name":"Shop","description":"Sells shoes online."}`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Import.Dir, "shop.json"), []byte(doc), 0644))

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	text, err := daemon.GetMemory().GetProjectByID(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Shop. Sells shoes online.", text)
}

func TestDaemonStatus(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	// Status before start
	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	// Start daemon
	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	time.Sleep(20 * time.Millisecond)

	status = daemon.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.False(t, status.StartTime.IsZero())
	assert.Greater(t, daemon.lifecycle.GetUptime(), time.Duration(0))
}

func TestDaemonGetters(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.closeCoreModules()

	assert.NotNil(t, daemon.GetConfig())
	assert.Equal(t, log, daemon.GetLogger())
	assert.NotNil(t, daemon.GetMemory())
	assert.NotNil(t, daemon.GetWorker())
	assert.NotNil(t, daemon.GetGatewayServer())
	assert.Nil(t, daemon.GetImporter())
}
