package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/harun/deskchat/internal/config"
	"github.com/harun/deskchat/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Port = freePort(t)
	cfg.Tracing.Enabled = false
	cfg.Chat.ShutdownTimeoutS = 2
	return cfg
}

// createTestDaemon creates a daemon on a free loopback port
func createTestDaemon(t *testing.T) (*Daemon, *logger.Logger) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)

	daemon, err := New(testConfig(t), log)
	require.NoError(t, err)

	return daemon, log
}

func stopDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestNew(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.abort()

	assert.NotNil(t, daemon.store)
	assert.NotNil(t, daemon.orchestrator)
	assert.NotNil(t, daemon.journal)
	assert.NotNil(t, daemon.cronService)
	assert.NotNil(t, daemon.eventLoop)
	assert.NotNil(t, daemon.lifecycle)
	assert.ElementsMatch(t, []string{"exec", "web_get"}, daemon.toolExecutor.ListTools())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	cfg := testConfig(t)
	cfg.Chat.MaxSteps = 0

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestNewWithoutMaintenance(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false

	daemon, err := New(cfg, log)
	require.NoError(t, err)
	defer daemon.abort()
	assert.Nil(t, daemon.GetCronService())
}

func TestDaemonStartStop(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, daemon.Start())
	assert.Error(t, daemon.Start())

	status := daemon.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)

	stopDaemon(t, daemon)

	status = daemon.Status()
	assert.False(t, status.Running)
	assert.Error(t, daemon.Stop(context.Background()))
}

func TestDaemonServesRPC(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, daemon.Start())
	defer stopDaemon(t, daemon)

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  "chats.create",
		"params":  map[string]string{"title": "From RPC"},
	})
	require.NoError(t, err)

	resp, err := http.Post("http://"+daemon.Status().Addr+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Result map[string]interface{} `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Nil(t, out.Error)
	assert.Equal(t, "From RPC", out.Result["title"])

	idx, err := daemon.GetOrchestrator().ListChats(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, idx.Chats, 1)
}

func TestDaemonStatus(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, daemon.Start())
	defer stopDaemon(t, daemon)

	time.Sleep(50 * time.Millisecond)
	status = daemon.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
}

func TestDaemonGetters(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.abort()

	assert.NotNil(t, daemon.GetConfig())
	assert.NotNil(t, daemon.GetOrchestrator())
	assert.NotNil(t, daemon.GetGatewayServer())
	assert.NotNil(t, daemon.GetJournal())
}

func TestEventLoopProcessTasks(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.abort()

	_, err := daemon.GetCronService().RunNow("sweep-temp-files")
	require.NoError(t, err)
	assert.NotPanics(t, daemon.eventLoop.processTasks)
}
