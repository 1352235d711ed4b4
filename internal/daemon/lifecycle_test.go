package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.abort()

	lm := NewLifecycleManager(daemon)
	assert.Equal(t, daemon, lm.daemon)
	assert.Equal(t, filepath.Join(daemon.config.DataDir, "deskchat.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.abort()

	lm := NewLifecycleManager(daemon)
	require.NoError(t, lm.Start())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())
}

func TestLifecycleManagerReplacesStalePIDFile(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.abort()

	lm := NewLifecycleManager(daemon)
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0644))

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManagerRefusesLiveProcess(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()
	defer daemon.abort()

	lm := NewLifecycleManager(daemon)
	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(os.Getppid())), 0644))

	err := lm.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)

	path := filepath.Join(dir, "ok.pid")
	require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0644))
	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	require.NoError(t, os.WriteFile(path, []byte("-5"), 0644))
	_, err = ReadPID(path)
	assert.Error(t, err)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
}
