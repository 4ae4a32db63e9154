package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemovePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ircbot.pid")

	require.NoError(t, WritePIDFile(path))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	RemovePIDFile(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWritePIDFileRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ircbot.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())+"\n"), 0o644))

	err := WritePIDFile(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestWritePIDFileReplacesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ircbot.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))

	require.NoError(t, WritePIDFile(path))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRemovePIDFileKeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ircbot.pid")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))

	RemovePIDFile(path)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-5))
}

func TestDropPrivilegesNoop(t *testing.T) {
	assert.NoError(t, DropPrivileges(-1, -1, ""))
}
