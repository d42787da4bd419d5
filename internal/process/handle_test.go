//go:build !windows

package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for exit")
	}
}

func TestStartCapturesExitCode(t *testing.T) {
	var out bytes.Buffer
	cmd := exec.Command("/bin/sh", "-c", "echo hello; exit 3")
	cmd.Stdout = &out
	s, err := Start(cmd)
	require.NoError(t, err)
	assert.Equal(t, OriginSpawned, s.Origin())
	assert.Greater(t, s.PID(), 0)

	waitDone(t, s.Done())
	assert.Equal(t, 3, s.ExitCode())
	assert.Error(t, s.ExitErr())
	assert.Equal(t, "hello\n", out.String())
	assert.False(t, s.Alive())
	assert.ErrorIs(t, s.Terminate(), ErrNotRunning)
}

func TestTerminateKillsProcessGroup(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30 & wait")
	s, err := Start(cmd)
	require.NoError(t, err)
	require.True(t, s.Alive())

	require.NoError(t, s.Terminate())
	waitDone(t, s.Done())
	assert.Equal(t, -1, s.ExitCode())
	assert.False(t, s.Alive())
}

func TestStartFailure(t *testing.T) {
	_, err := Start(exec.Command("/nonexistent/binary"))
	assert.Error(t, err)
}

func TestDiscoveredTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(exited) }()

	d := NewDiscovered(cmd.Process.Pid, "sleep")
	assert.Equal(t, OriginDiscovered, d.Origin())
	assert.Nil(t, d.Done())
	assert.Equal(t, "sleep", d.Name())
	require.True(t, d.Alive())

	require.NoError(t, d.Terminate())
	waitDone(t, exited)
	assert.False(t, d.Alive())
	assert.ErrorIs(t, d.Terminate(), ErrNotRunning)
}

func TestSystemTableFind(t *testing.T) {
	marker := "lnl-table-" + strconv.Itoa(os.Getpid())
	cmd := exec.Command("/bin/sh", "-c", "sleep 30; echo "+marker)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	pids, err := SystemTable{}.Find(context.Background(), regexp.MustCompile(regexp.QuoteMeta(marker)))
	require.NoError(t, err)
	assert.Contains(t, pids, cmd.Process.Pid)
	assert.NotContains(t, pids, os.Getpid())
}

func TestSameExecutable(t *testing.T) {
	assert.True(t, SameExecutable("litd", "litd"))
	assert.True(t, SameExecutable("litd.exe", "litd"))
	assert.False(t, SameExecutable("litd-helper", "litd"))
	assert.False(t, SameExecutable("rgb-lightning-no", "rgb-lightning-node"))
}

func TestKillErrorKeepsBothCauses(t *testing.T) {
	groupErr := errors.New("group kill refused")
	err := killError(42, groupErr, os.ErrProcessDone)
	require.Error(t, err)
	assert.ErrorIs(t, err, groupErr)
	assert.ErrorIs(t, err, os.ErrProcessDone)
	assert.Contains(t, err.Error(), "kill pid 42")
}
