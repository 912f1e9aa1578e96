package scheduler

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func waitForState(t *testing.T, l *Local, handle Handle, want State) Status {
	t.Helper()
	var status Status
	require.Eventually(t, func() bool {
		got, err := l.Status(context.Background(), handle)
		if err != nil {
			return false
		}
		status = got
		return got.State == want
	}, 10*time.Second, 20*time.Millisecond)
	return status
}

func TestLocal_RunsScriptToCompletion(t *testing.T) {
	requireBash(t)
	root := t.TempDir()

	// Trailing comment swallows the tool-chain arguments
	l := NewLocal(LocalConfig{WorkdirRoot: root, Command: "echo ok > outputs/result.txt #"}, afero.NewOsFs(), logger.NewNop().Logger)

	handle, err := l.Enqueue(context.Background(), Submission{JobID: "job-1", ManifestJSON: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, Handle("local-job-1"), handle)

	waitForState(t, l, handle, StateDone)

	data, err := afero.ReadFile(afero.NewOsFs(), filepath.Join(OutputsPath(root, "job-1"), "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(data))
}

func TestLocal_FailureAndCancel(t *testing.T) {
	requireBash(t)
	root := t.TempDir()

	l := NewLocal(LocalConfig{WorkdirRoot: root, Command: "exit 3 #"}, afero.NewOsFs(), logger.NewNop().Logger)
	handle, err := l.Enqueue(context.Background(), Submission{JobID: "job-fail"})
	require.NoError(t, err)
	waitForState(t, l, handle, StateFailed)

	l = NewLocal(LocalConfig{WorkdirRoot: root, Command: "sleep 30 #"}, afero.NewOsFs(), logger.NewNop().Logger)
	handle, err = l.Enqueue(context.Background(), Submission{JobID: "job-slow"})
	require.NoError(t, err)

	status, err := l.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, status.State)

	require.NoError(t, l.Cancel(context.Background(), handle))
	status = waitForState(t, l, handle, StateFailed)
	assert.Equal(t, "cancelled", status.Reason)

	_, err = l.Status(context.Background(), "local-unknown")
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, l.Cancel(context.Background(), "local-unknown"), ErrUnknownHandle)
}
