//go:build unix

package transcoder

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestProcess_CaptureStdout(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, err := Start("sh", []string{"-c", "echo hello"}, time.Second, true)
	require.NoError(t, err)

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	require.NoError(t, p.Wait(context.Background()))
	require.NoError(t, p.Close())
}

func TestProcess_NonZeroExitCarriesStderr(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, err := Start("sh", []string{"-c", "echo boom >&2; exit 3"}, time.Second, false)
	require.NoError(t, err)

	err = p.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Nil(t, p.Stdout())
}

func TestProcess_CloseTerminatesPromptly(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, err := Start("sh", []string{"-c", "sleep 30"}, 2*time.Second, true)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatal("process not reaped after Close")
	}

	// idempotent
	require.NoError(t, p.Close())
}

func TestProcess_KillAfterGrace(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, err := Start("sh", []string{"-c", `trap "" TERM; echo ready; sleep 30`}, 150*time.Millisecond, true)
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = io.ReadFull(p.Stdout(), buf)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Close())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	<-p.Done()
}

func TestProcess_WaitHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, err := Start("sh", []string{"-c", "sleep 30"}, time.Second, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-p.Done()
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start("/nonexistent/ffmpeg", nil, time.Second, true)
	require.Error(t, err)
}
