package transcoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"kptv-restream/work/logger"
	"kptv-restream/work/metrics"
)

// killWait bounds how long we wait for the kernel to reap a SIGKILLed group.
const killWait = 5 * time.Second

// Process is a child process running in its own process group. It is torn
// down with SIGTERM, then SIGKILL once the grace period is over. Close is
// safe to call any number of times and from any goroutine.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdout *os.File // read end of the stdout pipe, nil when not captured
	stderr *tailBuffer
	grace  time.Duration

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Start launches name with args. When captureStdout is set the child's
// standard output is readable through Stdout.
func Start(name string, args []string, grace time.Duration, captureStdout bool) (*Process, error) {
	cmd := exec.Command(name, args...)
	setProcessGroup(cmd)

	p := &Process{
		name:   name,
		cmd:    cmd,
		stderr: &tailBuffer{limit: 4096},
		grace:  grace,
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr
	cmd.WaitDelay = grace

	var writeEnd *os.File
	if captureStdout {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		p.stdout, writeEnd = r, w
		cmd.Stdout = w
	}

	if err := cmd.Start(); err != nil {
		if p.stdout != nil {
			p.stdout.Close()
			writeEnd.Close()
		}
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	// the child owns the write end now
	if writeEnd != nil {
		writeEnd.Close()
	}

	logger.Debug("{transcoder/process - Start} Started %s (pid %d)", name, cmd.Process.Pid)

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Pid returns the child's process id (also its process group id).
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdout returns the child's standard output, or nil when not captured.
func (p *Process) Stdout() io.Reader {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits or ctx ends. A cancelled ctx tears the
// child down and returns the context error. A non-zero exit is reported with
// the tail of the child's stderr.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
	case <-ctx.Done():
		if err := p.Close(); err != nil {
			logger.Warn("{transcoder/process - Wait} Teardown of %s (pid %d): %v", p.name, p.Pid(), err)
		}
		return ctx.Err()
	}

	if p.waitErr != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			return fmt.Errorf("%s exited: %w: %s", p.name, p.waitErr, tail)
		}
		return fmt.Errorf("%s exited: %w", p.name, p.waitErr)
	}
	return nil
}

// Close terminates the process group if it is still running and releases
// the stdout pipe. The returned error only reports a child that survived
// SIGKILL; callers log it and move on.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.terminate()
		if p.stdout != nil {
			p.stdout.Close()
		}
	})
	return p.closeErr
}

func (p *Process) terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.Pid()
	if err := signalGroup(p.cmd.Process, sigTerm); err != nil {
		logger.Warn("{transcoder/process - terminate} SIGTERM to group %d failed: %v", pid, err)
	}
	metrics.ProcessTerminations.WithLabelValues("sigterm").Inc()

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	select {
	case <-p.done:
		logger.Debug("{transcoder/process - terminate} %s (pid %d) exited after SIGTERM", p.name, pid)
		return nil
	case <-grace.C:
	}

	logger.Warn("{transcoder/process - terminate} %s (pid %d) still running after %s, killing", p.name, pid, p.grace)
	if err := signalGroup(p.cmd.Process, sigKill); err != nil {
		logger.Warn("{transcoder/process - terminate} SIGKILL to group %d failed: %v", pid, err)
	}
	metrics.ProcessTerminations.WithLabelValues("sigkill").Inc()

	reaped := time.NewTimer(killWait)
	defer reaped.Stop()

	select {
	case <-p.done:
		return nil
	case <-reaped.C:
		return fmt.Errorf("%s (pid %d) not reaped %s after SIGKILL", p.name, pid, killWait)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
