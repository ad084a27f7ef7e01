package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ExitResult describes how an encoder process ended.
type ExitResult struct {
	Code       int
	Signaled   bool
	Signal     syscall.Signal
	StderrTail string
}

// normal reports whether the exit should be treated as expected: clean exit
// codes or termination by an operator-issued stop signal.
func (r ExitResult) normal() bool {
	if r.Signaled {
		return r.Signal == syscall.SIGTERM || r.Signal == syscall.SIGINT || r.Signal == syscall.SIGKILL
	}
	return r.Code == 0 || r.Code == 255
}

// Process is a live encoder subprocess handle.
type Process interface {
	PID() int
	// Kill sends a forceful stop signal. The exit still surfaces via Done.
	Kill() error
	// Done yields exactly one ExitResult when the process exits.
	Done() <-chan ExitResult
}

// Runtime abstracts subprocess management so tests can supervise fakes.
type Runtime interface {
	Spawn(ctx context.Context, binary string, args []string) (Process, error)
	// Probe reports whether binary responds to a lightweight health check.
	Probe(ctx context.Context, binary string) bool
}

// ExecRuntime runs real processes via os/exec.
type ExecRuntime struct{}

type execProcess struct {
	cmd  *exec.Cmd
	done chan ExitResult
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Done() <-chan ExitResult { return p.done }

func (ExecRuntime) Spawn(ctx context.Context, binary string, args []string) (Process, error) {
	cmd := exec.Command(binary, args...)
	tail := newTailBuffer(4096)
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, done: make(chan ExitResult, 1)}
	go func() {
		err := cmd.Wait()
		res := ExitResult{StderrTail: tail.String()}
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				res.Code = ee.ExitCode()
				if st, ok := ee.Sys().(syscall.WaitStatus); ok && st.Signaled() {
					res.Signaled = true
					res.Signal = st.Signal()
				}
			} else {
				res.Code = -1
			}
		}
		p.done <- res
		close(p.done)
	}()
	return p, nil
}

func (ExecRuntime) Probe(ctx context.Context, binary string) bool {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return exec.CommandContext(pctx, binary, "-version").Run() == nil
}

// tailBuffer keeps the last max bytes written, for abnormal-exit diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
