package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
)

// stderrLimit caps the worker stderr kept for diagnostics.
const stderrLimit = 8 << 10

// Compile-time interface satisfaction check.
var _ Sandbox = (*Process)(nil)

// Process runs every job in a fresh worker process. The worker gets an empty
// environment and its own process group, and receives the job as a single
// frame on stdin.
type Process struct {
	Bin    string
	Args   []string
	logger *slog.Logger
}

// NewProcess creates a process sandbox that launches bin.
func NewProcess(bin string, logger *slog.Logger, args ...string) *Process {
	return &Process{Bin: bin, Args: args, logger: logger}
}

// Launch starts a worker for job. Log frames are forwarded to logf as they
// arrive. Cancelling ctx kills the worker.
func (p *Process) Launch(ctx context.Context, job Job, logf driver.LogFunc) (Handle, error) {
	cmd := exec.Command(p.Bin, p.Args...)
	cmd.Env = []string{}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start worker: %v", model.ErrExecutionFailed, err)
	}

	h := &processHandle{
		cmd:    cmd,
		done:   make(chan struct{}),
		output: newOutputBuffer(logf),
	}
	stop := context.AfterFunc(ctx, h.Kill)

	if err := WriteMessage(stdin, job); err != nil {
		h.Kill()
		cmd.Wait()
		stop()
		return nil, fmt.Errorf("%w: send job: %v", model.ErrExecutionFailed, err)
	}
	stdin.Close()

	go func() {
		defer stop()
		h.run(stdout, stderr)
		if p.logger != nil {
			p.logger.Debug("worker exited", "request_id", job.RequestID, "pid", cmd.Process.Pid, "killed", h.wasKilled())
		}
	}()

	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	done   chan struct{}
	output *outputBuffer

	mu      sync.Mutex
	killed  bool
	outcome Outcome
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Kill sends SIGKILL to the worker's whole process group.
func (h *processHandle) Kill() {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	if h.cmd.Process != nil {
		syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (h *processHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// run reads frames until the result arrives or stdout closes, then reaps
// the worker.
func (h *processHandle) run(stdout io.Reader, stderr *limitedBuffer) {
	defer close(h.done)

	var resp *Response
	var readErr error
	for {
		var msg Message
		if err := ReadMessage(stdout, &msg); err != nil {
			readErr = err
			break
		}
		if msg.Type == MsgTypeLog {
			h.output.line(msg.Line)
			continue
		}
		if msg.Type == MsgTypeResult && msg.Response != nil {
			resp = msg.Response
			break
		}
	}
	// Drain anything left so the worker never blocks on a full pipe.
	io.Copy(io.Discard, stdout)
	waitErr := h.cmd.Wait()

	out := Outcome{Output: h.output.String()}
	switch {
	case resp != nil && resp.Error == "":
		out.Result = resp.Result
	case resp != nil:
		out.Err = fmt.Errorf("%w: %s", model.ErrorForCode(resp.ErrorCode), resp.Error)
	case h.wasKilled():
		out.Err = fmt.Errorf("%w: worker killed", model.ErrExecutionFailed)
	default:
		out.Err = abnormalExit(readErr, waitErr, stderr.String())
	}

	h.mu.Lock()
	h.outcome = out
	h.mu.Unlock()
}

func abnormalExit(readErr, waitErr error, stderr string) error {
	cause := "worker exited without a result"
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		cause = fmt.Sprintf("%s (%s)", cause, exitErr.ProcessState.String())
	case readErr != nil && !errors.Is(readErr, io.EOF):
		cause = fmt.Sprintf("%s: %v", cause, readErr)
	}
	if s := strings.TrimSpace(stderr); s != "" {
		cause += ": " + s
	}
	return fmt.Errorf("%w: %s", model.ErrExecutionFailed, cause)
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	b     strings.Builder
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.limit - l.b.Len(); room > 0 {
		if len(p) > room {
			l.b.Write(p[:room])
		} else {
			l.b.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}
