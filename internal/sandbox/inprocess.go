package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
)

// Compile-time interface satisfaction check.
var _ Sandbox = (*InProcess)(nil)

// InProcess runs jobs on a goroutine of the calling process. It offers no
// isolation and is meant for development and tests.
type InProcess struct {
	drivers *driver.Registry
}

// NewInProcess creates an in-process sandbox over drivers.
func NewInProcess(drivers *driver.Registry) *InProcess {
	return &InProcess{drivers: drivers}
}

// Launch resolves the driver for the job's engine and runs it.
func (s *InProcess) Launch(ctx context.Context, job Job, logf driver.LogFunc) (Handle, error) {
	d, err := s.drivers.Resolve(job.Target.Engine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrExecutionFailed, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &inProcessHandle{
		cancel: cancel,
		done:   make(chan struct{}),
		output: newOutputBuffer(logf),
	}

	go func() {
		defer close(h.done)
		defer cancel()

		res, err := d.Execute(ctx, job.Target, job.Exec, h.output.line)
		out := Outcome{Err: err}
		if err == nil {
			out.Result, out.Err = json.Marshal(res)
			if out.Err != nil {
				out.Err = fmt.Errorf("%w: encode result: %v", model.ErrExecutionFailed, out.Err)
			}
		}
		out.Output = h.output.String()

		h.mu.Lock()
		h.outcome = out
		h.mu.Unlock()
	}()

	return h, nil
}

type inProcessHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	output *outputBuffer

	mu      sync.Mutex
	outcome Outcome
}

func (h *inProcessHandle) Done() <-chan struct{} { return h.done }

func (h *inProcessHandle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Kill cancels the driver's context. The goroutine exits once the driver
// observes the cancellation.
func (h *inProcessHandle) Kill() { h.cancel() }
