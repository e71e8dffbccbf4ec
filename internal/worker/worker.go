// Package worker implements the execution side of the process sandbox. A
// worker reads one job from its input, runs it with the matching driver,
// and streams log lines followed by a single result frame to its output.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
	"github.com/seantiz/querygate/internal/sandbox"
)

// Run handles exactly one job. It returns an error only when the result
// frame could not be written; execution failures are reported in-band.
func Run(ctx context.Context, r io.Reader, w io.Writer, drivers *driver.Registry) error {
	// Log lines and the result frame share w.
	var writeMu sync.Mutex
	send := func(msg *sandbox.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return sandbox.WriteMessage(w, msg)
	}

	var job sandbox.Job
	if err := sandbox.ReadMessage(r, &job); err != nil {
		return sendResult(send, failure(fmt.Errorf("%w: read job: %v", model.ErrExecutionFailed, err)))
	}

	resp := execute(ctx, &job, drivers, func(line string) {
		// A failed log write means the host is gone; the result write
		// below reports it.
		send(&sandbox.Message{Type: sandbox.MsgTypeLog, Line: line})
	})
	return sendResult(send, resp)
}

func execute(ctx context.Context, job *sandbox.Job, drivers *driver.Registry, logf driver.LogFunc) sandbox.Response {
	d, err := drivers.Resolve(job.Target.Engine)
	if err != nil {
		return failure(fmt.Errorf("%w: %v", model.ErrExecutionFailed, err))
	}

	res, err := d.Execute(ctx, job.Target, job.Exec, logf)
	if err != nil {
		return failure(err)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return failure(fmt.Errorf("%w: encode result: %v", model.ErrExecutionFailed, err))
	}
	return sandbox.Response{Result: data}
}

func failure(err error) sandbox.Response {
	return sandbox.Response{Error: err.Error(), ErrorCode: model.ErrorCode(err)}
}

func sendResult(send func(*sandbox.Message) error, resp sandbox.Response) error {
	if err := send(&sandbox.Message{Type: sandbox.MsgTypeResult, Response: &resp}); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
