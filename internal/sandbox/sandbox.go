// Package sandbox launches isolated execution contexts for approved
// requests. A context receives only its Job and reports log lines and one
// outcome; the caller can kill it at any time without its cooperation.
package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/seantiz/querygate/internal/driver"
)

// Sandbox starts execution contexts.
type Sandbox interface {
	Launch(ctx context.Context, job Job, logf driver.LogFunc) (Handle, error)
}

// Handle controls one running execution context.
type Handle interface {
	// Done is closed once the context has exited and Outcome is available.
	Done() <-chan struct{}

	// Outcome returns the result of the execution. Only valid after Done.
	Outcome() Outcome

	// Kill force-terminates the context. It does not wait for exit.
	Kill()
}

// Outcome is what an execution context produced.
type Outcome struct {
	Result json.RawMessage
	Output string
	Err    error
}

// outputBuffer accumulates log lines and forwards them to logf.
type outputBuffer struct {
	mu    sync.Mutex
	b     strings.Builder
	logf  driver.LogFunc
	limit int
}

func newOutputBuffer(logf driver.LogFunc) *outputBuffer {
	return &outputBuffer{logf: logf, limit: 1 << 20}
}

func (o *outputBuffer) line(s string) {
	o.mu.Lock()
	if o.b.Len()+len(s) < o.limit {
		o.b.WriteString(s)
		o.b.WriteByte('\n')
	}
	o.mu.Unlock()
	if o.logf != nil {
		o.logf(s)
	}
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}
