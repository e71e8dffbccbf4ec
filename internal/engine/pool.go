package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/seantiz/querygate/internal/config"
	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
	"github.com/seantiz/querygate/internal/sandbox"
)

const (
	// DefaultBudget is the wall-clock budget of one execution.
	DefaultBudget = 30 * time.Second

	// DefaultWarnDepth is the queue depth above which the pool reports
	// degraded capacity.
	DefaultWarnDepth = 10

	outputLimit = 1 << 20
)

var (
	errBudgetExceeded = errors.New("execution budget exceeded")
	errShutdown       = errors.New("pool shutting down")
)

// Transitions moves requests into and out of Running. It is implemented by
// the lifecycle service, which owns every state change.
type Transitions interface {
	// Start moves an Approved request to Running after re-validating its
	// target. It returns model.ErrTargetNoLongerAvailable when the request
	// was failed instead.
	Start(ctx context.Context, id string) (*model.Request, *model.Instance, error)

	// Finish records the terminal outcome of a Running request.
	Finish(ctx context.Context, id string, out model.Outcome) error
}

// Credentials resolves the connection credential of an instance.
type Credentials interface {
	Resolve(inst model.Instance) (config.Credential, error)
}

// Options configures a Pool.
type Options struct {
	Slots     int
	QueueSize int
	Budget    time.Duration
	WarnDepth int
	Clock     clock.Clock
}

// Pool runs at most Slots approved requests concurrently, fed by a FIFO
// queue of QueueSize. Admission is bounded by Slots+QueueSize.
type Pool struct {
	opts    Options
	trans   Transitions
	sandbox sandbox.Sandbox
	creds   Credentials
	leases  *driver.Leases
	broker  *LogBroker
	logger  *slog.Logger
	clock   clock.Clock

	mu      sync.Mutex
	queued  map[string]bool
	running map[string]context.CancelCauseFunc
	closed  bool

	queue  chan *model.Request
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool and starts its slots.
func NewPool(opts Options, trans Transitions, sb sandbox.Sandbox, creds Credentials, leases *driver.Leases, logger *slog.Logger) *Pool {
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.WarnDepth <= 0 {
		opts.WarnDepth = DefaultWarnDepth
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:    opts,
		trans:   trans,
		sandbox: sb,
		creds:   creds,
		leases:  leases,
		broker:  NewLogBroker(),
		logger:  logger,
		clock:   opts.Clock,
		queued:  make(map[string]bool),
		running: make(map[string]context.CancelCauseFunc),
		queue:   make(chan *model.Request, opts.Slots+opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < opts.Slots; i++ {
		p.wg.Go(p.slot)
	}
	return p
}

// Broker returns the pool's log broker for output streaming.
func (p *Pool) Broker() *LogBroker {
	return p.broker
}

// Capacity returns the admission bound.
func (p *Pool) Capacity() int {
	return p.opts.Slots + p.opts.QueueSize
}

// WarnDepth returns the queue depth above which capacity is degraded.
func (p *Pool) WarnDepth() int {
	return p.opts.WarnDepth
}

// QueueDepth returns the number of requests waiting for a slot.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

// ActiveCount returns the number of slots running a request.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Submit enqueues an Approved request. It returns model.ErrPoolSaturated
// when Slots+QueueSize requests are already admitted. Submitting a request
// that is already queued or running is a no-op.
func (p *Pool) Submit(_ context.Context, req *model.Request) error {
	if req.State != model.StateApproved {
		return fmt.Errorf("%w: request %s is %s, not approved", model.ErrStaleState, req.ID, req.State)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: %v", model.ErrPoolSaturated, errShutdown)
	}
	if _, ok := p.running[req.ID]; ok || p.queued[req.ID] {
		return nil
	}
	if admitted := len(p.queued) + len(p.running); admitted >= p.Capacity() {
		saturatedTotal.Inc()
		return fmt.Errorf("%w: %d of %d admitted", model.ErrPoolSaturated, admitted, p.Capacity())
	}

	p.queued[req.ID] = true
	p.queue <- req
	p.updateGaugesLocked()

	p.logger.Info("request enqueued", "request_id", req.ID, "queue_depth", len(p.queued))
	return nil
}

// Cancel kills the execution context of a running request. The request is
// recorded as Failed with error code Cancelled.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: request %s is not running", model.ErrStaleState, id)
	}
	cancel(model.ErrCancelled)
	return nil
}

// Shutdown stops admission, kills running executions and waits for every
// slot to exit or ctx to expire. Queued requests stay Approved.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for slots: %w", ctx.Err())
	}
}

func (p *Pool) slot() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.queue:
			p.run(req.ID)
		}
	}
}

// run drives one request from dequeue to its terminal state.
func (p *Pool) run(id string) {
	ctx, cancel := context.WithCancelCause(p.ctx)
	defer cancel(nil)

	p.mu.Lock()
	delete(p.queued, id)
	p.running[id] = cancel
	p.updateGaugesLocked()
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.running, id)
		p.updateGaugesLocked()
		p.mu.Unlock()
	}()

	req, inst, err := p.trans.Start(p.ctx, id)
	if errors.Is(err, model.ErrTargetNoLongerAvailable) {
		p.broker.Close(id)
		executionsTotal.WithLabelValues(outcomeTargetGone).Inc()
		p.logger.Warn("target no longer available", "request_id", id, "error", err)
		return
	}
	if err != nil {
		// The request is still Approved and may be executed again.
		p.logger.Error("failed to start request", "request_id", id, "error", err)
		return
	}

	p.broker.Open(id)
	defer p.broker.Close(id)

	start := p.clock.Now()
	out := p.execute(ctx, cancel, req, inst)
	elapsed := p.clock.Since(start)
	out.DurationMS = int(elapsed.Milliseconds())

	executionDuration.Observe(elapsed.Seconds())
	executionsTotal.WithLabelValues(outcomeLabel(out)).Inc()

	if err := p.trans.Finish(context.WithoutCancel(p.ctx), id, out); err != nil {
		p.logger.Error("failed to record outcome", "request_id", id, "state", out.State, "error", err)
		return
	}
	p.logger.Info("request finished",
		"request_id", id,
		"instance_id", req.InstanceID,
		"state", out.State,
		"error_code", out.ErrorCode,
		"duration_ms", out.DurationMS,
	)
}

// execute launches the sandbox and waits for it, the budget or a cancel,
// whichever comes first. It never waits on a killed context.
func (p *Pool) execute(ctx context.Context, cancel context.CancelCauseFunc, req *model.Request, inst *model.Instance) model.Outcome {
	timer := p.clock.AfterFunc(p.opts.Budget, func() { cancel(errBudgetExceeded) })
	defer timer.Stop()

	output := &outputCapture{}
	logf := func(line string) {
		output.add(line)
		p.broker.Publish(req.ID, line)
	}

	cred, err := p.creds.Resolve(*inst)
	if err != nil {
		return failed(fmt.Errorf("%w: %v", model.ErrTargetUnavailable, err), "")
	}

	release, err := p.leases.Acquire(ctx, inst.Engine)
	if err != nil {
		return p.interrupted(context.Cause(ctx), output.String())
	}
	defer release()

	job := sandbox.Job{
		RequestID: req.ID,
		Target:    driver.NewTarget(*inst, cred),
		Exec: driver.Exec{
			Database:    req.DatabaseName,
			PayloadKind: req.PayloadKind,
			Payload:     req.Payload,
			Budget:      p.opts.Budget,
		},
	}

	h, err := p.sandbox.Launch(ctx, job, logf)
	if err != nil {
		return failed(err, output.String())
	}

	select {
	case <-h.Done():
		res := h.Outcome()
		if res.Err != nil && ctx.Err() != nil {
			return p.interrupted(context.Cause(ctx), output.String())
		}
		if res.Err != nil {
			return failed(res.Err, output.String())
		}
		return model.Outcome{
			State:  model.StateCompleted,
			Result: string(res.Result),
			Output: output.String(),
		}
	case <-ctx.Done():
		h.Kill()
		return p.interrupted(context.Cause(ctx), output.String())
	}
}

func (p *Pool) interrupted(cause error, output string) model.Outcome {
	switch {
	case errors.Is(cause, errBudgetExceeded):
		return model.Outcome{
			State:     model.StateTimedOut,
			Output:    output,
			Error:     fmt.Sprintf("execution exceeded its %s budget", p.opts.Budget),
			ErrorCode: model.CodeTimedOut,
		}
	case errors.Is(cause, model.ErrCancelled):
		return failed(model.ErrCancelled, output)
	default:
		return failed(fmt.Errorf("%w: %v", model.ErrExecutionFailed, errShutdown), output)
	}
}

func failed(err error, output string) model.Outcome {
	state := model.StateFailed
	if errors.Is(err, model.ErrTimedOut) {
		state = model.StateTimedOut
	}
	return model.Outcome{
		State:     state,
		Output:    output,
		Error:     err.Error(),
		ErrorCode: model.ErrorCode(err),
	}
}

func outcomeLabel(out model.Outcome) string {
	switch {
	case out.State == model.StateCompleted:
		return outcomeCompleted
	case out.State == model.StateTimedOut:
		return outcomeTimedOut
	case out.ErrorCode == model.CodeCancelled:
		return outcomeCancelled
	default:
		return outcomeFailed
	}
}

func (p *Pool) updateGaugesLocked() {
	queueDepthGauge.Set(float64(len(p.queued)))
	activeSlotsGauge.Set(float64(len(p.running)))
}

// outputCapture collects output lines for persistence.
type outputCapture struct {
	mu sync.Mutex
	b  strings.Builder
}

func (o *outputCapture) add(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.b.Len()+len(line) >= outputLimit {
		return
	}
	o.b.WriteString(line)
	o.b.WriteByte('\n')
}

func (o *outputCapture) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}
