package sandbox_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
	"github.com/seantiz/querygate/internal/sandbox"
	"github.com/seantiz/querygate/internal/worker"
)

// fakeDriver serves the relational engine kind with canned behaviour.
type fakeDriver struct {
	execute func(ctx context.Context, exec driver.Exec, logf driver.LogFunc) (*driver.Result, error)
}

func (f *fakeDriver) Kind() model.EngineKind { return model.EngineRelational }

func (f *fakeDriver) Validate(string, model.PayloadKind, string) error { return nil }

func (f *fakeDriver) ListDatabases(context.Context, driver.Target) ([]string, error) {
	return nil, nil
}

func (f *fakeDriver) Execute(ctx context.Context, _ driver.Target, exec driver.Exec, logf driver.LogFunc) (*driver.Result, error) {
	return f.execute(ctx, exec, logf)
}

func succeed(ctx context.Context, exec driver.Exec, logf driver.LogFunc) (*driver.Result, error) {
	logf("running " + exec.Payload)
	return &driver.Result{Columns: []string{"n"}, Rows: [][]any{{1}}, RowCount: 1}, nil
}

func blockUntilCancelled(ctx context.Context, _ driver.Exec, logf driver.LogFunc) (*driver.Result, error) {
	logf("started")
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", model.ErrExecutionFailed, ctx.Err())
}

func testJob() sandbox.Job {
	return sandbox.Job{
		RequestID: "req-1",
		Target:    driver.Target{InstanceID: "pg-1", Engine: model.EngineRelational, Dialect: model.DialectPostgres},
		Exec:      driver.Exec{Database: "orders", PayloadKind: model.PayloadInlineQuery, Payload: "SELECT 1"},
	}
}

// lineCollector records log lines and signals the first one.
type lineCollector struct {
	mu    sync.Mutex
	lines []string
	first chan struct{}
	once  sync.Once
}

func newLineCollector() *lineCollector {
	return &lineCollector{first: make(chan struct{})}
}

func (c *lineCollector) logf(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	c.once.Do(func() { close(c.first) })
}

func (c *lineCollector) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func waitDone(t *testing.T, h sandbox.Handle) sandbox.Outcome {
	t.Helper()
	select {
	case <-h.Done():
		return h.Outcome()
	case <-time.After(10 * time.Second):
		t.Fatal("execution context did not exit")
		return sandbox.Outcome{}
	}
}

// helperMode returns the argument following "--" when the test binary was
// launched as a fake worker.
func helperMode() string {
	for i, a := range os.Args {
		if a == "--" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

// TestHelperWorker is not a real test. It is the body of the worker process
// launched by the process sandbox tests.
func TestHelperWorker(t *testing.T) {
	mode := helperMode()
	if mode == "" {
		return
	}

	ctx := context.Background()
	switch mode {
	case "ok":
		worker.Run(ctx, os.Stdin, os.Stdout, driver.NewRegistry(&fakeDriver{execute: succeed}))
	case "timeout":
		worker.Run(ctx, os.Stdin, os.Stdout, driver.NewRegistry(&fakeDriver{
			execute: func(context.Context, driver.Exec, driver.LogFunc) (*driver.Result, error) {
				return nil, fmt.Errorf("%w: statement budget exceeded", model.ErrTimedOut)
			},
		}))
	case "env":
		worker.Run(ctx, os.Stdin, os.Stdout, driver.NewRegistry(&fakeDriver{
			execute: func(context.Context, driver.Exec, driver.LogFunc) (*driver.Result, error) {
				return &driver.Result{RowCount: len(os.Environ())}, nil
			},
		}))
	case "hang":
		var job sandbox.Job
		sandbox.ReadMessage(os.Stdin, &job)
		sandbox.WriteMessage(os.Stdout, &sandbox.Message{Type: sandbox.MsgTypeLog, Line: "hanging"})
		time.Sleep(time.Hour)
	case "crash":
		var job sandbox.Job
		sandbox.ReadMessage(os.Stdin, &job)
		fmt.Fprintln(os.Stderr, "worker blew up")
		os.Exit(3)
	}
	os.Exit(0)
}

func helperSandbox(mode string) *sandbox.Process {
	return sandbox.NewProcess(os.Args[0], nil, "-test.run=^TestHelperWorker$", "--", mode)
}

func TestProcessSuccess(t *testing.T) {
	lines := newLineCollector()
	h, err := helperSandbox("ok").Launch(context.Background(), testJob(), lines.logf)
	require.NoError(t, err)

	out := waitDone(t, h)
	require.NoError(t, out.Err)

	var res driver.Result
	require.NoError(t, json.Unmarshal(out.Result, &res))
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, []string{"n"}, res.Columns)
	assert.Equal(t, []string{"running SELECT 1"}, lines.Lines())
	assert.Contains(t, out.Output, "running SELECT 1")
}

func TestProcessReportsErrorCode(t *testing.T) {
	h, err := helperSandbox("timeout").Launch(context.Background(), testJob(), nil)
	require.NoError(t, err)

	out := waitDone(t, h)
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, model.ErrTimedOut)
	assert.Contains(t, out.Err.Error(), "statement budget exceeded")
}

func TestProcessEmptyEnvironment(t *testing.T) {
	t.Setenv("QUERYGATE_SECRET_PASSWORD", "must-not-leak")

	h, err := helperSandbox("env").Launch(context.Background(), testJob(), nil)
	require.NoError(t, err)

	out := waitDone(t, h)
	require.NoError(t, out.Err)

	var res driver.Result
	require.NoError(t, json.Unmarshal(out.Result, &res))
	assert.Equal(t, 0, res.RowCount, "worker environment should be empty")
}

func TestProcessAbnormalExit(t *testing.T) {
	h, err := helperSandbox("crash").Launch(context.Background(), testJob(), nil)
	require.NoError(t, err)

	out := waitDone(t, h)
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, model.ErrExecutionFailed)
	assert.Contains(t, out.Err.Error(), "worker blew up")
	assert.Contains(t, out.Err.Error(), "exit status "+strconv.Itoa(3))
}

func TestProcessKill(t *testing.T) {
	lines := newLineCollector()
	h, err := helperSandbox("hang").Launch(context.Background(), testJob(), lines.logf)
	require.NoError(t, err)

	select {
	case <-lines.first:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never reported a log line")
	}

	h.Kill()
	out := waitDone(t, h)
	assert.ErrorIs(t, out.Err, model.ErrExecutionFailed)
	assert.Contains(t, out.Err.Error(), "killed")
	assert.Equal(t, []string{"hanging"}, lines.Lines())
}

func TestProcessContextCancelKills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := newLineCollector()
	h, err := helperSandbox("hang").Launch(ctx, testJob(), lines.logf)
	require.NoError(t, err)

	<-lines.first
	cancel()
	out := waitDone(t, h)
	assert.ErrorIs(t, out.Err, model.ErrExecutionFailed)
}

func TestProcessMissingBinary(t *testing.T) {
	_, err := sandbox.NewProcess("/nonexistent/querygate-worker", nil).Launch(context.Background(), testJob(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrExecutionFailed)
}

func TestInProcessSuccess(t *testing.T) {
	sb := sandbox.NewInProcess(driver.NewRegistry(&fakeDriver{execute: succeed}))
	lines := newLineCollector()

	h, err := sb.Launch(context.Background(), testJob(), lines.logf)
	require.NoError(t, err)

	out := waitDone(t, h)
	require.NoError(t, out.Err)
	assert.JSONEq(t, `{"columns":["n"],"rows":[[1]],"rowCount":1}`, string(out.Result))
	assert.Equal(t, "running SELECT 1\n", out.Output)
}

func TestInProcessKill(t *testing.T) {
	sb := sandbox.NewInProcess(driver.NewRegistry(&fakeDriver{execute: blockUntilCancelled}))
	lines := newLineCollector()

	h, err := sb.Launch(context.Background(), testJob(), lines.logf)
	require.NoError(t, err)

	<-lines.first
	select {
	case <-h.Done():
		t.Fatal("execution finished before kill")
	default:
	}

	h.Kill()
	out := waitDone(t, h)
	assert.ErrorIs(t, out.Err, model.ErrExecutionFailed)
}

func TestInProcessUnknownEngine(t *testing.T) {
	sb := sandbox.NewInProcess(driver.NewRegistry())
	_, err := sb.Launch(context.Background(), testJob(), nil)
	assert.ErrorIs(t, err, model.ErrExecutionFailed)
}
