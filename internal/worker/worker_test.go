package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
	"github.com/seantiz/querygate/internal/sandbox"
)

type stubDriver struct {
	kind    model.EngineKind
	execute func(ctx context.Context, t driver.Target, exec driver.Exec, logf driver.LogFunc) (*driver.Result, error)
}

func (s *stubDriver) Kind() model.EngineKind { return s.kind }

func (s *stubDriver) Validate(string, model.PayloadKind, string) error { return nil }

func (s *stubDriver) ListDatabases(context.Context, driver.Target) ([]string, error) {
	return nil, nil
}

func (s *stubDriver) Execute(ctx context.Context, t driver.Target, exec driver.Exec, logf driver.LogFunc) (*driver.Result, error) {
	return s.execute(ctx, t, exec, logf)
}

// runOverPipe sends job to Run over a pipe and collects every frame.
func runOverPipe(t *testing.T, reg *driver.Registry, job sandbox.Job) ([]string, sandbox.Response) {
	t.Helper()
	server, client := net.Pipe()

	go func() {
		if err := sandbox.WriteMessage(client, &job); err != nil {
			t.Errorf("write job: %v", err)
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), server, server, reg)
		server.Close()
	}()

	var logs []string
	var resp sandbox.Response
	for {
		var msg sandbox.Message
		if err := sandbox.ReadMessage(client, &msg); err != nil {
			break
		}
		if msg.Type == sandbox.MsgTypeLog {
			logs = append(logs, msg.Line)
			continue
		}
		if msg.Type == sandbox.MsgTypeResult && msg.Response != nil {
			resp = *msg.Response
		}
		break
	}

	require.NoError(t, <-done)
	client.Close()
	return logs, resp
}

func testJob(engine model.EngineKind) sandbox.Job {
	return sandbox.Job{
		RequestID: "req-1",
		Target:    driver.Target{InstanceID: "mongo-1", Engine: engine, Host: "mongo", Port: 27017},
		Exec:      driver.Exec{Database: "fleet", PayloadKind: model.PayloadInlineQuery, Payload: "db.ships.find()"},
	}
}

func TestRunStreamsLogsThenResult(t *testing.T) {
	reg := driver.NewRegistry(&stubDriver{
		kind: model.EngineDocument,
		execute: func(_ context.Context, tgt driver.Target, exec driver.Exec, logf driver.LogFunc) (*driver.Result, error) {
			logf("connecting to " + tgt.InstanceID)
			logf("db.ships.find on " + exec.Database)
			return &driver.Result{Documents: []json.RawMessage{json.RawMessage(`{"name":"Nostromo"}`)}, RowCount: 1}, nil
		},
	})

	logs, resp := runOverPipe(t, reg, testJob(model.EngineDocument))

	assert.Equal(t, []string{"connecting to mongo-1", "db.ships.find on fleet"}, logs)
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{"documents":[{"name":"Nostromo"}],"rowCount":1}`, string(resp.Result))
}

func TestRunReportsErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"timeout", fmt.Errorf("%w: context deadline exceeded", model.ErrTimedOut), model.CodeTimedOut},
		{"unreachable", fmt.Errorf("%w: connection refused", model.ErrTargetUnavailable), model.CodeTargetUnavailable},
		{"failure", fmt.Errorf("%w: duplicate key", model.ErrExecutionFailed), model.CodeExecutionFailed},
		{"unclassified", fmt.Errorf("driver panic"), model.CodeExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := driver.NewRegistry(&stubDriver{
				kind: model.EngineDocument,
				execute: func(context.Context, driver.Target, driver.Exec, driver.LogFunc) (*driver.Result, error) {
					return nil, tt.err
				},
			})

			_, resp := runOverPipe(t, reg, testJob(model.EngineDocument))
			assert.Equal(t, tt.wantCode, resp.ErrorCode)
			assert.Equal(t, tt.err.Error(), resp.Error)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestRunUnknownEngine(t *testing.T) {
	_, resp := runOverPipe(t, driver.NewRegistry(), testJob(model.EngineRelational))
	assert.Equal(t, model.CodeExecutionFailed, resp.ErrorCode)
	assert.Contains(t, resp.Error, "no driver registered")
}

func TestRunMalformedJobFrame(t *testing.T) {
	in := bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x02, 'n', 'o'})
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), in, &out, driver.NewRegistry()))

	var msg sandbox.Message
	require.NoError(t, sandbox.ReadMessage(&out, &msg))
	assert.Equal(t, sandbox.MsgTypeResult, msg.Type)
	require.NotNil(t, msg.Response)
	assert.Equal(t, model.CodeExecutionFailed, msg.Response.ErrorCode)
	assert.Contains(t, msg.Response.Error, "read job")
}

func TestRunResultWriteFailure(t *testing.T) {
	var job bytes.Buffer
	require.NoError(t, sandbox.WriteMessage(&job, testJob(model.EngineDocument)))

	reg := driver.NewRegistry(&stubDriver{
		kind: model.EngineDocument,
		execute: func(context.Context, driver.Target, driver.Exec, driver.LogFunc) (*driver.Result, error) {
			return &driver.Result{}, nil
		},
	})

	err := Run(context.Background(), &job, failingWriter{}, reg)
	assert.ErrorContains(t, err, "write result")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
