package sandbox

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
)

func TestWriteReadJob(t *testing.T) {
	original := Job{
		RequestID: "01HZX",
		Target: driver.Target{
			InstanceID: "pg-1",
			Engine:     model.EngineRelational,
			Dialect:    model.DialectPostgres,
			Host:       "db.internal",
			Port:       5432,
			User:       "svc",
			Password:   "secret",
		},
		Exec: driver.Exec{
			Database:    "orders",
			PayloadKind: model.PayloadInlineQuery,
			Payload:     "SELECT 1",
			Budget:      30 * time.Second,
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Job
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Target != original.Target {
		t.Errorf("Target = %+v, want %+v", decoded.Target, original.Target)
	}
	if decoded.Exec != original.Exec {
		t.Errorf("Exec = %+v, want %+v", decoded.Exec, original.Exec)
	}
	if decoded.RequestID != original.RequestID {
		t.Errorf("RequestID = %q, want %q", decoded.RequestID, original.RequestID)
	}
}

func TestWriteReadResultMessage(t *testing.T) {
	original := Message{
		Type: MsgTypeResult,
		Response: &Response{
			Result: json.RawMessage(`{"rowCount":1}`),
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Type != MsgTypeResult {
		t.Errorf("Type = %q, want %q", decoded.Type, MsgTypeResult)
	}
	if decoded.Response == nil {
		t.Fatal("Response is nil")
	}
	if string(decoded.Response.Result) != `{"rowCount":1}` {
		t.Errorf("Result = %s, want {\"rowCount\":1}", decoded.Response.Result)
	}
}

func TestReadMessageSequence(t *testing.T) {
	var buf bytes.Buffer
	for _, line := range []string{"one", "two"} {
		if err := WriteMessage(&buf, &Message{Type: MsgTypeLog, Line: line}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	for _, want := range []string{"one", "two"} {
		var msg Message
		if err := ReadMessage(&buf, &msg); err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if msg.Line != want {
			t.Errorf("Line = %q, want %q", msg.Line, want)
		}
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var job Job
	if err := ReadMessage(buf, &job); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})

	var job Job
	if err := ReadMessage(&buf, &job); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var job Job
	if err := ReadMessage(&buf, &job); err == nil {
		t.Fatal("expected error for oversized message")
	}
}
