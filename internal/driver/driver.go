package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/seantiz/querygate/internal/config"
	"github.com/seantiz/querygate/internal/model"
)

// MaxRows caps the rows or documents returned by a single statement.
const MaxRows = 1000

// Driver is implemented by every engine family. Drivers hold no state that
// outlives a call other than an optional connection cache.
type Driver interface {
	// Kind reports the engine family this driver serves.
	Kind() model.EngineKind

	// Validate checks the payload shape without any I/O. dialect is only
	// meaningful for relational engines.
	Validate(dialect string, kind model.PayloadKind, payload string) error

	// ListDatabases returns the raw database names present on the instance.
	ListDatabases(ctx context.Context, t Target) ([]string, error)

	// Execute runs the payload against one database within the exec budget.
	// Log lines are delivered to logf as they are produced.
	Execute(ctx context.Context, t Target, exec Exec, logf LogFunc) (*Result, error)
}

// LogFunc receives one line of execution output.
type LogFunc func(line string)

// Target is an instance together with its resolved credential. It is the
// only connection material that crosses into an execution sandbox.
type Target struct {
	InstanceID       string           `json:"instance_id"`
	Engine           model.EngineKind `json:"engine"`
	Dialect          string           `json:"dialect,omitempty"`
	Host             string           `json:"host,omitempty"`
	Port             int              `json:"port,omitempty"`
	User             string           `json:"user,omitempty"`
	Password         string           `json:"password,omitempty"`
	ConnectionString string           `json:"connection_string,omitempty"`
}

// NewTarget combines an instance with its credential.
func NewTarget(inst model.Instance, cred config.Credential) Target {
	t := Target{
		InstanceID:       inst.ID,
		Engine:           inst.Engine,
		Host:             inst.Host,
		Port:             inst.Port,
		User:             cred.User,
		Password:         cred.Password,
		ConnectionString: cred.ConnectionString,
	}
	if inst.Engine == model.EngineRelational {
		t.Dialect = inst.SQLDialect()
	}
	return t
}

// Exec describes one execution.
type Exec struct {
	Database    string            `json:"database"`
	PayloadKind model.PayloadKind `json:"payload_kind"`
	Payload     string            `json:"payload"`
	Budget      time.Duration     `json:"budget"`
}

// Result is the JSON-serializable outcome of an execution. Scripts produce
// one step per statement or call.
type Result struct {
	Columns      []string          `json:"columns,omitempty"`
	Rows         [][]any           `json:"rows,omitempty"`
	Documents    []json.RawMessage `json:"documents,omitempty"`
	Value        json.RawMessage   `json:"value,omitempty"`
	RowCount     int               `json:"rowCount"`
	RowsAffected int64             `json:"rowsAffected,omitempty"`
	Truncated    bool              `json:"truncated,omitempty"`
	Steps        []*Result         `json:"steps,omitempty"`
}

// withBudget bounds ctx by the exec budget when one is set.
func withBudget(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}
