package model

import (
	"fmt"
	"time"
)

// EngineKind identifies the family of database engine behind an instance.
type EngineKind string

// Engine kinds.
const (
	EngineRelational EngineKind = "relational"
	EngineDocument   EngineKind = "document"
)

// Relational dialects.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// Instance sync status values.
const (
	SyncStatusNever     = "never"
	SyncStatusSucceeded = "succeeded"
	SyncStatusFailed    = "failed"
)

// Instance is one externally hosted database engine endpoint.
//
// Exactly one of {Host+Port, ConnectionRef} is populated. AuthRef names the
// credential set used together with Host+Port; ConnectionRef names a
// connection string. Both are resolved against the startup secret table,
// never against the process environment.
type Instance struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name,omitempty" yaml:"name"`
	Engine        EngineKind `json:"engine" yaml:"engine"`
	Dialect       string     `json:"dialect,omitempty" yaml:"dialect"`
	Host          string     `json:"host,omitempty" yaml:"host"`
	Port          int        `json:"port,omitempty" yaml:"port"`
	AuthRef       string     `json:"auth_ref,omitempty" yaml:"auth_ref"`
	ConnectionRef string     `json:"connection_ref,omitempty" yaml:"connection_ref"`
	Active        bool       `json:"active" yaml:"-"`

	LastSyncStatus string     `json:"last_sync_status" yaml:"-"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty" yaml:"-"`
	LastSyncError  string     `json:"last_sync_error,omitempty" yaml:"-"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty" yaml:"-"`
	CreatedAt      time.Time  `json:"created_at" yaml:"-"`
}

// Validate checks the structural invariants of an instance definition.
func (i *Instance) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("instance id is required")
	}

	switch i.Engine {
	case EngineRelational:
		switch i.Dialect {
		case "", DialectPostgres, DialectMySQL:
		default:
			return fmt.Errorf("instance %s: unsupported dialect %q", i.ID, i.Dialect)
		}
	case EngineDocument:
		if i.Dialect != "" {
			return fmt.Errorf("instance %s: dialect is only valid for relational engines", i.ID)
		}
	default:
		return fmt.Errorf("instance %s: unsupported engine %q", i.ID, i.Engine)
	}

	hasEndpoint := i.Host != "" || i.Port != 0
	hasConnRef := i.ConnectionRef != ""
	switch {
	case hasEndpoint && hasConnRef:
		return fmt.Errorf("instance %s: host/port and connection_ref are mutually exclusive", i.ID)
	case !hasEndpoint && !hasConnRef:
		return fmt.Errorf("instance %s: one of host/port or connection_ref is required", i.ID)
	case hasEndpoint && (i.Host == "" || i.Port <= 0):
		return fmt.Errorf("instance %s: both host and port are required", i.ID)
	}

	return nil
}

// SQLDialect returns the relational dialect, defaulting to postgres.
func (i *Instance) SQLDialect() string {
	if i.Dialect == "" {
		return DialectPostgres
	}
	return i.Dialect
}
