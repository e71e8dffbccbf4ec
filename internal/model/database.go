package model

import "time"

// Database sources.
const (
	SourceDeclared   = "declared"
	SourceDiscovered = "discovered"
)

// Database is a named schema or catalog inside an instance. Rows are never
// physically deleted; a database that disappears from the live inventory is
// tombstoned with Active=false so historical requests keep resolving.
type Database struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	Active     bool      `json:"active"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}
