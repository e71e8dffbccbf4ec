package model

import "time"

// SyncTrigger records what started a sync pass.
type SyncTrigger string

// Sync triggers.
const (
	TriggerManual    SyncTrigger = "manual"
	TriggerScheduled SyncTrigger = "scheduled"
	TriggerStartup   SyncTrigger = "startup"
)

// SyncRun is the append-only audit record of one reconciliation pass over a
// single instance.
type SyncRun struct {
	ID         string      `json:"id"`
	InstanceID string      `json:"instance_id"`
	Trigger    SyncTrigger `json:"trigger"`
	Found      int         `json:"found"`
	Added      int         `json:"added"`
	Removed    int         `json:"removed"`
	Status     string      `json:"status"`
	DurationMS int         `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
}

// InventoryDiff is the set of row changes one sync pass applies to an
// instance's database inventory.
type InventoryDiff struct {
	Added   []string
	Removed []string
	Seen    []string
}
