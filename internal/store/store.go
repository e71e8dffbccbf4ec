package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/querygate/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = model.ErrNotFound

// ErrInvalidTransition is returned when a request state transition is not
// in the lifecycle table.
var ErrInvalidTransition = errors.New("invalid state transition")

// RequestStats holds aggregate request statistics.
type RequestStats struct {
	Total           int            `json:"total"`
	CountByState    map[string]int `json:"count_by_state"`
	CountByInstance map[string]int `json:"count_by_instance"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// Review is the reviewer's decision on a pending request.
type Review struct {
	State      model.RequestState
	Reviewer   string
	Comment    string
	ReviewedAt time.Time
}

// Store defines the persistence operations for instances, their database
// inventory, the blacklist, requests and sync runs.
type Store interface {
	UpsertInstance(ctx context.Context, inst *model.Instance) error
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context, activeOnly bool) ([]*model.Instance, error)

	DeclareDatabases(ctx context.Context, instanceID string, names []string, at time.Time) error
	GetDatabase(ctx context.Context, instanceID, name string) (*model.Database, error)
	ListDatabases(ctx context.Context, instanceID string, includeInactive bool) ([]*model.Database, error)
	ApplyInventory(ctx context.Context, instanceID string, diff model.InventoryDiff, at time.Time) error

	AppendBlacklistEntry(ctx context.Context, e *model.BlacklistEntry) error
	ListBlacklist(ctx context.Context) ([]model.BlacklistEntry, error)
	SeedBlacklist(ctx context.Context, entries []model.BlacklistEntry) (int, error)

	CreateRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	ListRequests(ctx context.Context, filter model.RequestFilter) ([]*model.Request, int, error)
	RequestsInState(ctx context.Context, state model.RequestState) ([]*model.Request, error)
	ReviewRequest(ctx context.Context, id string, review Review) error
	StartRequest(ctx context.Context, id string, at time.Time) error
	FinishRequest(ctx context.Context, id string, from model.RequestState, out model.Outcome, at time.Time) error
	GetRequestStats(ctx context.Context) (*RequestStats, error)

	RecordSyncRun(ctx context.Context, run *model.SyncRun) error
	ListSyncRuns(ctx context.Context, instanceID string, limit int) ([]*model.SyncRun, error)

	Ping(ctx context.Context) error
	Close() error
}
