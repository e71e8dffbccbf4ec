package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/querygate/internal/model"
)

const instanceColumns = `id, name, engine, dialect, host, port, auth_ref, connection_ref,
	active, last_sync_status, last_sync_at, last_sync_error, last_success_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(sc rowScanner) (*model.Instance, error) {
	inst := &model.Instance{}
	err := sc.Scan(
		&inst.ID, &inst.Name, &inst.Engine, &inst.Dialect, &inst.Host, &inst.Port,
		&inst.AuthRef, &inst.ConnectionRef, &inst.Active, &inst.LastSyncStatus,
		&inst.LastSyncAt, &inst.LastSyncError, &inst.LastSuccessAt, &inst.CreatedAt,
	)
	return inst, err
}

// UpsertInstance inserts an instance or updates its definition. Sync status
// and creation time of an existing row are preserved.
func (s *SQLiteStore) UpsertInstance(ctx context.Context, inst *model.Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	if inst.LastSyncStatus == "" {
		inst.LastSyncStatus = model.SyncStatusNever
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			engine = excluded.engine,
			dialect = excluded.dialect,
			host = excluded.host,
			port = excluded.port,
			auth_ref = excluded.auth_ref,
			connection_ref = excluded.connection_ref,
			active = excluded.active`,
		inst.ID, inst.Name, inst.Engine, inst.Dialect, inst.Host, inst.Port,
		inst.AuthRef, inst.ConnectionRef, inst.Active, inst.LastSyncStatus,
		inst.LastSyncAt, inst.LastSyncError, inst.LastSuccessAt, inst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances ordered by ID.
func (s *SQLiteStore) ListInstances(ctx context.Context, activeOnly bool) ([]*model.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// DeclareDatabases records operator-declared databases for an instance.
// Names that already exist keep their row untouched.
func (s *SQLiteStore) DeclareDatabases(ctx context.Context, instanceID string, names []string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO databases (instance_id, name, source, active, last_seen_at, created_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(instance_id, name) DO NOTHING`,
			instanceID, name, model.SourceDeclared, at, at,
		); err != nil {
			return fmt.Errorf("declare database %s/%s: %w", instanceID, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit declared databases: %w", err)
	}
	return nil
}

// GetDatabase retrieves one database row, active or not.
func (s *SQLiteStore) GetDatabase(ctx context.Context, instanceID, name string) (*model.Database, error) {
	d := &model.Database{}
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, name, source, active, last_seen_at, created_at
		FROM databases WHERE instance_id = ? AND name = ?`, instanceID, name,
	).Scan(&d.InstanceID, &d.Name, &d.Source, &d.Active, &d.LastSeenAt, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get database: %w", err)
	}
	return d, nil
}

// ListDatabases returns an instance's databases ordered by name.
func (s *SQLiteStore) ListDatabases(ctx context.Context, instanceID string, includeInactive bool) ([]*model.Database, error) {
	query := `SELECT instance_id, name, source, active, last_seen_at, created_at
		FROM databases WHERE instance_id = ?`
	if !includeInactive {
		query += ` AND active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	var out []*model.Database
	for rows.Next() {
		d := &model.Database{}
		if err := rows.Scan(&d.InstanceID, &d.Name, &d.Source, &d.Active, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan database: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate databases: %w", err)
	}
	return out, nil
}

// ApplyInventory applies one sync pass's diff in a single transaction. Added
// names are inserted as discovered, or re-activated with their original
// source if a tombstone exists. Removed names are tombstoned. Seen names get
// a fresh last_seen_at.
func (s *SQLiteStore) ApplyInventory(ctx context.Context, instanceID string, diff model.InventoryDiff, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, name := range diff.Added {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO databases (instance_id, name, source, active, last_seen_at, created_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(instance_id, name) DO UPDATE SET
				active = 1,
				last_seen_at = excluded.last_seen_at`,
			instanceID, name, model.SourceDiscovered, at, at,
		); err != nil {
			return fmt.Errorf("add database %s/%s: %w", instanceID, name, err)
		}
	}

	for _, name := range diff.Removed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE databases SET active = 0 WHERE instance_id = ? AND name = ?`,
			instanceID, name,
		); err != nil {
			return fmt.Errorf("remove database %s/%s: %w", instanceID, name, err)
		}
	}

	for _, name := range diff.Seen {
		if _, err := tx.ExecContext(ctx,
			`UPDATE databases SET last_seen_at = ? WHERE instance_id = ? AND name = ?`,
			at, instanceID, name,
		); err != nil {
			return fmt.Errorf("touch database %s/%s: %w", instanceID, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit inventory: %w", err)
	}
	return nil
}

// AppendBlacklistEntry adds an entry. Entries are never updated or deleted.
func (s *SQLiteStore) AppendBlacklistEntry(ctx context.Context, e *model.BlacklistEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return insertBlacklistEntry(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertBlacklistEntry(ctx context.Context, ex execer, e *model.BlacklistEntry) error {
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO blacklist (id, pattern, kind, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Pattern, e.Kind, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert blacklist entry: %w", err)
	}
	return nil
}

// ListBlacklist returns all entries in insertion order.
func (s *SQLiteStore) ListBlacklist(ctx context.Context) ([]model.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, kind, reason, created_at FROM blacklist ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	defer rows.Close()

	var out []model.BlacklistEntry
	for rows.Next() {
		var e model.BlacklistEntry
		if err := rows.Scan(&e.ID, &e.Pattern, &e.Kind, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blacklist entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blacklist: %w", err)
	}
	return out, nil
}

// SeedBlacklist inserts entries only when the blacklist is empty and returns
// how many were inserted.
func (s *SQLiteStore) SeedBlacklist(ctx context.Context, entries []model.BlacklistEntry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM blacklist").Scan(&n); err != nil {
		return 0, fmt.Errorf("count blacklist: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	for i := range entries {
		e := entries[i]
		if err := e.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
		}
		if err := insertBlacklistEntry(ctx, tx, &e); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit blacklist seed: %w", err)
	}
	return len(entries), nil
}
