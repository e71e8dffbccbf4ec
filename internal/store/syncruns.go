package store

import (
	"context"
	"fmt"

	"github.com/seantiz/querygate/internal/model"
)

// RecordSyncRun appends a sync run and updates the instance's last-sync
// fields in one transaction.
func (s *SQLiteStore) RecordSyncRun(ctx context.Context, run *model.SyncRun) error {
	if run.ID == "" {
		run.ID = model.NewID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET last_sync_status = ?, last_sync_at = ?, last_sync_error = ?,
			last_success_at = CASE WHEN ? = ? THEN ? ELSE last_success_at END
		WHERE id = ?`,
		run.Status, run.StartedAt, run.Error,
		run.Status, model.SyncStatusSucceeded, run.StartedAt,
		run.InstanceID,
	)
	if err != nil {
		return fmt.Errorf("update instance sync status: %w", err)
	}
	changed, err := rowsChanged(res)
	if err != nil {
		return err
	}
	if !changed {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_runs (id, instance_id, trigger_kind, found, added, removed,
			status, duration_ms, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.InstanceID, run.Trigger, run.Found, run.Added, run.Removed,
		run.Status, run.DurationMS, run.Error, run.StartedAt,
	); err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync run: %w", err)
	}
	return nil
}

// ListSyncRuns returns the most recent sync runs, newest first. An empty
// instanceID lists runs for every instance.
func (s *SQLiteStore) ListSyncRuns(ctx context.Context, instanceID string, limit int) ([]*model.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, instance_id, trigger_kind, found, added, removed, status,
		duration_ms, error, started_at FROM sync_runs`
	args := []any{}
	if instanceID != "" {
		query += ` WHERE instance_id = ?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncRun
	for rows.Next() {
		r := &model.SyncRun{}
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.Trigger, &r.Found, &r.Added, &r.Removed,
			&r.Status, &r.DurationMS, &r.Error, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return out, nil
}
