package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/querygate/internal/model"
)

const requestColumns = `id, submitter, instance_id, database_name, payload_kind, payload,
	script_name, comment, state, reviewer, review_comment, cloned_from,
	result, output, error, error_code, duration_ms,
	created_at, reviewed_at, started_at, finished_at`

func scanRequest(sc rowScanner) (*model.Request, error) {
	r := &model.Request{}
	err := sc.Scan(
		&r.ID, &r.Submitter, &r.InstanceID, &r.DatabaseName, &r.PayloadKind, &r.Payload,
		&r.ScriptName, &r.Comment, &r.State, &r.Reviewer, &r.ReviewComment, &r.ClonedFrom,
		&r.Result, &r.Output, &r.Error, &r.ErrorCode, &r.DurationMS,
		&r.CreatedAt, &r.ReviewedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRequest inserts a new request. Drafts are never persisted.
func (s *SQLiteStore) CreateRequest(ctx context.Context, r *model.Request) error {
	if r.State == model.StateDraft || !r.State.Valid() {
		return fmt.Errorf("%w: cannot persist request in state %q", ErrInvalidTransition, r.State)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Submitter, r.InstanceID, r.DatabaseName, r.PayloadKind, r.Payload,
		r.ScriptName, r.Comment, r.State, r.Reviewer, r.ReviewComment, r.ClonedFrom,
		r.Result, r.Output, r.Error, r.ErrorCode, r.DurationMS,
		r.CreatedAt, r.ReviewedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

// ListRequests returns a filtered page of requests, newest first, along with
// the total number of matching requests.
func (s *SQLiteStore) ListRequests(ctx context.Context, filter model.RequestFilter) ([]*model.Request, int, error) {
	var where []string
	var args []any
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Submitter != "" {
		where = append(where, "submitter = ?")
		args = append(args, filter.Submitter)
	}
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests`+clause+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, limit, filter.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	reqs, err := collectRequests(rows)
	if err != nil {
		return nil, 0, err
	}
	return reqs, total, nil
}

// RequestsInState returns every request in state, oldest first.
func (s *SQLiteStore) RequestsInState(ctx context.Context, state model.RequestState) ([]*model.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE state = ? ORDER BY id ASC`, state,
	)
	if err != nil {
		return nil, fmt.Errorf("list requests in state %s: %w", state, err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func collectRequests(rows *sql.Rows) ([]*model.Request, error) {
	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

// ReviewRequest moves a pending request to approved or rejected. The update
// is conditional on the request still being pending; a request that already
// left pending yields model.ErrStaleState.
func (s *SQLiteStore) ReviewRequest(ctx context.Context, id string, review Review) error {
	if !model.ValidTransition(model.StatePending, review.State) {
		return fmt.Errorf("%w: pending → %s", ErrInvalidTransition, review.State)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET state = ?, reviewer = ?, review_comment = ?, reviewed_at = ?
		WHERE id = ? AND state = ?`,
		review.State, review.Reviewer, review.Comment, review.ReviewedAt,
		id, model.StatePending,
	)
	if err != nil {
		return fmt.Errorf("review request: %w", err)
	}
	return s.checkTransition(ctx, res, id, model.StatePending)
}

// StartRequest moves an approved request to running.
func (s *SQLiteStore) StartRequest(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET state = ?, started_at = ? WHERE id = ? AND state = ?`,
		model.StateRunning, at, id, model.StateApproved,
	)
	if err != nil {
		return fmt.Errorf("start request: %w", err)
	}
	return s.checkTransition(ctx, res, id, model.StateApproved)
}

// FinishRequest records a terminal outcome. The state and the outcome are
// written by the same statement, conditional on the request still being in
// from.
func (s *SQLiteStore) FinishRequest(ctx context.Context, id string, from model.RequestState, out model.Outcome, at time.Time) error {
	if !out.State.IsTerminal() || !model.ValidTransition(from, out.State) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, out.State)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET state = ?, result = ?, output = ?, error = ?, error_code = ?,
			duration_ms = ?, finished_at = ?
		WHERE id = ? AND state = ?`,
		out.State, out.Result, out.Output, out.Error, out.ErrorCode,
		out.DurationMS, at, id, from,
	)
	if err != nil {
		return fmt.Errorf("finish request: %w", err)
	}
	return s.checkTransition(ctx, res, id, from)
}

// checkTransition distinguishes a missing request from one whose state moved
// on after a conditional update matched no rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string, from model.RequestState) error {
	changed, err := rowsChanged(res)
	if err != nil {
		return err
	}
	if changed {
		return nil
	}

	var state model.RequestState
	err = s.db.QueryRowContext(ctx, "SELECT state FROM requests WHERE id = ?", id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read request state: %w", err)
	}
	return fmt.Errorf("%w: request %s is %s, not %s", model.ErrStaleState, id, state, from)
}
