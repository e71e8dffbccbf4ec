// Package lifecycle owns every state change of a request: submission,
// review, cloning, the Running transition on dequeue, terminal outcomes and
// crash recovery. Transitions are optimistic: each store update is
// conditional on the state the service observed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/raulk/clock"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
	"github.com/seantiz/querygate/internal/notify"
	"github.com/seantiz/querygate/internal/store"
)

// Executor runs approved requests.
type Executor interface {
	Submit(ctx context.Context, req *model.Request) error
	Cancel(id string) error
}

// Submission is what a submitter supplies for a new request.
type Submission struct {
	InstanceID   string
	DatabaseName string
	PayloadKind  model.PayloadKind
	Payload      string
	ScriptName   string
	Comment      string
	ClonedFrom   string
}

// CloneOptions overrides fields of the source request in a clone.
type CloneOptions struct {
	InstanceID   string
	DatabaseName string
}

// Service implements the request lifecycle.
type Service struct {
	store    store.Store
	drivers  *driver.Registry
	notifier notify.Notifier
	logger   *slog.Logger
	clock    clock.Clock

	exec Executor
}

// NewService creates a lifecycle service. A nil notifier disables
// notifications; a nil clock uses the wall clock.
func NewService(s store.Store, drivers *driver.Registry, notifier notify.Notifier, logger *slog.Logger, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:    s,
		drivers:  drivers,
		notifier: notifier,
		logger:   logger,
		clock:    clk,
	}
}

// SetExecutor attaches the pool that runs approved requests. It must be
// called before any request is approved.
func (s *Service) SetExecutor(e Executor) {
	s.exec = e
}

// Submit validates a submission and persists it as Pending. Nothing is
// written when the payload is malformed or the target is not active.
func (s *Service) Submit(ctx context.Context, p model.Principal, sub Submission) (*model.Request, error) {
	if !p.HasRole(model.RoleSubmitter) {
		return nil, fmt.Errorf("%w: %s may not submit requests", model.ErrForbidden, p.ID)
	}

	inst, err := s.activeTarget(ctx, sub.InstanceID, sub.DatabaseName)
	if err != nil {
		return nil, err
	}
	if err := s.drivers.Validate(inst, sub.PayloadKind, sub.Payload); err != nil {
		return nil, err
	}
	if sub.ClonedFrom != "" {
		if _, err := s.store.GetRequest(ctx, sub.ClonedFrom); err != nil {
			return nil, fmt.Errorf("clone source %s: %w", sub.ClonedFrom, err)
		}
	}

	req := &model.Request{
		ID:           model.NewID(),
		Submitter:    p.ID,
		InstanceID:   sub.InstanceID,
		DatabaseName: sub.DatabaseName,
		PayloadKind:  sub.PayloadKind,
		Payload:      sub.Payload,
		ScriptName:   sub.ScriptName,
		Comment:      sub.Comment,
		ClonedFrom:   sub.ClonedFrom,
		State:        model.StatePending,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	s.logger.Info("request submitted",
		"request_id", req.ID,
		"submitter", req.Submitter,
		"instance_id", req.InstanceID,
		"database", req.DatabaseName,
		"payload_kind", req.PayloadKind,
	)
	s.notify(ctx, notify.Event{
		Kind:     "request.pending",
		Severity: notify.SeverityInfo,
		Title:    "Request awaiting review",
		Message:  fmt.Sprintf("%s submitted a %s against %s/%s", req.Submitter, req.PayloadKind, req.InstanceID, req.DatabaseName),
		Fields:   map[string]string{"request_id": req.ID},
	})
	return req, nil
}

// activeTarget requires both the instance and the database to be active.
func (s *Service) activeTarget(ctx context.Context, instanceID, database string) (*model.Instance, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: instance %s does not exist", model.ErrTargetUnavailable, instanceID)
	}
	if err != nil {
		return nil, err
	}
	if !inst.Active {
		return nil, fmt.Errorf("%w: instance %s is not active", model.ErrTargetUnavailable, instanceID)
	}

	db, err := s.store.GetDatabase(ctx, instanceID, database)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: database %s/%s does not exist", model.ErrTargetUnavailable, instanceID, database)
	}
	if err != nil {
		return nil, err
	}
	if !db.Active {
		return nil, fmt.Errorf("%w: database %s/%s is no longer active", model.ErrTargetUnavailable, instanceID, database)
	}
	return inst, nil
}

// Review approves or rejects a Pending request. Only a reviewer whose scope
// covers the target may review, and never their own submission. A request
// that already left Pending yields model.ErrStaleState.
//
// An approved request is handed to the executor. If the pool is saturated
// the request stays Approved and the returned error wraps
// model.ErrPoolSaturated alongside the updated request.
func (s *Service) Review(ctx context.Context, p model.Principal, id string, approve bool, comment string) (*model.Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanReview(req.InstanceID) {
		return nil, fmt.Errorf("%w: %s has no review scope over %s", model.ErrForbidden, p.ID, req.InstanceID)
	}
	if req.Submitter == p.ID {
		return nil, fmt.Errorf("%w: reviewers cannot review their own requests", model.ErrForbidden)
	}

	review := store.Review{
		State:      model.StateRejected,
		Reviewer:   p.ID,
		Comment:    comment,
		ReviewedAt: s.clock.Now().UTC(),
	}
	if approve {
		review.State = model.StateApproved
	}
	if err := s.store.ReviewRequest(ctx, id, review); err != nil {
		return nil, err
	}

	req.State = review.State
	req.Reviewer = review.Reviewer
	req.ReviewComment = review.Comment
	req.ReviewedAt = &review.ReviewedAt

	s.logger.Info("request reviewed", "request_id", id, "reviewer", p.ID, "state", req.State)
	if !approve {
		s.notifyOutcome(ctx, req)
		return req, nil
	}
	return req, s.enqueue(ctx, req)
}

func (s *Service) enqueue(ctx context.Context, req *model.Request) error {
	if s.exec == nil {
		return fmt.Errorf("%w: no executor attached", model.ErrPoolSaturated)
	}
	if err := s.exec.Submit(ctx, req); err != nil {
		s.logger.Warn("approved request not enqueued", "request_id", req.ID, "error", err)
		return err
	}
	return nil
}

// Execute re-submits an Approved request, typically after a previous
// submission was rejected with model.ErrPoolSaturated.
func (s *Service) Execute(ctx context.Context, p model.Principal, id string) (*model.Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.HasRole(model.RoleOperator) && !p.CanReview(req.InstanceID) {
		return nil, fmt.Errorf("%w: %s may not execute requests on %s", model.ErrForbidden, p.ID, req.InstanceID)
	}
	if req.State != model.StateApproved {
		return nil, fmt.Errorf("%w: request %s is %s, not approved", model.ErrStaleState, id, req.State)
	}
	return req, s.enqueue(ctx, req)
}

// Cancel kills a Running request. The pool records it as Failed with error
// code Cancelled.
func (s *Service) Cancel(ctx context.Context, p model.Principal, id string) error {
	if !p.HasRole(model.RoleOperator) {
		return fmt.Errorf("%w: only operators may cancel requests", model.ErrForbidden)
	}
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.State != model.StateRunning {
		return fmt.Errorf("%w: request %s is %s, not running", model.ErrStaleState, id, req.State)
	}
	if s.exec == nil {
		return fmt.Errorf("%w: no executor attached", model.ErrStaleState)
	}
	s.logger.Info("cancelling request", "request_id", id, "operator", p.ID)
	return s.exec.Cancel(id)
}

// Clone copies a request's payload into a new, unpersisted Draft owned by
// the caller. The clone keeps the source instance, which must still exist;
// only the database may be changed.
func (s *Service) Clone(ctx context.Context, p model.Principal, sourceID string, opts CloneOptions) (*model.Request, error) {
	if !p.HasRole(model.RoleSubmitter) {
		return nil, fmt.Errorf("%w: %s may not submit requests", model.ErrForbidden, p.ID)
	}
	src, err := s.store.GetRequest(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if opts.InstanceID != "" && opts.InstanceID != src.InstanceID {
		return nil, fmt.Errorf("%w: a clone must target instance %s", model.ErrInvalidInput, src.InstanceID)
	}
	if _, err := s.store.GetInstance(ctx, src.InstanceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: instance %s no longer exists", model.ErrTargetUnavailable, src.InstanceID)
		}
		return nil, err
	}

	database := src.DatabaseName
	if opts.DatabaseName != "" {
		database = opts.DatabaseName
	}

	return &model.Request{
		Submitter:    p.ID,
		InstanceID:   src.InstanceID,
		DatabaseName: database,
		PayloadKind:  src.PayloadKind,
		Payload:      src.Payload,
		ScriptName:   src.ScriptName,
		Comment:      src.Comment,
		ClonedFrom:   src.ID,
		State:        model.StateDraft,
	}, nil
}

// Start moves an Approved request to Running. If its target is no longer
// active the request goes straight to Failed and
// model.ErrTargetNoLongerAvailable is returned.
func (s *Service) Start(ctx context.Context, id string) (*model.Request, *model.Instance, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.State != model.StateApproved {
		return nil, nil, fmt.Errorf("%w: request %s is %s, not approved", model.ErrStaleState, id, req.State)
	}

	inst, err := s.activeTarget(ctx, req.InstanceID, req.DatabaseName)
	if errors.Is(err, model.ErrTargetUnavailable) {
		gone := fmt.Errorf("%w: %v", model.ErrTargetNoLongerAvailable, err)
		out := model.Outcome{
			State:     model.StateFailed,
			Error:     gone.Error(),
			ErrorCode: model.CodeTargetNoLongerAvailable,
		}
		if ferr := s.store.FinishRequest(ctx, id, model.StateApproved, out, s.clock.Now().UTC()); ferr != nil {
			return nil, nil, fmt.Errorf("fail request: %w", ferr)
		}
		req.State, req.Error, req.ErrorCode = out.State, out.Error, out.ErrorCode
		s.notifyOutcome(ctx, req)
		return nil, nil, gone
	}
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now().UTC()
	if err := s.store.StartRequest(ctx, id, now); err != nil {
		return nil, nil, err
	}
	req.State = model.StateRunning
	req.StartedAt = &now

	s.logger.Info("request running", "request_id", id, "instance_id", req.InstanceID, "database", req.DatabaseName)
	return req, inst, nil
}

// Finish records the terminal outcome of a Running request.
func (s *Service) Finish(ctx context.Context, id string, out model.Outcome) error {
	if err := s.store.FinishRequest(ctx, id, model.StateRunning, out, s.clock.Now().UTC()); err != nil {
		return err
	}

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		s.logger.Warn("outcome notification skipped", "request_id", id, "state", out.State, "error", err)
		return nil
	}
	s.notifyOutcome(ctx, req)
	return nil
}

// Recover reconciles requests left behind by a previous process. Running
// requests are failed; Approved requests are re-submitted in creation order
// until the pool saturates.
func (s *Service) Recover(ctx context.Context) (failed, resubmitted int, err error) {
	running, err := s.store.RequestsInState(ctx, model.StateRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("list running requests: %w", err)
	}
	for _, req := range running {
		out := model.Outcome{
			State:     model.StateFailed,
			Output:    req.Output,
			Error:     model.ErrExecutionFailed.Error() + ": interrupted by restart",
			ErrorCode: model.CodeExecutionFailed,
		}
		if err := s.store.FinishRequest(ctx, req.ID, model.StateRunning, out, s.clock.Now().UTC()); err != nil {
			s.logger.Error("failed to fail interrupted request", "request_id", req.ID, "error", err)
			continue
		}
		failed++
	}

	approved, err := s.store.RequestsInState(ctx, model.StateApproved)
	if err != nil {
		return failed, 0, fmt.Errorf("list approved requests: %w", err)
	}
	for _, req := range approved {
		if err := s.enqueue(ctx, req); err != nil {
			if errors.Is(err, model.ErrPoolSaturated) {
				break
			}
			continue
		}
		resubmitted++
	}

	if failed > 0 || resubmitted > 0 {
		s.logger.Info("recovered requests", "failed", failed, "resubmitted", resubmitted, "approved_waiting", len(approved)-resubmitted)
	}
	return failed, resubmitted, nil
}

func (s *Service) notifyOutcome(ctx context.Context, req *model.Request) {
	severity := notify.SeverityInfo
	switch req.State {
	case model.StateFailed, model.StateTimedOut:
		severity = notify.SeverityWarning
	}

	fields := map[string]string{
		"request_id": req.ID,
		"submitter":  req.Submitter,
		"target":     req.InstanceID + "/" + req.DatabaseName,
	}
	if req.ErrorCode != "" {
		fields["error_code"] = req.ErrorCode
	}
	if req.DurationMS != nil {
		fields["duration_ms"] = strconv.Itoa(*req.DurationMS)
	}

	s.notify(ctx, notify.Event{
		Kind:     "request." + string(req.State),
		Severity: severity,
		Title:    "Request " + strings.ReplaceAll(string(req.State), "_", " "),
		Message:  req.Error,
		Fields:   fields,
	})
}

func (s *Service) notify(ctx context.Context, e notify.Event) {
	if s.notifier == nil {
		return
	}
	e.At = s.clock.Now().UTC()
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.logger.Warn("notification failed", "kind", e.Kind, "error", err)
	}
}
