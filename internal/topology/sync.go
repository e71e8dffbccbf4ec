// Package topology reconciles the live database inventory of every active
// instance against the cached inventory in the store.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/querygate/internal/config"
	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/model"
	"github.com/seantiz/querygate/internal/store"
)

// ErrPassInFlight is returned to scheduled triggers when a pass for the same
// instance is already running.
var ErrPassInFlight = errors.New("sync pass already in flight")

const (
	DefaultInterval    = 5 * time.Minute
	DefaultTimeout     = 10 * time.Second
	DefaultParallelism = 4
)

// Credentials resolves the connection credential of an instance.
type Credentials interface {
	Resolve(inst model.Instance) (config.Credential, error)
}

// Options configures a Service.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	Parallelism int
	Clock       clock.Clock
}

// Service runs sync passes. Passes for one instance are serialized; passes
// for different instances run in parallel.
type Service struct {
	store   store.Store
	drivers *driver.Registry
	creds   Credentials
	leases  *driver.Leases
	logger  *slog.Logger
	opts    Options

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewService creates a sync service.
func NewService(s store.Store, drivers *driver.Registry, creds Credentials, leases *driver.Leases, logger *slog.Logger, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Service{
		store:   s,
		drivers: drivers,
		creds:   creds,
		leases:  leases,
		logger:  logger,
		opts:    opts,
		locks:   make(map[string]*semaphore.Weighted),
	}
}

// Interval returns the scheduled pass interval.
func (s *Service) Interval() time.Duration {
	return s.opts.Interval
}

func (s *Service) lock(instanceID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[instanceID]
	if !ok {
		l = semaphore.NewWeighted(1)
		s.locks[instanceID] = l
	}
	return l
}

// Run performs a startup pass and then a scheduled pass every interval
// until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if _, err := s.SyncAll(ctx, model.TriggerStartup); err != nil {
		s.logger.Warn("startup sync incomplete", "error", err)
	}

	ticker := s.opts.Clock.Ticker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncAll(ctx, model.TriggerScheduled); err != nil {
				s.logger.Warn("scheduled sync incomplete", "error", err)
			}
		}
	}
}

// SyncAll runs one pass over every active instance. One instance failing
// never stops the others; the returned error wraps
// model.ErrSyncPartialFailure when any pass failed. Instances skipped by a
// scheduled trigger are left out of the returned runs.
func (s *Service) SyncAll(ctx context.Context, trigger model.SyncTrigger) ([]*model.SyncRun, error) {
	instances, err := s.store.ListInstances(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var (
		mu   sync.Mutex
		runs []*model.SyncRun
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Parallelism)
	for _, inst := range instances {
		g.Go(func() error {
			run, err := s.SyncInstance(ctx, inst.ID, trigger)
			if errors.Is(err, ErrPassInFlight) {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if run != nil {
				runs = append(runs, run)
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(runs, func(i, j int) bool { return runs[i].InstanceID < runs[j].InstanceID })
	if len(errs) > 0 {
		return runs, fmt.Errorf("%w: %d of %d instances failed: %w",
			model.ErrSyncPartialFailure, len(errs), len(instances), errors.Join(errs...))
	}
	return runs, nil
}

// SyncInstance runs one pass over one instance and records its SyncRun.
// Scheduled triggers return ErrPassInFlight instead of waiting for a pass
// that is already running; other triggers wait their turn.
func (s *Service) SyncInstance(ctx context.Context, instanceID string, trigger model.SyncTrigger) (*model.SyncRun, error) {
	l := s.lock(instanceID)
	if trigger == model.TriggerScheduled {
		if !l.TryAcquire(1) {
			s.logger.Debug("skipping sync, pass in flight", "instance_id", instanceID)
			return nil, ErrPassInFlight
		}
	} else if err := l.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for sync of %s: %w", instanceID, err)
	}
	defer l.Release(1)

	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Active {
		return nil, fmt.Errorf("%w: instance %s is not active", model.ErrTargetUnavailable, instanceID)
	}

	clk := s.opts.Clock
	run := &model.SyncRun{
		ID:         model.NewID(),
		InstanceID: inst.ID,
		Trigger:    trigger,
		StartedAt:  clk.Now().UTC(),
	}

	passErr := s.pass(ctx, inst, run)
	elapsed := clk.Since(run.StartedAt)
	run.DurationMS = int(elapsed.Milliseconds())
	run.Status = model.SyncStatusSucceeded
	if passErr != nil {
		run.Status = model.SyncStatusFailed
		run.Error = passErr.Error()
	}

	syncRunsTotal.WithLabelValues(string(trigger), run.Status).Inc()
	syncDuration.Observe(elapsed.Seconds())

	if err := s.store.RecordSyncRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("record sync run: %w", err)
	}

	if passErr != nil {
		s.logger.Warn("sync pass failed", "instance_id", inst.ID, "trigger", trigger, "error", passErr)
		return run, fmt.Errorf("%w: instance %s: %w", model.ErrSyncPartialFailure, inst.ID, passErr)
	}
	s.logger.Info("sync pass complete",
		"instance_id", inst.ID,
		"trigger", trigger,
		"found", run.Found,
		"added", run.Added,
		"removed", run.Removed,
		"duration_ms", run.DurationMS,
	)
	return run, nil
}

// pass lists, filters, diffs and applies. Nothing is written unless the
// listing completes within the timeout.
func (s *Service) pass(ctx context.Context, inst *model.Instance, run *model.SyncRun) error {
	names, err := s.listDatabases(ctx, inst)
	if err != nil {
		return err
	}

	entries, err := s.store.ListBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	bl, err := model.NewBlacklist(entries)
	if err != nil {
		return err
	}
	kept, excluded := bl.Filter(lo.Uniq(names))

	rows, err := s.store.ListDatabases(ctx, inst.ID, false)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	active := lo.Map(rows, func(d *model.Database, _ int) string { return d.Name })

	diff := Diff(kept, active)
	if err := s.store.ApplyInventory(ctx, inst.ID, diff, s.opts.Clock.Now().UTC()); err != nil {
		return fmt.Errorf("apply inventory: %w", err)
	}

	run.Found = len(kept)
	run.Added = len(diff.Added)
	run.Removed = len(diff.Removed)
	syncChangesTotal.WithLabelValues("added").Add(float64(run.Added))
	syncChangesTotal.WithLabelValues("removed").Add(float64(run.Removed))

	if len(excluded) > 0 {
		s.logger.Debug("blacklisted databases excluded", "instance_id", inst.ID, "excluded", excluded)
	}
	return nil
}

func (s *Service) listDatabases(ctx context.Context, inst *model.Instance) ([]string, error) {
	d, err := s.drivers.Resolve(inst.Engine)
	if err != nil {
		return nil, err
	}
	cred, err := s.creds.Resolve(*inst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTargetUnavailable, err)
	}

	listCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	release, err := s.leases.Acquire(listCtx, inst.Engine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTimedOut, err)
	}
	defer release()

	names, err := d.ListDatabases(listCtx, driver.NewTarget(*inst, cred))
	if err != nil {
		if errors.Is(listCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: list databases exceeded %s: %v", model.ErrTimedOut, s.opts.Timeout, err)
		}
		return nil, err
	}
	return names, nil
}

// Diff compares the filtered live names against the active inventory.
// Results are sorted.
func Diff(live, active []string) model.InventoryDiff {
	added, removed := lo.Difference(live, active)
	seen := lo.Intersect(live, active)
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(seen)
	return model.InventoryDiff{Added: added, Removed: removed, Seen: seen}
}
