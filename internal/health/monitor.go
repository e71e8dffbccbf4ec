// Package health periodically samples store latency, memory headroom, pool
// queue depth and sync freshness, and escalates persistent failures.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/raulk/clock"

	"github.com/seantiz/querygate/internal/notify"
)

// Composite statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultFailures = 2
	DefaultCooldown = 30 * time.Second

	maxGoroutines = 10000
)

// Result is the latest outcome of one sub-check.
type Result struct {
	Name             string    `json:"name"`
	Pass             bool      `json:"pass"`
	Reason           string    `json:"reason,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Report is the composite health status.
type Report struct {
	Status    string    `json:"status"`
	Checks    []Result  `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Failures int
	Cooldown time.Duration
	Clock    clock.Clock
}

type checkState struct {
	result    Result
	alertedAt time.Time
}

// Monitor runs sub-checks on an interval. It only reports; it never acts on
// the components it checks.
type Monitor struct {
	checks   []Check
	notifier notify.Notifier
	logger   *slog.Logger
	opts     Options

	mu     sync.RWMutex
	states map[string]*checkState
	report Report
}

// NewMonitor creates a monitor over checks. Escalations go to n.
func NewMonitor(checks []Check, n notify.Notifier, logger *slog.Logger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Failures <= 0 {
		opts.Failures = DefaultFailures
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	m := &Monitor{
		checks:   checks,
		notifier: n,
		logger:   logger,
		opts:     opts,
		states:   make(map[string]*checkState, len(checks)),
		report:   Report{Status: StatusOK, Checks: []Result{}},
	}
	for _, c := range checks {
		m.states[c.Name] = &checkState{result: Result{Name: c.Name, Pass: true}}
	}
	return m
}

// Run evaluates immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Evaluate(ctx)

	ticker := m.opts.Clock.Ticker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate runs every sub-check once and returns the composite report.
func (m *Monitor) Evaluate(ctx context.Context) Report {
	now := m.opts.Clock.Now().UTC()

	// Checks run without the lock so that readers of the last report never
	// wait on a slow check.
	errs := make([]error, len(m.checks))
	for i, c := range m.checks {
		errs[i] = c.Run(ctx)
	}

	var escalate []Result
	results := make([]Result, 0, len(m.checks))

	m.mu.Lock()
	for i, c := range m.checks {
		err := errs[i]
		st := m.states[c.Name]
		st.result.CheckedAt = now

		if err == nil {
			st.result.Pass = true
			st.result.Reason = ""
			st.result.ConsecutiveFails = 0
			checkPassing.WithLabelValues(c.Name).Set(1)
			results = append(results, st.result)
			continue
		}

		st.result.Pass = false
		st.result.Reason = err.Error()
		st.result.ConsecutiveFails++
		checkPassing.WithLabelValues(c.Name).Set(0)
		m.logger.Warn("health check failed", "check", c.Name, "reason", st.result.Reason, "consecutive", st.result.ConsecutiveFails)

		if st.result.ConsecutiveFails >= m.opts.Failures &&
			(st.alertedAt.IsZero() || now.Sub(st.alertedAt) >= m.opts.Cooldown) {
			st.alertedAt = now
			escalate = append(escalate, st.result)
		}
		results = append(results, st.result)
	}

	status := StatusOK
	for _, r := range results {
		if !r.Pass {
			status = StatusDegraded
			break
		}
	}
	m.report = Report{Status: status, Checks: results, CheckedAt: now}
	report := m.report
	m.mu.Unlock()

	for _, r := range escalate {
		escalationsTotal.WithLabelValues(r.Name).Inc()
		m.alert(ctx, r)
	}
	return report
}

func (m *Monitor) alert(ctx context.Context, r Result) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(ctx, notify.Event{
		Kind:     "health." + r.Name,
		Severity: notify.SeverityCritical,
		Title:    fmt.Sprintf("Health check %s failing", r.Name),
		Message:  r.Reason,
		Fields: map[string]string{
			"check":       r.Name,
			"consecutive": strconv.Itoa(r.ConsecutiveFails),
		},
		At: r.CheckedAt,
	})
	if err != nil {
		m.logger.Error("health escalation failed", "check", r.Name, "error", err)
	}
}

// Report returns the latest composite report.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.report
	r.Checks = append([]Result(nil), m.report.Checks...)
	return r
}

func (m *Monitor) latest(name string) Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[name].result
}

// Handler serves /live and /ready. Readiness reflects the latest result of
// every sub-check without re-running it.
func (m *Monitor) Handler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	for _, c := range m.checks {
		name := c.Name
		h.AddReadinessCheck(name, func() error {
			if r := m.latest(name); !r.Pass {
				return errors.New(r.Reason)
			}
			return nil
		})
	}
	return h
}
