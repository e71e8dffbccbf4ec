package health

import (
	"context"
	"fmt"
	"time"

	sigar "github.com/elastic/gosigar"
	"github.com/raulk/clock"

	"github.com/seantiz/querygate/internal/model"
)

// Check names.
const (
	CheckStore   = "store"
	CheckMemory  = "memory"
	CheckQueue   = "queue"
	CheckSyncAge = "sync_staleness"
)

const (
	staleFactor   = 3
	storeDeadline = 5 * time.Second
)

// Check is one sub-check. Run returns nil on Pass and an error carrying the
// reason on Fail.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pinger reports durable store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck fails when the store is unreachable or a ping takes longer
// than threshold.
func StoreCheck(p Pinger, threshold time.Duration, clk clock.Clock) Check {
	return Check{
		Name: CheckStore,
		Run: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, storeDeadline)
			defer cancel()

			start := clk.Now()
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("store unreachable: %w", err)
			}
			if took := clk.Since(start); took > threshold {
				return fmt.Errorf("store ping took %s, threshold %s", took, threshold)
			}
			return nil
		},
	}
}

// MemorySampler returns available and total memory in bytes.
type MemorySampler func() (free, total uint64, err error)

// SystemMemory samples host memory.
func SystemMemory() (uint64, uint64, error) {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		return 0, 0, err
	}
	return mem.ActualFree, mem.Total, nil
}

// MemoryCheck fails when free/total drops below minFree.
func MemoryCheck(minFree float64, sample MemorySampler) Check {
	if sample == nil {
		sample = SystemMemory
	}
	return Check{
		Name: CheckMemory,
		Run: func(context.Context) error {
			free, total, err := sample()
			if err != nil {
				return fmt.Errorf("sample memory: %w", err)
			}
			if total == 0 {
				return fmt.Errorf("sample memory: total is zero")
			}
			if ratio := float64(free) / float64(total); ratio < minFree {
				return fmt.Errorf("free memory %.1f%% below %.1f%%", ratio*100, minFree*100)
			}
			return nil
		},
	}
}

// QueueGauge exposes the execution pool's queue depth.
type QueueGauge interface {
	QueueDepth() int
	WarnDepth() int
}

// QueueCheck fails while the pool queue is deeper than its warn depth.
func QueueCheck(q QueueGauge) Check {
	return Check{
		Name: CheckQueue,
		Run: func(context.Context) error {
			if depth, warn := q.QueueDepth(), q.WarnDepth(); depth > warn {
				return fmt.Errorf("queue depth %d above %d", depth, warn)
			}
			return nil
		},
	}
}

// InstanceLister lists instances with their sync status.
type InstanceLister interface {
	ListInstances(ctx context.Context, activeOnly bool) ([]*model.Instance, error)
}

// SyncStalenessCheck fails when any active instance has not synced
// successfully within three sync intervals. Instances that never synced are
// given the same grace period, counted from when the check was built.
func SyncStalenessCheck(l InstanceLister, interval time.Duration, clk clock.Clock) Check {
	limit := staleFactor * interval
	since := clk.Now()
	return Check{
		Name: CheckSyncAge,
		Run: func(ctx context.Context) error {
			instances, err := l.ListInstances(ctx, true)
			if err != nil {
				return fmt.Errorf("list instances: %w", err)
			}

			now := clk.Now()
			var stale []string
			for _, inst := range instances {
				last := since
				if inst.LastSuccessAt != nil {
					last = *inst.LastSuccessAt
				}
				if now.Sub(last) > limit {
					stale = append(stale, inst.ID)
				}
			}
			if len(stale) > 0 {
				return fmt.Errorf("no successful sync within %s: %v", limit, stale)
			}
			return nil
		},
	}
}
