package driver

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/querygate/internal/model"
)

// Leases bounds the number of concurrent connections opened against each
// engine kind, independently of how many execution slots are busy.
type Leases struct {
	size int64

	mu   sync.Mutex
	sems map[model.EngineKind]*semaphore.Weighted
}

// NewLeases creates a limiter allowing size concurrent leases per engine kind.
func NewLeases(size int64) *Leases {
	if size <= 0 {
		size = 1
	}
	return &Leases{size: size, sems: make(map[model.EngineKind]*semaphore.Weighted)}
}

// Size returns the per-engine bound.
func (l *Leases) Size() int64 {
	return l.size
}

func (l *Leases) sem(kind model.EngineKind) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sems[kind]
	if !ok {
		s = semaphore.NewWeighted(l.size)
		l.sems[kind] = s
	}
	return s
}

// Acquire blocks until a lease for kind is available or ctx is done. The
// returned release func must be called exactly once.
func (l *Leases) Acquire(ctx context.Context, kind model.EngineKind) (func(), error) {
	s := l.sem(kind)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s connection lease: %w", kind, err)
	}
	var once sync.Once
	return func() { once.Do(func() { s.Release(1) }) }, nil
}
