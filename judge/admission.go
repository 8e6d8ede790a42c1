package judge

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Admission bounds how many sandboxes run at once. Callers over capacity
// wait in FIFO order for a slot.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// Slot is a unit of admitted capacity. Releasing a slot more than once is a
// no-op.
type Slot struct {
	once sync.Once
}

// NewAdmission returns an Admission with the given capacity. Capacities
// below one are raised to one.
func NewAdmission(capacity int) *Admission {
	if capacity < 1 {
		capacity = 1
	}
	return &Admission{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (a *Admission) Acquire(ctx context.Context) (*Slot, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	a.inUse.Add(1)
	return &Slot{}, nil
}

// Release returns the slot's capacity.
func (a *Admission) Release(s *Slot) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		a.inUse.Add(-1)
		a.sem.Release(1)
	})
}

// InUse returns the number of slots currently held.
func (a *Admission) InUse() int {
	return int(a.inUse.Load())
}

// Capacity returns the fixed number of slots.
func (a *Admission) Capacity() int {
	return int(a.capacity)
}
