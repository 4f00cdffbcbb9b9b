package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/fairagro/sql2arc/pkg/metrics"
)

// AdmissionGate bounds the number of record groups in flight between
// "fetched from the source" and "uploaded or failed". It is sized
// independently of the worker pool.
type AdmissionGate struct {
	sem      *semaphore.Weighted
	capacity int64

	inFlight atomic.Int64
	peak     atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
}

// GateStats is a snapshot of gate counters
type GateStats struct {
	Capacity int64 `json:"capacity"`
	InFlight int64 `json:"in_flight"`
	Peak     int64 `json:"peak"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
}

// NewAdmissionGate creates a gate with the given capacity (minimum 1)
func NewAdmissionGate(capacity int) *AdmissionGate {
	if capacity <= 0 {
		capacity = 1
	}
	return &AdmissionGate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is free or ctx is done
func (g *AdmissionGate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.acquired.Add(1)
	current := g.inFlight.Add(1)
	g.updatePeak(current)
	metrics.GateInFlight.Set(float64(current))
	return nil
}

// Release frees one slot. Releasing a slot that was never acquired panics.
func (g *AdmissionGate) Release() {
	current := g.inFlight.Add(-1)
	if current < 0 {
		panic("pipeline: admission gate released more than acquired")
	}
	g.released.Add(1)
	metrics.GateInFlight.Set(float64(current))
	g.sem.Release(1)
}

func (g *AdmissionGate) updatePeak(current int64) {
	for {
		peak := g.peak.Load()
		if current <= peak || g.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

// Capacity returns the gate capacity
func (g *AdmissionGate) Capacity() int {
	return int(g.capacity)
}

// InFlight returns the number of held slots
func (g *AdmissionGate) InFlight() int64 {
	return g.inFlight.Load()
}

// Peak returns the highest number of simultaneously held slots
func (g *AdmissionGate) Peak() int64 {
	return g.peak.Load()
}

// Stats returns a snapshot of the gate counters
func (g *AdmissionGate) Stats() GateStats {
	return GateStats{
		Capacity: g.capacity,
		InFlight: g.inFlight.Load(),
		Peak:     g.peak.Load(),
		Acquired: g.acquired.Load(),
		Released: g.released.Load(),
	}
}
