package render

import (
	"sync/atomic"

	"github.com/rasterforge/engine/internal/metrics"
)

// Admission enforces the global concurrency cap. Acquisition is a lock-free
// compare-and-swap so a rejected request never blocks behind an admitted one.
type Admission struct {
	limit   int64
	active  atomic.Int64
	metrics *metrics.Collector
}

// NewAdmission creates an admission controller with the given slot limit
func NewAdmission(limit int64, collector *metrics.Collector) *Admission {
	return &Admission{limit: limit, metrics: collector}
}

// TryAcquire claims a render slot. It returns an *AdmissionRejectedError
// when all slots are in use; it never waits.
func (a *Admission) TryAcquire() error {
	for {
		cur := a.active.Load()
		if cur >= a.limit {
			if a.metrics != nil {
				a.metrics.RecordAdmissionRejection()
			}
			return &AdmissionRejectedError{Active: cur, Limit: a.limit}
		}
		if a.active.CompareAndSwap(cur, cur+1) {
			if a.metrics != nil {
				a.metrics.SetAdmissionActive(int(cur + 1))
			}
			return nil
		}
	}
}

// Release returns a previously acquired slot
func (a *Admission) Release() {
	n := a.active.Add(-1)
	if n < 0 {
		// release without acquire is a programming error; clamp rather
		// than poison the counter
		a.active.Store(0)
		n = 0
	}
	if a.metrics != nil {
		a.metrics.SetAdmissionActive(int(n))
	}
}

// Active returns the number of slots currently in use
func (a *Admission) Active() int64 {
	return a.active.Load()
}

// Limit returns the configured slot count
func (a *Admission) Limit() int64 {
	return a.limit
}
