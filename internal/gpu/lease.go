package gpu

import "time"

// Lease is an ownership token for a share of the GPU budget. Fields are
// immutable except released, which is guarded by the granting manager's lock.
type Lease struct {
	id         uint64
	kind       Kind
	cost       int64
	acquiredAt time.Time
	mgr        *Manager
	released   bool
}

// ID returns the lease identifier, unique per manager.
func (l *Lease) ID() uint64 { return l.id }

// Kind returns the workload kind the lease was granted for.
func (l *Lease) Kind() Kind { return l.kind }

// Cost returns the budget share held by the lease.
func (l *Lease) Cost() int64 { return l.cost }

// AcquiredAt returns the grant time.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Release returns the lease to its manager.
func (l *Lease) Release() error {
	return l.mgr.Release(l)
}
