// Package gpu implements admission control for the single shared GPU.
//
// The Manager tracks a total cost budget and the cost of every outstanding
// lease. Acquire grants a lease only while the sum of outstanding costs plus the
// requested cost stays within the budget; otherwise the caller joins a single
// FIFO queue shared by all workload kinds. A waiter that times out or is
// cancelled leaves the queue under the same lock that grants, so the budget is
// never charged for a caller that did not receive its lease.
package gpu

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
)

// Kind is a GPU-bound workload type.
type Kind string

const (
	KindDetection  Kind = "detection"
	KindGeneration Kind = "generation"
)

// Kinds lists every tracked workload kind.
var Kinds = []Kind{KindDetection, KindGeneration}

func (k Kind) valid() bool {
	return k == KindDetection || k == KindGeneration
}

var (
	// ErrDoubleRelease is returned when a lease is released more than once.
	ErrDoubleRelease = errors.New("gpu: lease already released")

	// ErrForeignLease is returned when a lease is released on a manager that did not grant it.
	ErrForeignLease = errors.New("gpu: lease not granted by this manager")
)

// Observer receives accounting events. Calls are made with the manager lock held
// and must not call back into the manager.
type Observer interface {
	Acquired(kind Kind, wait time.Duration)
	Released(kind Kind, held time.Duration)
	Rejected(kind Kind, code string)
	Usage(outstanding int64, waiting int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver attaches an accounting observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the manager's logger.
func WithLogger(l logr.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type waiter struct {
	kind       Kind
	cost       int64
	enqueuedAt time.Time
	ready      chan struct{}
	// lease is set under the manager lock before ready is closed.
	lease *Lease
}

// Manager grants GPU leases against a fixed cost budget.
type Manager struct {
	mu          sync.Mutex
	total       int64
	outstanding int64
	nextID      uint64
	active      map[uint64]*Lease
	waiters     *list.List

	totalAcquired  uint64
	totalReleased  uint64
	totalTimeouts  uint64
	totalCancelled uint64

	observer Observer
	logger   logr.Logger
}

// NewManager creates a manager with the given total budget.
func NewManager(total int64, opts ...Option) (*Manager, error) {
	if total <= 0 {
		return nil, errcode.New(errcode.ConfigurationError, "gpu total budget must be positive, got %d", total)
	}
	m := &Manager{
		total:   total,
		active:  make(map[uint64]*Lease),
		waiters: list.New(),
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Total returns the configured budget.
func (m *Manager) Total() int64 {
	return m.total
}

// Acquire blocks until cost fits in the budget, timeout elapses or ctx is done.
// A cost that can never fit fails immediately with a ConfigurationError. Timeout
// yields ResourceExhausted carrying a retry-after hint; cancellation yields Cancelled.
// A non-positive timeout means the lease is granted only if it is available now.
func (m *Manager) Acquire(ctx context.Context, kind Kind, cost int64, timeout time.Duration) (*Lease, error) {
	if !kind.valid() {
		return nil, errcode.New(errcode.ConfigurationError, "unknown gpu workload kind %q", kind)
	}
	if cost <= 0 {
		return nil, errcode.New(errcode.ConfigurationError, "%s cost must be positive, got %d", kind, cost)
	}
	if cost > m.total {
		m.reject(kind, errcode.ConfigurationError)
		return nil, errcode.New(errcode.ConfigurationError, "%s cost %d exceeds gpu budget %d", kind, cost, m.total)
	}
	if err := ctx.Err(); err != nil {
		m.reject(kind, errcode.Cancelled)
		return nil, errcode.Wrap(errcode.Cancelled, err, "gpu acquire for %s", kind)
	}

	now := time.Now()
	m.mu.Lock()
	// Only jump straight in when nobody is queued; otherwise FIFO would be violated.
	if m.waiters.Len() == 0 && m.outstanding+cost <= m.total {
		lease := m.grantLocked(kind, cost, now)
		m.mu.Unlock()
		return lease, nil
	}
	if timeout <= 0 {
		m.totalTimeouts++
		m.rejectLocked(kind, errcode.ResourceExhausted)
		m.mu.Unlock()
		return nil, errcode.Exhausted(time.Second, "gpu budget unavailable for %s", kind)
	}
	w := &waiter{kind: kind, cost: cost, enqueuedAt: now, ready: make(chan struct{})}
	elem := m.waiters.PushBack(w)
	m.usageLocked()
	m.mu.Unlock()

	m.logger.V(logutil.DEBUG).Info("Queued for GPU", "kind", kind, "cost", cost, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var code string
	var cause error
	select {
	case <-w.ready:
		return w.lease, nil
	case <-timer.C:
		code = errcode.ResourceExhausted
	case <-ctx.Done():
		code = errcode.Cancelled
		cause = ctx.Err()
	}

	m.mu.Lock()
	if w.lease != nil {
		// Granted between the wake-up and re-locking. Hand the budget back.
		m.releaseLocked(w.lease)
	} else {
		m.waiters.Remove(elem)
		// A removed head may have been blocking smaller requests behind it.
		m.dispatchLocked()
	}
	if code == errcode.ResourceExhausted {
		m.totalTimeouts++
	} else {
		m.totalCancelled++
	}
	m.rejectLocked(kind, code)
	m.mu.Unlock()

	if code == errcode.Cancelled {
		return nil, errcode.Wrap(errcode.Cancelled, cause, "gpu acquire for %s", kind)
	}
	m.logger.V(logutil.DEFAULT).Info("GPU acquire timed out", "kind", kind, "cost", cost, "timeout", timeout)
	return nil, errcode.Exhausted(retryAfter(timeout), "gpu acquire for %s timed out after %s", kind, timeout)
}

// Release returns the lease's cost to the budget. A lease may be released once.
func (m *Manager) Release(l *Lease) error {
	if l == nil || l.mgr != m {
		return errcode.Wrap(errcode.Internal, ErrForeignLease, "release")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.released {
		return errcode.Wrap(errcode.Internal, ErrDoubleRelease, "release lease %d", l.id)
	}
	m.releaseLocked(l)
	return nil
}

func (m *Manager) grantLocked(kind Kind, cost int64, enqueuedAt time.Time) *Lease {
	m.nextID++
	now := time.Now()
	l := &Lease{id: m.nextID, kind: kind, cost: cost, acquiredAt: now, mgr: m}
	m.outstanding += cost
	m.active[l.id] = l
	m.totalAcquired++
	if m.observer != nil {
		m.observer.Acquired(kind, now.Sub(enqueuedAt))
	}
	m.usageLocked()
	return l
}

func (m *Manager) releaseLocked(l *Lease) {
	l.released = true
	m.outstanding -= l.cost
	delete(m.active, l.id)
	m.totalReleased++
	if m.observer != nil {
		m.observer.Released(l.kind, time.Since(l.acquiredAt))
	}
	m.dispatchLocked()
}

// dispatchLocked grants leases to queued waiters in arrival order, stopping at
// the first waiter that does not fit.
func (m *Manager) dispatchLocked() {
	for front := m.waiters.Front(); front != nil; front = m.waiters.Front() {
		w := front.Value.(*waiter)
		if m.outstanding+w.cost > m.total {
			break
		}
		m.waiters.Remove(front)
		w.lease = m.grantLocked(w.kind, w.cost, w.enqueuedAt)
		close(w.ready)
	}
	m.usageLocked()
}

func (m *Manager) usageLocked() {
	if m.observer != nil {
		m.observer.Usage(m.outstanding, m.waiters.Len())
	}
}

func (m *Manager) reject(kind Kind, code string) {
	m.mu.Lock()
	m.rejectLocked(kind, code)
	m.mu.Unlock()
}

func (m *Manager) rejectLocked(kind Kind, code string) {
	if m.observer != nil {
		m.observer.Rejected(kind, code)
	}
}

func retryAfter(timeout time.Duration) time.Duration {
	if timeout < time.Second {
		return time.Second
	}
	return timeout
}
