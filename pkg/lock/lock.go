// Package lock is an advisory synchronization collaborator: an abstract
// lock capability wrapping a host mutex, kept separate from
// Store/Chain/IntervalStore rather than embedded in them, so callers opt
// in explicitly.
package lock

import (
	"context"

	"crabdb/pkg/dberr"
)

// Locker is the abstract advisory lock capability.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done. A done ctx
	// surfaces as dberr.ErrTimeout (if ctx.Err() is DeadlineExceeded) or
	// an InvalidParam-wrapped cancellation error.
	Acquire(ctx context.Context) error
	// TryAcquire attempts to acquire without blocking; false with a nil
	// error means the lock is currently held by someone else.
	TryAcquire() (bool, error)
	// Release releases a held lock. Releasing an unheld lock is an error
	// (dberr.ErrInvalidParam), matching a standard mutex's semantics.
	Release() error
}

// mutexLocker implements Locker over a single-slot buffered channel, which
// (unlike a bare sync.Mutex) supports a genuine non-blocking TryAcquire.
type mutexLocker struct {
	slot chan struct{}
}

// NewMutexLocker returns a Locker backed by an in-process host mutex.
func NewMutexLocker() Locker {
	l := &mutexLocker{slot: make(chan struct{}, 1)}
	l.slot <- struct{}{}
	return l
}

func (l *mutexLocker) Acquire(ctx context.Context) error {
	select {
	case <-l.slot:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return dberr.Wrap(dberr.Timeout, "lock acquisition timed out", ctx.Err())
		}
		return dberr.Wrap(dberr.InvalidParam, "lock acquisition canceled", ctx.Err())
	}
}

func (l *mutexLocker) TryAcquire() (bool, error) {
	select {
	case <-l.slot:
		return true, nil
	default:
		return false, nil
	}
}

func (l *mutexLocker) Release() error {
	select {
	case l.slot <- struct{}{}:
		return nil
	default:
		return dberr.Wrap(dberr.InvalidParam, "release of an unheld lock", nil)
	}
}
