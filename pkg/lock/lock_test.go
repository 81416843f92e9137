package lock

import (
	"context"
	"testing"
	"time"

	"crabdb/pkg/dberr"

	"github.com/stretchr/testify/require"
)

func TestTryAcquire_ContentionReportsFalse(t *testing.T) {
	l := NewMutexLocker()
	ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryAcquire()
	require.NoError(t, err)
	require.False(t, ok, "second TryAcquire should observe contention")
}

func TestRelease_ThenReacquire(t *testing.T) {
	l := NewMutexLocker()
	ok, _ := l.TryAcquire()
	require.True(t, ok)

	require.NoError(t, l.Release())

	ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRelease_UnheldLockErrors(t *testing.T) {
	l := NewMutexLocker()
	err := l.Release()
	require.Error(t, err)
	require.Equal(t, dberr.InvalidParam, dberr.KindOf(err))
}

func TestAcquire_BlocksUntilReleased(t *testing.T) {
	l := NewMutexLocker()
	ok, _ := l.TryAcquire()
	require.True(t, ok)

	acquired := make(chan struct{})
	go func() {
		ctx := context.Background()
		_ = l.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire returned before the lock was released")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, l.Release())

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestAcquire_TimesOutOnExpiredContext(t *testing.T) {
	l := NewMutexLocker()
	ok, _ := l.TryAcquire()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	require.Error(t, err)
	require.Equal(t, dberr.Timeout, dberr.KindOf(err))
}
