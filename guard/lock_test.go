package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/warriorguo/taskgraph/types"
)

func assertViolation(t *testing.T, f func()) {
	defer func() {
		r := recover()
		assert.NotNil(t, r)
		_, ok := r.(*types.LockViolation)
		assert.True(t, ok, "expect *types.LockViolation, got %T", r)
	}()
	f()
}

func TestWriteLockIsExclusive(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	var running, maxRunning int32
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Nil(t, m.WithWriteLock(ctx, 42, func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxRunning)
					if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			}))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning)
}

func TestReadLocksShare(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithReadLock(ctx, 1, func(ctx context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan struct{})
	go func() {
		_ = m.WithReadLock(ctx, 1, func(ctx context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked")
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := m.WithWriteLock(tctx, 1, func(ctx context.Context) error { return nil })
	assert.True(t, errors.IsTimeout(err))
	close(release)
}

func TestDifferentRunsDoNotBlock(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	assert.Nil(t, m.WithWriteLock(ctx, 1, func(ctx context.Context) error {
		return m.WithWriteLock(ctx, 2, func(ctx context.Context) error {
			assert.True(t, m.HoldsWriteLock(ctx, 1))
			assert.True(t, m.HoldsWriteLock(ctx, 2))
			return nil
		})
	}))
	assert.Equal(t, 2, m.Size())
}

func TestWriteLockReentryPanics(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	_ = m.WithWriteLock(ctx, 7, func(ctx context.Context) error {
		assertViolation(t, func() {
			_ = m.WithWriteLock(ctx, 7, func(ctx context.Context) error { return nil })
		})
		// reading under the write lock is allowed
		assert.Nil(t, m.WithReadLock(ctx, 7, func(ctx context.Context) error { return nil }))
		return nil
	})

	_ = m.WithReadLock(ctx, 7, func(ctx context.Context) error {
		assertViolation(t, func() {
			_ = m.WithWriteLock(ctx, 7, func(ctx context.Context) error { return nil })
		})
		return nil
	})
}

func TestWriteLockInsideUnitOfWorkPanics(t *testing.T) {
	m := NewLockManager()
	_ = UnitOfWork(context.Background(), func(ctx context.Context) error {
		assertViolation(t, func() {
			_ = m.WithWriteLock(ctx, 3, func(ctx context.Context) error { return nil })
		})
		return nil
	})
}

func TestCheckWriteLockPresent(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	assertViolation(t, func() { m.CheckWriteLockPresent(ctx, 5) })

	var leaked context.Context
	_ = m.WithWriteLock(ctx, 5, func(ctx context.Context) error {
		m.CheckWriteLockPresent(ctx, 5)
		assertViolation(t, func() { m.CheckWriteLockPresent(ctx, 6) })
		leaked = ctx
		return nil
	})

	// a context outliving its lock holds nothing
	assertViolation(t, func() { m.CheckWriteLockPresent(leaked, 5) })
	assert.Nil(t, m.WithWriteLock(leaked, 5, func(ctx context.Context) error { return nil }))
}

func TestCheckMutation(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	_ = m.WithWriteLock(ctx, 9, func(ctx context.Context) error {
		assertViolation(t, func() { m.CheckMutation(ctx, 9) })
		return UnitOfWork(ctx, func(ctx context.Context) error {
			assert.True(t, InUnitOfWork(ctx))
			m.CheckMutation(ctx, 9)
			return UnitOfWork(ctx, func(ctx context.Context) error {
				m.CheckMutation(ctx, 9)
				return nil
			})
		})
	})
	assertViolation(t, func() { CheckUnitOfWork(ctx, 9) })
}

func TestWriteLockPropagatesError(t *testing.T) {
	m := NewLockManager()
	err := m.WithWriteLock(context.Background(), 1, func(ctx context.Context) error {
		return errors.NotFoundf("run 1")
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestTryWithWriteLock(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	ok, err := m.TryWithWriteLock(ctx, 4, func(ctx context.Context) error {
		m.CheckWriteLockPresent(ctx, 4)

		inner := make(chan bool)
		go func() {
			ran, _ := m.TryWithWriteLock(context.Background(), 4, func(ctx context.Context) error { return nil })
			inner <- ran
		}()
		assert.False(t, <-inner)
		return nil
	})
	assert.True(t, ok)
	assert.Nil(t, err)
}

func TestForget(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	assert.True(t, m.Forget(11))
	_ = m.WithWriteLock(ctx, 11, func(ctx context.Context) error {
		assert.False(t, m.Forget(11))
		return nil
	})
	assert.Equal(t, 1, m.Size())
	assert.True(t, m.Forget(11))
	assert.Equal(t, 0, m.Size())
}
