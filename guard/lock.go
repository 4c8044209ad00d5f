package guard

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"

	"github.com/warriorguo/taskgraph/types"
)

// maxReaders is the semaphore weight of one run lock: a reader takes 1,
// a writer takes all of it.
const maxReaders = 1 << 20

type writeLockKey struct{ runID int64 }
type readLockKey struct{ runID int64 }

type runLock struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	holder string
}

func (l *runLock) setHolder(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = token
}

func (l *runLock) isHolder(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return token != "" && l.holder == token
}

/**
 * LockManager is the registry of per-run read/write locks.
 *
 * Locks are created lazily and live as long as the manager unless Forget
 * is called for a run which is known to be finished.
 *
 * Holding a lock is recorded in the context handed to the callback, so the
 * "execution context" of a lock is the context chain, not the goroutine.
 */
type LockManager struct {
	mu    sync.Mutex
	locks map[int64]*runLock
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[int64]*runLock)}
}

func (m *LockManager) get(runID int64) *runLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, exists := m.locks[runID]
	if !exists {
		l = &runLock{sem: semaphore.NewWeighted(maxReaders)}
		m.locks[runID] = l
	}
	return l
}

// acquire retries when the entry was forgotten while waiting on it.
func (m *LockManager) acquire(ctx context.Context, runID int64, weight int64) (*runLock, error) {
	for {
		l := m.get(runID)
		if err := l.sem.Acquire(ctx, weight); err != nil {
			return nil, err
		}
		m.mu.Lock()
		current := m.locks[runID]
		m.mu.Unlock()
		if current == l {
			return l, nil
		}
		l.sem.Release(weight)
	}
}

// Size returns the amount of runs which currently own a lock entry.
func (m *LockManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

/**
 * WithWriteLock runs fn while holding the write lock of runID.
 * Waiting for the lock is abandoned when ctx is done.
 *
 * It panics with *types.LockViolation if ctx already holds a lock of runID
 * or if a unit of work is already open in ctx.
 */
func (m *LockManager) WithWriteLock(ctx context.Context, runID int64, fn func(ctx context.Context) error) error {
	if InUnitOfWork(ctx) {
		panic(types.NewLockViolation(runID, "run %d: write lock requested inside an open unit of work", runID))
	}
	if m.HoldsWriteLock(ctx, runID) {
		panic(types.NewLockViolation(runID, "run %d: write lock is already held by this context", runID))
	}
	if holdsReadLock(ctx, runID) {
		panic(types.NewLockViolation(runID, "run %d: read lock can not be upgraded to a write lock", runID))
	}

	l, err := m.acquire(ctx, runID, maxReaders)
	if err != nil {
		return errors.Timeoutf("run %d: acquire write lock: %v", runID, err)
	}
	token := uuid.NewString()
	l.setHolder(token)
	defer func() {
		l.setHolder("")
		l.sem.Release(maxReaders)
	}()

	return fn(context.WithValue(ctx, writeLockKey{runID}, token))
}

// TryWithWriteLock runs fn only if the write lock of runID is free right now.
// It reports whether fn was run.
func (m *LockManager) TryWithWriteLock(ctx context.Context, runID int64, fn func(ctx context.Context) error) (bool, error) {
	if InUnitOfWork(ctx) {
		panic(types.NewLockViolation(runID, "run %d: write lock requested inside an open unit of work", runID))
	}
	if m.HoldsWriteLock(ctx, runID) || holdsReadLock(ctx, runID) {
		panic(types.NewLockViolation(runID, "run %d: lock of this run is already held by this context", runID))
	}

	l := m.get(runID)
	if !l.sem.TryAcquire(maxReaders) {
		return false, nil
	}
	m.mu.Lock()
	current := m.locks[runID]
	m.mu.Unlock()
	if current != l {
		l.sem.Release(maxReaders)
		return false, nil
	}

	token := uuid.NewString()
	l.setHolder(token)
	defer func() {
		l.setHolder("")
		l.sem.Release(maxReaders)
	}()
	return true, fn(context.WithValue(ctx, writeLockKey{runID}, token))
}

// WithReadLock runs fn while holding the read lock of runID. A context which
// already holds the write lock or a read lock of runID does not lock again.
func (m *LockManager) WithReadLock(ctx context.Context, runID int64, fn func(ctx context.Context) error) error {
	if m.HoldsWriteLock(ctx, runID) || holdsReadLock(ctx, runID) {
		return fn(ctx)
	}

	l, err := m.acquire(ctx, runID, 1)
	if err != nil {
		return errors.Timeoutf("run %d: acquire read lock: %v", runID, err)
	}
	defer l.sem.Release(1)

	return fn(context.WithValue(ctx, readLockKey{runID}, true))
}

// HoldsWriteLock reports whether ctx carries the token of the current write holder of runID.
func (m *LockManager) HoldsWriteLock(ctx context.Context, runID int64) bool {
	token, _ := ctx.Value(writeLockKey{runID}).(string)
	return token != "" && m.get(runID).isHolder(token)
}

func holdsReadLock(ctx context.Context, runID int64) bool {
	held, _ := ctx.Value(readLockKey{runID}).(bool)
	return held
}

// CheckWriteLockPresent panics unless ctx is inside WithWriteLock of runID.
func (m *LockManager) CheckWriteLockPresent(ctx context.Context, runID int64) {
	if !m.HoldsWriteLock(ctx, runID) {
		panic(types.NewLockViolation(runID, "run %d: must be locked by write lock", runID))
	}
}

// Forget drops the lock entry of a finished run. It returns false and keeps
// the entry when the lock is held or waited for.
func (m *LockManager) Forget(runID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, exists := m.locks[runID]
	if !exists {
		return true
	}
	if !l.sem.TryAcquire(maxReaders) {
		return false
	}
	delete(m.locks, runID)
	l.sem.Release(maxReaders)
	return true
}
