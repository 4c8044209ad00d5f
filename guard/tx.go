package guard

import (
	"context"

	"github.com/warriorguo/taskgraph/types"
)

type unitOfWorkKey struct{}

// UnitOfWork marks ctx as being inside the unit of work which persists a
// mutation. A nested call joins the unit already open in ctx.
func UnitOfWork(ctx context.Context, fn func(ctx context.Context) error) error {
	if InUnitOfWork(ctx) {
		return fn(ctx)
	}
	return fn(context.WithValue(ctx, unitOfWorkKey{}, true))
}

func InUnitOfWork(ctx context.Context) bool {
	open, _ := ctx.Value(unitOfWorkKey{}).(bool)
	return open
}

// CheckUnitOfWork panics when no unit of work is open in ctx.
func CheckUnitOfWork(ctx context.Context, runID int64) {
	if !InUnitOfWork(ctx) {
		panic(types.NewLockViolation(runID, "run %d: mutation outside of a unit of work", runID))
	}
}

// CheckMutation is the precondition of every graph or state mutation: the
// write lock of runID is held and a unit of work is open.
func (m *LockManager) CheckMutation(ctx context.Context, runID int64) {
	m.CheckWriteLockPresent(ctx, runID)
	CheckUnitOfWork(ctx, runID)
}
