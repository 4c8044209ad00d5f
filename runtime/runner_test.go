package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warriorguo/taskgraph/store/mem"
	"github.com/warriorguo/taskgraph/types"
)

func TestSubmitAndRunOnce(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ctx := context.Background()
	createDiamond(t, e)
	_, err := e.CreateGraph(ctx, 200, task(1), []types.TaskVertex{task(2)}, [][2]int64{{1, 2}})
	require.Nil(t, err)

	assert.Nil(t, e.Submit(100, results(1, types.OK)...))
	assert.Nil(t, e.Submit(100, results(2, types.Error, 3, types.Skipped)...))
	assert.Nil(t, e.Submit(200, results(1, types.Error)...))
	assert.Equal(t, 3, e.PendingResults(100))

	assert.Nil(t, e.RunOnce(ctx))
	assert.Equal(t, 0, e.PendingResults(100))

	state, version, _ := e.LoadState(ctx, 100)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, types.StateSnapshot{1: types.OK, 2: types.Error, 3: types.Skipped, 4: types.Skipped}, state)

	state, _, _ = e.LoadState(ctx, 200)
	assert.Equal(t, types.Skipped, state.Get(2))

	// nothing left
	assert.Nil(t, e.RunOnce(ctx))
}

func TestRunOnceRetriesConflicts(t *testing.T) {
	e := newTestEngine(t, &racingRepository{Repository: mem.NewMemStore()}, nil)
	ctx := context.Background()
	createDiamond(t, e)

	assert.Nil(t, e.Submit(100, results(1, types.OK)...))
	assert.Nil(t, e.RunOnce(ctx))
	assert.Equal(t, 1, e.PendingResults(100))

	assert.Nil(t, e.RunOnce(ctx))
	assert.Equal(t, 0, e.PendingResults(100))
	state, _, _ := e.LoadState(ctx, 100)
	assert.Equal(t, types.OK, state.Get(1))
}

func TestRunOnceReportsMissingRun(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	assert.Nil(t, e.Submit(404, results(1, types.OK)...))
	err := e.RunOnce(ctx)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(e.LastApplyError(404)))
	assert.Equal(t, 0, e.PendingResults(404))
}

func TestAutoStart(t *testing.T) {
	opts := newOptions()
	opts.AutoStart = true
	e := newTestEngine(t, nil, opts)
	ctx := context.Background()
	createDiamond(t, e)

	assert.Nil(t, e.Submit(100, results(1, types.OK, 2, types.OK, 3, types.OK)...))
	assert.Eventually(t, func() bool {
		assignable, err := e.FindAssignable(ctx, 100, false)
		return err == nil && len(assignable) == 1 && assignable[0].TaskID == 4
	}, time.Second, 5*time.Millisecond)
}

func TestClosedEngineRefusesResults(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	assert.Nil(t, e.Close())
	assert.Nil(t, e.Close())

	assert.True(t, errors.IsForbidden(e.Submit(1, results(1, types.OK)...)))
	assert.True(t, errors.IsForbidden(e.RunOnce(context.Background())))
}
