package types_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warriorguo/taskgraph/types"
)

func TestFinishedAndTerminalSets(t *testing.T) {
	finished := map[types.TaskExecState]bool{
		types.OK: true, types.Error: true, types.Skipped: true, types.ErrorWithRecovery: true,
	}
	terminal := map[types.TaskExecState]bool{
		types.OK: true, types.Error: true, types.Skipped: true,
	}
	for _, state := range types.AllTaskExecStates() {
		assert.Equal(t, finished[state], state.IsFinished(), state.String())
		assert.Equal(t, terminal[state], state.IsTerminal(), state.String())
	}
}

func TestIsNotStarted(t *testing.T) {
	assert.True(t, types.None.IsNotStarted(false))
	assert.False(t, types.CheckCache.IsNotStarted(false))
	assert.True(t, types.CheckCache.IsNotStarted(true))
	assert.False(t, types.InProgress.IsNotStarted(true))
}

func TestStateText(t *testing.T) {
	b, err := json.Marshal(map[int64]types.TaskExecState{7: types.ErrorWithRecovery})
	assert.Nil(t, err)
	assert.Equal(t, `{"7":"ERROR_WITH_RECOVERY"}`, string(b))

	states := map[int64]types.TaskExecState{}
	assert.Nil(t, json.Unmarshal([]byte(`{"1":"OK","2":"skipped","3":"2"}`), &states))
	assert.Equal(t, types.OK, states[1])
	assert.Equal(t, types.Skipped, states[2])
	assert.Equal(t, types.Error, states[3])

	_, err = types.ParseTaskExecState("BROKEN")
	assert.NotNil(t, err)
	_, err = types.ParseTaskExecState("4")
	assert.NotNil(t, err)
	assert.Equal(t, "UNKNOWN(4)", types.TaskExecState(4).String())
}

func TestStateSnapshot(t *testing.T) {
	s := types.NewStateSnapshot()
	assert.Equal(t, types.None, s.Get(10))

	s[10] = types.OK
	c := s.Clone()
	c[10] = types.Error
	assert.Equal(t, types.OK, s.Get(10))
	assert.Equal(t, types.Error, c.Get(10))
}

func TestIntegrityError(t *testing.T) {
	err := types.NewIntegrityErrorf("graph with %d roots", 2)
	assert.True(t, types.IsIntegrityError(err))
	assert.Contains(t, err.Error(), "graph with 2 roots")
	assert.False(t, types.IsIntegrityError(nil))
}
