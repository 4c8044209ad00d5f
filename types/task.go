package types

import (
	"fmt"

	"github.com/warriorguo/taskgraph/utils"
)

// TaskVertex is identified by TaskID alone; TaskContextID tells apart
// tasks cloned from the same sub-pipeline template.
type TaskVertex struct {
	TaskID        int64
	TaskContextID string
}

func (v TaskVertex) String() string {
	return fmt.Sprintf("#%d(%s)", v.TaskID, v.TaskContextID)
}

type TaskWithState struct {
	TaskID int64
	State  TaskExecState
}

// TaskResult is a "task finished with state X" event reported by the worker layer.
type TaskResult struct {
	TaskID int64
	State  TaskExecState
}

// StateSnapshot maps taskId to its current execution state.
type StateSnapshot map[int64]TaskExecState

func NewStateSnapshot() StateSnapshot {
	return make(StateSnapshot)
}

func (s StateSnapshot) Get(taskID int64) TaskExecState {
	if state, exists := s[taskID]; exists {
		return state
	}
	return None
}

func (s StateSnapshot) Clone() StateSnapshot {
	return StateSnapshot(utils.CloneMap(s))
}

// Snapshot is the persisted form of one run: encoded graph and encoded
// state, each with its own optimistic version.
type Snapshot struct {
	RunID        int64
	Graph        string
	GraphVersion int64
	State        string
	StateVersion int64
}
