package types

import (
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/cast"

	"github.com/warriorguo/taskgraph/utils"
)

type TaskExecState int32

const (
	// None is the initial state, a task without a recorded entry is None as well.
	None       TaskExecState = 0
	InProgress TaskExecState = 1
	Error      TaskExecState = 2
	OK         TaskExecState = 3
	Skipped    TaskExecState = 5
	// CheckCache is a pending cache lookup, it counts as not started.
	CheckCache TaskExecState = 6
	// ErrorWithRecovery unblocks dependents but may be re-entered by a recovery policy.
	ErrorWithRecovery TaskExecState = 7
)

var stateNames = map[TaskExecState]string{
	None:              "NONE",
	InProgress:        "IN_PROGRESS",
	Error:             "ERROR",
	OK:                "OK",
	Skipped:           "SKIPPED",
	CheckCache:        "CHECK_CACHE",
	ErrorWithRecovery: "ERROR_WITH_RECOVERY",
}

var stateByName = utils.ReverseMap(stateNames)

// AllTaskExecStates returns every known state in declaration order.
func AllTaskExecStates() []TaskExecState {
	return []TaskExecState{None, InProgress, Error, OK, Skipped, CheckCache, ErrorWithRecovery}
}

func (s TaskExecState) String() string {
	if name, exists := stateNames[s]; exists {
		return name
	}
	return "UNKNOWN(" + cast.ToString(int32(s)) + ")"
}

// IsFinished reports whether the state is enough to unblock dependents.
func (s TaskExecState) IsFinished() bool {
	switch s {
	case OK, Error, Skipped, ErrorWithRecovery:
		return true
	}
	return false
}

// IsTerminal reports whether the cascade must leave the state untouched.
func (s TaskExecState) IsTerminal() bool {
	switch s {
	case OK, Error, Skipped:
		return true
	}
	return false
}

// IsFailed reports whether the state can orphan a child.
func (s TaskExecState) IsFailed() bool {
	return s == Error || s == Skipped
}

// IsNotStarted reports whether a task in this state may be handed out for dispatch.
// CheckCache only qualifies when cache candidates are requested.
func (s TaskExecState) IsNotStarted(includeCacheCandidates bool) bool {
	if includeCacheCandidates {
		return s == None || s == CheckCache
	}
	return s == None
}

func (s TaskExecState) MarshalText() ([]byte, error) {
	name, exists := stateNames[s]
	if !exists {
		return nil, errors.NotValidf("task exec state %d", int32(s))
	}
	return []byte(name), nil
}

// UnmarshalText accepts the state name as well as its numeric code.
func (s *TaskExecState) UnmarshalText(b []byte) error {
	state, err := ParseTaskExecState(string(b))
	if err != nil {
		return errors.Trace(err)
	}
	*s = state
	return nil
}

func ParseTaskExecState(v string) (TaskExecState, error) {
	v = strings.TrimSpace(v)
	if state, exists := stateByName[strings.ToUpper(v)]; exists {
		return state, nil
	}
	code, err := cast.ToInt32E(v)
	if err != nil {
		return None, errors.NotValidf("task exec state %q", v)
	}
	if _, exists := stateNames[TaskExecState(code)]; !exists {
		return None, errors.NotValidf("task exec state %q", v)
	}
	return TaskExecState(code), nil
}

type SaveStatus int32

const (
	SaveOK              SaveStatus = 0
	SaveVersionConflict SaveStatus = 1
)

func (s SaveStatus) String() string {
	if s == SaveVersionConflict {
		return "VERSION_CONFLICT"
	}
	return "OK"
}
