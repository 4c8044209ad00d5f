package runtime

import (
	"github.com/juju/errors"

	"github.com/warriorguo/taskgraph/types"
	"github.com/warriorguo/taskgraph/utils"
)

// encodeState gives the persisted text of a state snapshot: a JSON object
// from task id to state name, e.g. {"1":"OK","2":"NONE"}.
func encodeState(state types.StateSnapshot) (string, error) {
	b, err := utils.Serialize(state)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(b), nil
}

func decodeState(s string) (types.StateSnapshot, error) {
	state := types.NewStateSnapshot()
	if s == "" {
		return state, nil
	}
	if err := utils.Unserialize([]byte(s), &state); err != nil {
		return nil, types.NewIntegrityError(errors.Annotatef(err, "unparseable state snapshot"))
	}
	return state, nil
}
