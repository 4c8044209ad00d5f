package store

import (
	"context"

	"github.com/warriorguo/taskgraph/types"
)

// Repository persists one Snapshot per run.
type Repository interface {
	// Create stores the first snapshot of a run, errors.AlreadyExists if the run exists.
	Create(ctx context.Context, snap *types.Snapshot) error

	// Load returns nil and no error when the run has never been created.
	Load(ctx context.Context, runID int64) (*types.Snapshot, error)

	/**
	 * Save replaces the snapshot of snap.RunID only if the persisted versions
	 * still equal snap.GraphVersion and snap.StateVersion, otherwise it reports
	 * SaveVersionConflict and persists nothing.
	 *
	 * Each version is incremented only when its text changed. On SaveOK the
	 * new versions are written back into snap.
	 */
	Save(ctx context.Context, snap *types.Snapshot) (types.SaveStatus, error)

	/**
	 * Remove a run
	 * remove an unexists run would NOT return error
	 */
	Remove(ctx context.Context, runID int64) error

	List(ctx context.Context, iterator func(runID int64) bool) error
}

// NextVersions computes the versions a successful save of snap over stored persists.
func NextVersions(stored, snap *types.Snapshot) (graphVersion, stateVersion int64) {
	graphVersion, stateVersion = stored.GraphVersion, stored.StateVersion
	if stored.Graph != snap.Graph {
		graphVersion++
	}
	if stored.State != snap.State {
		stateVersion++
	}
	return
}

// IsConflict reports whether stored moved away from the versions snap expects.
func IsConflict(stored, snap *types.Snapshot) bool {
	return stored.GraphVersion != snap.GraphVersion || stored.StateVersion != snap.StateVersion
}
