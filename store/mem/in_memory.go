package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/warriorguo/taskgraph/store"
	"github.com/warriorguo/taskgraph/types"
)

var (
	_ store.Repository = &memStore{}
)

func NewMemStore() store.Repository {
	return &memStore{
		m: make(map[int64]types.Snapshot),
		// setup no error as default
		mockErrHandler: defaultNoErr,
	}
}

func NewMemStoreWithErrHandler(errHandler func() error) store.Repository {
	return &memStore{
		m: make(map[int64]types.Snapshot),
		// .
		mockErrHandler: errHandler,
	}
}

func defaultNoErr() error {
	return nil
}

/**
 * memStore is repository implementation based on pure memory, it aims to provide a method for debug & testing
 * NEVER use it in the Production!
 */
type memStore struct {
	mu sync.Mutex

	mockErrHandler func() error

	m map[int64]types.Snapshot
}

func (m *memStore) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := "\n----------\n"
	for runID, snap := range m.m {
		s += fmt.Sprintf("%d: graph v%d, state v%d %s\n", runID, snap.GraphVersion, snap.StateVersion, snap.State)
	}
	s += "----------\n"
	return s
}

func (m *memStore) Create(ctx context.Context, snap *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mockErrHandler(); err != nil {
		return err
	}
	if _, exists := m.m[snap.RunID]; exists {
		return errors.AlreadyExistsf("run %d", snap.RunID)
	}
	m.m[snap.RunID] = *snap
	return nil
}

func (m *memStore) Load(ctx context.Context, runID int64) (*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mockErrHandler(); err != nil {
		return nil, err
	}
	snap, exists := m.m[runID]
	if !exists {
		return nil, nil
	}
	return &snap, nil
}

func (m *memStore) Save(ctx context.Context, snap *types.Snapshot) (types.SaveStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mockErrHandler(); err != nil {
		return types.SaveOK, err
	}
	stored, exists := m.m[snap.RunID]
	if !exists {
		return types.SaveOK, errors.NotFoundf("run %d", snap.RunID)
	}
	if store.IsConflict(&stored, snap) {
		return types.SaveVersionConflict, nil
	}

	snap.GraphVersion, snap.StateVersion = store.NextVersions(&stored, snap)
	m.m[snap.RunID] = *snap
	return types.SaveOK, nil
}

func (m *memStore) Remove(ctx context.Context, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.m, runID)
	return m.mockErrHandler()
}

func (m *memStore) List(ctx context.Context, iterator func(runID int64) bool) error {
	m.mu.Lock()
	runIDs := make([]int64, 0, len(m.m))
	for runID := range m.m {
		runIDs = append(runIDs, runID)
	}
	m.mu.Unlock()

	sort.Slice(runIDs, func(i, j int) bool { return runIDs[i] < runIDs[j] })
	for _, runID := range runIDs {
		if !iterator(runID) {
			break
		}
	}
	return m.mockErrHandler()
}
