package graph

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gridwork/stategraph/graph/store"
)

// Snapshot is the persisted execution progress of one run: enough to re-seed
// an executor without replaying completed nodes.
//
// GraphVersion pins the snapshot to the structure it was taken against;
// Resume rejects a snapshot whose version does not match the current graph.
// JoinArrivals captures partially satisfied barriers, which a snapshot taken
// between a branch's completion and its join needs to be resumable.
type Snapshot struct {
	GraphVersion string              `json:"graph_version"`
	State        State               `json:"state"`
	Frontier     []string            `json:"frontier"`
	LoopCounters map[string]int      `json:"loop_counters,omitempty"`
	JoinArrivals map[string][]string `json:"join_arrivals,omitempty"`
	SavedAt      time.Time           `json:"saved_at"`
}

// CheckpointPolicy controls when the executor writes checkpoints on its own.
// Explicit saves through the manager work under any policy.
type CheckpointPolicy struct {
	every int
}

var (
	// CheckpointDisabled writes no automatic checkpoints.
	CheckpointDisabled = CheckpointPolicy{}

	// CheckpointEachStep writes a checkpoint after every superstep merge.
	CheckpointEachStep = CheckpointPolicy{every: 1}
)

// CheckpointEveryN writes a checkpoint after every nth superstep merge, for
// runs where per-step persistence costs more than re-executing a few steps on
// resume. n < 1 is treated as 1.
func CheckpointEveryN(n int) CheckpointPolicy {
	if n < 1 {
		n = 1
	}
	return CheckpointPolicy{every: n}
}

// shouldSave reports whether a checkpoint is due after the given superstep.
func (p CheckpointPolicy) shouldSave(step int) bool {
	return p.every > 0 && step%p.every == 0
}

// CheckpointManager serializes snapshots to a byte-level store and enforces
// single-writer access per checkpoint id, so a save racing a resume for the
// same id cannot interleave.
type CheckpointManager struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCheckpointManager wraps a store.
func NewCheckpointManager(st store.Store) *CheckpointManager {
	return &CheckpointManager{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *CheckpointManager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Save persists a snapshot under id. All-or-nothing: on error the previous
// snapshot for the id (or its absence) is untouched and the operation is
// safe to retry.
func (m *CheckpointManager) Save(ctx context.Context, id string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return &StorageError{Op: "save", CheckpointID: id, Cause: err}
	}

	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := m.store.Put(ctx, id, data); err != nil {
		return &StorageError{Op: "save", CheckpointID: id, Cause: err}
	}
	return nil
}

// Load retrieves the snapshot saved under id. Returns store.ErrNotFound
// (wrapped) when no checkpoint exists.
func (m *CheckpointManager) Load(ctx context.Context, id string) (Snapshot, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	data, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Snapshot{}, err
		}
		return Snapshot{}, &StorageError{Op: "load", CheckpointID: id, Cause: err}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, &StorageError{Op: "load", CheckpointID: id, Cause: err}
	}
	return snap, nil
}

// Delete removes the snapshot under id. Deleting a missing id is not an
// error.
func (m *CheckpointManager) Delete(ctx context.Context, id string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return &StorageError{Op: "delete", CheckpointID: id, Cause: err}
	}
	return nil
}
