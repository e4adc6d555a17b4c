package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the mutable key/value mapping owned by a single run.
//
// One State instance belongs to exactly one run and is never shared across
// concurrent runs. Nodes never receive the run's State directly; the executor
// hands each invocation a deep-copied snapshot and applies the returned Patch
// itself. This keeps all mutation in one place and makes merge order the only
// source of non-determinism to control.
type State map[string]any

// Patch is the incremental state update produced by one node invocation.
//
// A nil Patch is a valid "no change" result. Keys present in a Patch replace
// the corresponding keys in the run state when the executor merges it.
type Patch map[string]any

// Clone deep-copies the state using a JSON round-trip.
//
// This works for any JSON-serializable value (primitives, maps, slices,
// structs with exported fields). Values that do not marshal to JSON
// (channels, funcs, cycles) cause an error, surfaced before the node runs.
func (s State) Clone() (State, error) {
	if s == nil {
		return State{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	var copied State
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	if copied == nil {
		copied = State{}
	}
	return copied, nil
}

// Keys returns the state's keys in sorted order. Useful for deterministic
// iteration in tests and event payloads.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// apply merges a patch into the state in place.
func (s State) apply(p Patch) {
	for k, v := range p {
		s[k] = v
	}
}

// patchEntry pairs a patch with the node that produced it.
type patchEntry struct {
	nodeID string
	patch  Patch
}

// mergePatches folds branch patches into dst in the given order.
//
// Order is the statically declared branch order, never completion order, so
// the merged result is reproducible under any scheduler. In strict mode a key
// written by more than one patch in the same round is a conflict and aborts
// the merge before any patch is applied.
func mergePatches(dst State, patches []patchEntry, strict bool) error {
	if strict {
		writers := make(map[string]string)
		for _, pe := range patches {
			for k := range pe.patch {
				if prev, dup := writers[k]; dup {
					return &ConflictError{Key: k, Nodes: []string{prev, pe.nodeID}}
				}
				writers[k] = pe.nodeID
			}
		}
	}
	for _, pe := range patches {
		dst.apply(pe.patch)
	}
	return nil
}
