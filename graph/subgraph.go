package graph

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
)

// SubgraphNode embeds an entire graph behind the Node contract, so a
// validated workflow can be composed into a larger one like any other unit of
// work: it receives a state snapshot, runs the inner graph to completion, and
// returns the keys the inner run changed as a patch.
//
// The inner engine carries its own options (emitter, limits, checkpointing);
// by default it inherits nothing from the outer engine.
type SubgraphNode struct {
	engine *Engine
	runSeq atomic.Uint64
}

// NewSubgraphNode wraps a finalized graph as a node.
func NewSubgraphNode(g *Graph, opts ...Option) *SubgraphNode {
	return &SubgraphNode{engine: New(g, opts...)}
}

// Invoke implements Node. The inner run id is derived from the inner graph's
// name plus an instance counter, so concurrent outer branches invoking the
// same subgraph produce distinct inner runs.
func (s *SubgraphNode) Invoke(ctx context.Context, state State) (Patch, error) {
	runID := fmt.Sprintf("%s/%d", s.engine.graph.name, s.runSeq.Add(1))
	result, err := s.engine.Run(ctx, runID, state)
	if err != nil {
		return nil, fmt.Errorf("subgraph %s: %w", s.engine.graph.name, err)
	}

	// Report only what the inner run changed, so sibling branches of the
	// outer graph are not flagged as conflicting over keys the subgraph
	// merely read.
	patch := make(Patch)
	for k, v := range result.State {
		if prev, ok := state[k]; ok && reflect.DeepEqual(prev, v) {
			continue
		}
		patch[k] = v
	}
	return patch, nil
}
