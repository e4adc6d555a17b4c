package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// End is the reserved terminal id. Routing an edge to End completes the run;
// End is never declared as a node and carries no unit of work.
const End = "__end__"

// nodeDef is a finalized node: identifier, unit of work, kind tag, optional
// execution policy, and (for joins) the declared predecessor set.
type nodeDef struct {
	id           string
	kind         NodeKind
	node         Node
	policy       *NodePolicy
	predecessors []string
}

// Graph is an immutable, validated graph definition.
//
// A Graph is produced once by a Builder and never changes afterwards; a
// structural change means building a new graph, which gets a new Version. The
// same Graph value is safe to run concurrently any number of times — all
// per-run mutable state lives in the executor.
type Graph struct {
	name    string
	version string
	entry   string
	nodes   map[string]*nodeDef
	out     map[string][]*edge
}

// Name returns the builder-supplied graph name.
func (g *Graph) Name() string { return g.name }

// Entry returns the entry node id.
func (g *Graph) Entry() string { return g.entry }

// Version returns the structural version: a content hash over the node
// registry, edge list and entry point. Two graphs with identical structure
// share a version; any structural change produces a new one. Checkpoints
// record this version and resume refuses a mismatch.
func (g *Graph) Version() string { return g.version }

// NodeIDs returns all declared node ids in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// computeVersion hashes the canonical structure description. Node iteration
// is sorted; edge order within a source is declaration order, which is
// semantically significant (it is the merge order).
func (g *Graph) computeVersion() string {
	h := sha256.New()
	fmt.Fprintf(h, "graph:%s\nentry:%s\n", g.name, g.entry)
	for _, id := range g.NodeIDs() {
		def := g.nodes[id]
		fmt.Fprintf(h, "node:%s:%s", id, def.kind)
		if len(def.predecessors) > 0 {
			preds := append([]string(nil), def.predecessors...)
			sort.Strings(preds)
			fmt.Fprintf(h, ":preds=%s", strings.Join(preds, ","))
		}
		fmt.Fprintln(h)
	}
	sources := make([]string, 0, len(g.out))
	for from := range g.out {
		sources = append(sources, from)
	}
	sort.Strings(sources)
	for _, from := range sources {
		for i, e := range g.out[from] {
			fmt.Fprintf(h, "edge:%s:%d:%d", from, i, e.kind)
			switch e.kind {
			case edgePlain:
				fmt.Fprintf(h, ":to=%s", e.to)
			case edgeFanOut:
				fmt.Fprintf(h, ":targets=%s", strings.Join(e.targets, ","))
			case edgeLoop:
				fmt.Fprintf(h, ":to=%s:max=%d:escape=%s", e.to, e.maxIterations, e.escapeTo)
			case edgeConditional:
				keys := append([]string(nil), e.cond.Keys...)
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(h, ":route=%s->%s", k, e.routes[k])
				}
				fmt.Fprintf(h, ":default=%s", e.defaultTo)
			}
			fmt.Fprintln(h)
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
