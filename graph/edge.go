// Package graph provides a directed-graph workflow execution engine with
// conditional routing, parallel fan-out with join barriers, bounded loop-back
// iteration, and checkpoint/resume.
package graph

// Condition is a pure routing function over a state snapshot.
//
// Eval must return one of the declared Keys; the finite key space is what
// lets the builder check at Finalize time that every key is mapped to a
// target or covered by a default. Conditions must not mutate the snapshot or
// carry side effects: the executor may evaluate them on any goroutine and
// never re-evaluates them on resume.
type Condition struct {
	// Keys is the declared routing-key space.
	Keys []string

	// Eval maps a state snapshot to a routing key.
	Eval func(state State) string
}

type edgeKind int

const (
	edgePlain edgeKind = iota
	edgeConditional
	edgeFanOut
	edgeLoop
)

// edge is the internal, finalized representation of a graph edge.
//
// Exactly one shape is populated per kind:
//   - edgePlain: to
//   - edgeConditional: cond, routes, defaultTo (optional)
//   - edgeFanOut: targets (declared order = merge order)
//   - edgeLoop: to (loop target), maxIterations, escapeTo
type edge struct {
	kind edgeKind
	from string

	to      string
	targets []string

	cond      Condition
	routes    map[string]string
	defaultTo string

	loopID        string
	maxIterations int
	escapeTo      string
}

// destinations returns every node id this edge can route to, used by the
// builder for reference and reachability checks.
func (e *edge) destinations() []string {
	switch e.kind {
	case edgePlain:
		return []string{e.to}
	case edgeFanOut:
		return e.targets
	case edgeLoop:
		return []string{e.to, e.escapeTo}
	case edgeConditional:
		out := make([]string, 0, len(e.routes)+1)
		for _, t := range e.routes {
			out = append(out, t)
		}
		if e.defaultTo != "" {
			out = append(out, e.defaultTo)
		}
		return out
	default:
		return nil
	}
}
