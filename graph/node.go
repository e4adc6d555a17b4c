package graph

import "context"

// Node is the uniform invocation contract for a unit of work.
//
// A node receives a deep-copied snapshot of the run state, performs its work,
// and returns a Patch describing the keys it wants changed. It never mutates
// the snapshot it was given expecting the change to stick; only the returned
// patch is merged. Side effects belong entirely to the node implementation:
// the executor assumes nothing about idempotency and never retries a node
// that does not carry an explicit retry policy.
//
// Blocking external work (an API call, a long-running computation) suspends
// inside Invoke; implementations must honor ctx cancellation and deadlines so
// the executor can advance other ready nodes while this one waits.
type Node interface {
	Invoke(ctx context.Context, state State) (Patch, error)
}

// NodeFunc adapts a plain function to the Node interface. This is the usual
// shape for synchronous pure state transforms.
//
//	double := graph.NodeFunc(func(ctx context.Context, s graph.State) (graph.Patch, error) {
//	    n, _ := s["n"].(float64)
//	    return graph.Patch{"n": n * 2}, nil
//	})
type NodeFunc func(ctx context.Context, state State) (Patch, error)

// Invoke implements Node.
func (f NodeFunc) Invoke(ctx context.Context, state State) (Patch, error) {
	return f(ctx, state)
}

// Task wraps an external call behind the Node contract.
//
// Do performs the call; it may block for as long as the external system
// needs, subject to ctx. Name is used in errors so a failing external call is
// attributable without inspecting the wrapped function.
type Task struct {
	Name string
	Do   func(ctx context.Context, state State) (Patch, error)
}

// Invoke implements Node. Context errors that occur before the call starts
// are returned without invoking Do.
func (t *Task) Invoke(ctx context.Context, state State) (Patch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Do(ctx, state)
}

// NodeKind tags how the executor treats a node.
type NodeKind int

const (
	// KindUnit is a plain unit of work.
	KindUnit NodeKind = iota

	// KindDecision marks a node whose outgoing edges are expected to be
	// conditional. The tag is informational for builders and tooling; routing
	// behavior is carried by the edges themselves.
	KindDecision

	// KindJoin marks a wait-for-all barrier. A join's predecessor set is
	// declared at build time and the node enters the frontier only once every
	// declared predecessor has arrived.
	KindJoin
)

// String returns the kind name used in errors and events.
func (k NodeKind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindDecision:
		return "decision"
	case KindJoin:
		return "join"
	default:
		return "unknown"
	}
}
