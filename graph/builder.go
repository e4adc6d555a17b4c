package graph

import (
	"fmt"
	"time"
)

// Builder assembles a graph definition and validates it.
//
// Methods return a *StructuralError as soon as a violation is detectable
// (duplicate ids, references to undeclared nodes); global properties
// (reachability, join predecessor sets, conditional exhaustiveness, cycle
// legality) are checked by Finalize. A Builder is single-use: after a
// successful Finalize it refuses further mutation, and a structural change
// requires a fresh Builder producing a new graph version.
//
//	b := graph.NewBuilder("triage")
//	_ = b.AddDecision("classify", classifyNode)
//	_ = b.AddNode("handlerA", handlerA)
//	_ = b.AddNode("handlerB", handlerB)
//	_ = b.ConnectWhen("classify", complexity, map[string]string{
//	    "simple":  "handlerA",
//	    "complex": "handlerB",
//	}, "")
//	_ = b.Connect("handlerA", graph.End)
//	_ = b.Connect("handlerB", graph.End)
//	_ = b.SetEntry("classify")
//	g, err := b.Finalize()
type Builder struct {
	name      string
	entry     string
	nodes     map[string]*nodeDef
	order     []string
	out       map[string][]*edge
	finalized bool
}

// NewBuilder creates an empty builder for a named graph.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: make(map[string]*nodeDef),
		out:   make(map[string][]*edge),
	}
}

// NodeOption configures a node at declaration time.
type NodeOption func(*nodeDef)

// WithTimeout sets the node's maximum invocation time. Zero means the
// engine-wide default applies. A timeout is treated as an invocation failure,
// subject to the node's retry policy.
func WithTimeout(d time.Duration) NodeOption {
	return func(def *nodeDef) {
		if def.policy == nil {
			def.policy = &NodePolicy{}
		}
		def.policy.Timeout = d
	}
}

// WithRetry attaches a retry policy. Attaching a policy is the explicit
// opt-in marking the node retry-safe; nodes without one are never retried.
func WithRetry(rp *RetryPolicy) NodeOption {
	return func(def *nodeDef) {
		if def.policy == nil {
			def.policy = &NodePolicy{}
		}
		def.policy.Retry = rp
	}
}

// AddNode declares a plain unit-of-work node.
func (b *Builder) AddNode(id string, n Node, opts ...NodeOption) error {
	return b.add(id, n, KindUnit, nil, opts)
}

// AddDecision declares a node whose outgoing edges route conditionally.
func (b *Builder) AddDecision(id string, n Node, opts ...NodeOption) error {
	return b.add(id, n, KindDecision, nil, opts)
}

// AddJoin declares a wait-for-all barrier with its predecessor set.
//
// The predecessor set is part of the graph structure: Finalize verifies it
// matches the join's actual incoming edges exactly, and at run time an
// arrival from any other node is a fatal SynchronizationError.
func (b *Builder) AddJoin(id string, n Node, predecessors []string, opts ...NodeOption) error {
	if len(predecessors) == 0 {
		return &StructuralError{NodeID: id, Message: "join requires a non-empty predecessor set"}
	}
	seen := make(map[string]bool, len(predecessors))
	for _, p := range predecessors {
		if seen[p] {
			return &StructuralError{NodeID: id, Message: "duplicate predecessor " + p}
		}
		seen[p] = true
	}
	return b.add(id, n, KindJoin, append([]string(nil), predecessors...), opts)
}

func (b *Builder) add(id string, n Node, kind NodeKind, preds []string, opts []NodeOption) error {
	if b.finalized {
		return &StructuralError{Message: "builder already finalized"}
	}
	if id == "" {
		return &StructuralError{Message: "node id cannot be empty"}
	}
	if id == End {
		return &StructuralError{NodeID: id, Message: "node id is reserved"}
	}
	if n == nil {
		return &StructuralError{NodeID: id, Message: "node cannot be nil"}
	}
	if _, exists := b.nodes[id]; exists {
		return &StructuralError{NodeID: id, Message: "duplicate node id"}
	}
	def := &nodeDef{id: id, kind: kind, node: n, predecessors: preds}
	for _, opt := range opts {
		opt(def)
	}
	if def.policy != nil && def.policy.Retry != nil {
		if err := def.policy.Retry.Validate(); err != nil {
			return &StructuralError{NodeID: id, Message: err.Error()}
		}
	}
	b.nodes[id] = def
	b.order = append(b.order, id)
	return nil
}

// Connect declares an unconditional edge from one node to another (or End).
func (b *Builder) Connect(from, to string) error {
	if err := b.checkEdgeRefs(from, to); err != nil {
		return err
	}
	b.out[from] = append(b.out[from], &edge{kind: edgePlain, from: from, to: to})
	return nil
}

// ConnectWhen declares a conditional edge. The condition's declared key space
// must be covered by routes, or defaultTo must name a fallback target; this
// is enforced by Finalize, never discovered at run time. Pass defaultTo == ""
// for no default, making an unmapped key a fatal RoutingError.
func (b *Builder) ConnectWhen(from string, cond Condition, routes map[string]string, defaultTo string) error {
	if b.finalized {
		return &StructuralError{Message: "builder already finalized"}
	}
	if cond.Eval == nil {
		return &StructuralError{NodeID: from, Message: "conditional edge requires an Eval function"}
	}
	if len(cond.Keys) == 0 {
		return &StructuralError{NodeID: from, Message: "conditional edge requires a declared key set"}
	}
	if _, ok := b.nodes[from]; !ok {
		return &StructuralError{NodeID: from, Message: "edge references undeclared node"}
	}
	for key, to := range routes {
		if !containsKey(cond.Keys, key) {
			return &StructuralError{NodeID: from, Message: fmt.Sprintf("route key %q is not in the declared key set", key)}
		}
		if err := b.checkTarget(from, to); err != nil {
			return err
		}
	}
	if defaultTo != "" {
		if err := b.checkTarget(from, defaultTo); err != nil {
			return err
		}
	}
	copied := make(map[string]string, len(routes))
	for k, v := range routes {
		copied[k] = v
	}
	b.out[from] = append(b.out[from], &edge{
		kind:      edgeConditional,
		from:      from,
		cond:      cond,
		routes:    copied,
		defaultTo: defaultTo,
	})
	return nil
}

// FanOut declares an edge whose completion triggers all targets for
// concurrent execution. Target order is the statically declared branch order:
// patches from these branches merge in exactly this order regardless of which
// branch finishes first.
func (b *Builder) FanOut(from string, targets ...string) error {
	if b.finalized {
		return &StructuralError{Message: "builder already finalized"}
	}
	if len(targets) < 2 {
		return &StructuralError{NodeID: from, Message: "fan-out requires at least two targets"}
	}
	if _, ok := b.nodes[from]; !ok {
		return &StructuralError{NodeID: from, Message: "edge references undeclared node"}
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t] {
			return &StructuralError{NodeID: from, Message: "duplicate fan-out target " + t}
		}
		seen[t] = true
		if err := b.checkTarget(from, t); err != nil {
			return err
		}
	}
	b.out[from] = append(b.out[from], &edge{kind: edgeFanOut, from: from, targets: append([]string(nil), targets...)})
	return nil
}

// LoopBack declares the only legal kind of cycle: an explicit loop edge
// bounded by maxIterations, with a declared escape target traversed instead
// once the bound is reached. The iteration counter is scoped to this edge and
// resets when the escape is taken.
func (b *Builder) LoopBack(from, to string, maxIterations int, escapeTo string) error {
	if b.finalized {
		return &StructuralError{Message: "builder already finalized"}
	}
	if maxIterations < 1 {
		return &StructuralError{NodeID: from, Message: "loop-back requires maxIterations >= 1"}
	}
	if _, ok := b.nodes[from]; !ok {
		return &StructuralError{NodeID: from, Message: "edge references undeclared node"}
	}
	if _, ok := b.nodes[to]; !ok {
		return &StructuralError{NodeID: from, Message: "loop-back target references undeclared node " + to}
	}
	if err := b.checkTarget(from, escapeTo); err != nil {
		return err
	}
	b.out[from] = append(b.out[from], &edge{
		kind:          edgeLoop,
		from:          from,
		to:            to,
		loopID:        from + "->" + to,
		maxIterations: maxIterations,
		escapeTo:      escapeTo,
	})
	return nil
}

// SetEntry sets the entry node for execution.
func (b *Builder) SetEntry(id string) error {
	if b.finalized {
		return &StructuralError{Message: "builder already finalized"}
	}
	if _, ok := b.nodes[id]; !ok {
		return &StructuralError{NodeID: id, Message: "entry references undeclared node"}
	}
	b.entry = id
	return nil
}

func (b *Builder) checkEdgeRefs(from, to string) error {
	if b.finalized {
		return &StructuralError{Message: "builder already finalized"}
	}
	if _, ok := b.nodes[from]; !ok {
		return &StructuralError{NodeID: from, Message: "edge references undeclared node"}
	}
	return b.checkTarget(from, to)
}

func (b *Builder) checkTarget(from, to string) error {
	if to == End {
		return nil
	}
	if _, ok := b.nodes[to]; !ok {
		return &StructuralError{NodeID: from, Message: "edge references undeclared node " + to}
	}
	return nil
}

// Finalize validates the assembled definition and returns the immutable
// graph. Checks performed:
//
//   - an entry node is set
//   - every non-entry node is reachable from the entry
//   - every join's declared predecessor set is exactly the set of sources
//     with an edge into it
//   - every conditional edge's key space is fully routed or has a default
//   - cycles occur only through loop-back edges
//
// On success the builder is spent; further mutation fails.
func (b *Builder) Finalize() (*Graph, error) {
	if b.finalized {
		return nil, &StructuralError{Message: "builder already finalized"}
	}
	if b.entry == "" {
		return nil, &StructuralError{Message: "entry node not set"}
	}
	if err := b.checkConditionals(); err != nil {
		return nil, err
	}
	if err := b.checkReachability(); err != nil {
		return nil, err
	}
	if err := b.checkJoins(); err != nil {
		return nil, err
	}
	if err := b.checkAcyclic(); err != nil {
		return nil, err
	}

	g := &Graph{
		name:  b.name,
		entry: b.entry,
		nodes: b.nodes,
		out:   b.out,
	}
	g.version = g.computeVersion()
	b.finalized = true
	return g, nil
}

func (b *Builder) checkConditionals() error {
	for from, edges := range b.out {
		for _, e := range edges {
			if e.kind != edgeConditional {
				continue
			}
			if e.defaultTo != "" {
				continue
			}
			for _, key := range e.cond.Keys {
				if _, ok := e.routes[key]; !ok {
					return &StructuralError{
						NodeID:  from,
						Message: fmt.Sprintf("conditional edge does not route key %q and has no default", key),
					}
				}
			}
		}
	}
	return nil
}

func (b *Builder) checkReachability() error {
	reached := map[string]bool{b.entry: true}
	stack := []string{b.entry}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range b.out[cur] {
			for _, dst := range e.destinations() {
				if dst == End || reached[dst] {
					continue
				}
				reached[dst] = true
				stack = append(stack, dst)
			}
		}
	}
	for _, id := range b.order {
		if !reached[id] {
			return &StructuralError{NodeID: id, Message: "node is unreachable from entry"}
		}
	}
	return nil
}

func (b *Builder) checkJoins() error {
	incoming := make(map[string]map[string]bool)
	for from, edges := range b.out {
		for _, e := range edges {
			for _, dst := range e.destinations() {
				if dst == End {
					continue
				}
				if incoming[dst] == nil {
					incoming[dst] = make(map[string]bool)
				}
				incoming[dst][from] = true
			}
		}
	}
	for _, id := range b.order {
		def := b.nodes[id]
		if def.kind != KindJoin {
			continue
		}
		actual := incoming[id]
		if len(actual) != len(def.predecessors) {
			return &StructuralError{NodeID: id, Message: "declared predecessor set does not match incoming edges"}
		}
		for _, p := range def.predecessors {
			if !actual[p] {
				return &StructuralError{NodeID: id, Message: "declared predecessor " + p + " has no edge into join"}
			}
		}
	}
	return nil
}

// checkAcyclic detects cycles over all edges except loop-back traversals.
// A loop edge's escape target still participates; only its bounded back-jump
// is exempt.
func (b *Builder) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(b.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range b.out[id] {
			dsts := e.destinations()
			if e.kind == edgeLoop {
				dsts = []string{e.escapeTo}
			}
			for _, dst := range dsts {
				if dst == End {
					continue
				}
				switch color[dst] {
				case gray:
					return &StructuralError{NodeID: dst, Message: "cycle without loop-back marking"}
				case white:
					if err := visit(dst); err != nil {
						return err
					}
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range b.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
