package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/gridwork/stategraph/graph/emit"
)

// Status describes where a run is in its lifecycle. A Result always carries
// one of the terminal statuses (Completed, Failed, Cancelled); the
// non-terminal ones describe in-flight phases for consumers tracking runs
// through the event stream.
type Status int

const (
	// StatusPending means the run has not started executing.
	StatusPending Status = iota

	// StatusRunning means frontier nodes are executing.
	StatusRunning

	// StatusJoining means at least one join barrier is holding arrivals while
	// waiting for the rest of its predecessors.
	StatusJoining

	// StatusCompleted means all execution paths reached End.
	StatusCompleted

	// StatusFailed means a fatal error stopped the run. Result.State holds the
	// last stable merged state for inspection.
	StatusFailed

	// StatusCancelled means the caller's context was cancelled. In-flight
	// nodes were allowed to observe the cancellation; no checkpoint was
	// written after it.
	StatusCancelled
)

// String returns the status name used in logs and events.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusJoining:
		return "joining"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the outcome of one run.
type Result struct {
	// RunID echoes the caller-supplied run identifier.
	RunID string

	// Status is the terminal disposition.
	Status Status

	// State is the final state on success, or the last stable merged state on
	// failure. Failed sibling branches never contribute partial writes; their
	// successful siblings do.
	State State

	// Steps is the number of supersteps executed.
	Steps int

	// Events is the ordered event stream of the run, regardless of which
	// emitter was configured.
	Events []emit.Event

	// Err is nil iff Status is StatusCompleted.
	Err error
}

// Engine executes runs of one validated graph.
//
// The engine itself is immutable after New and safe for concurrent use; all
// per-run mutable state (frontier, loop counters, join arrivals, event
// sequence) is private to each Run or Resume call.
type Engine struct {
	graph            *Graph
	emitter          emit.Emitter
	logger           logr.Logger
	metrics          *Metrics
	checkpoints      *CheckpointManager
	checkpointPolicy CheckpointPolicy

	maxConcurrent      int
	maxSteps           int
	defaultNodeTimeout time.Duration
	strictMerge        bool
}

// New creates an engine for a finalized graph.
func New(g *Graph, opts ...Option) *Engine {
	e := &Engine{
		graph:   g,
		emitter: emit.NewNullEmitter(),
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Checkpoints returns the checkpoint manager, or nil when checkpointing is
// not configured. Use it for explicit saves and for inspecting snapshots.
func (e *Engine) Checkpoints() *CheckpointManager { return e.checkpoints }

// run is the per-execution mutable state. Never shared across runs.
type run struct {
	id           string
	status       Status
	state        State
	frontier     []string
	loopCounters map[string]int
	joinArrivals map[string][]string
	seq          int
	steps        int
	events       []emit.Event
}

// Run executes the graph from its entry node against a deep copy of initial.
// The caller's map is never mutated.
//
// The returned error is also carried in Result.Err; the Result additionally
// exposes the last stable state and the event stream for inspection.
func (e *Engine) Run(ctx context.Context, runID string, initial State) (Result, error) {
	state, err := initial.Clone()
	if err != nil {
		return Result{RunID: runID, Status: StatusFailed, Err: err}, err
	}
	r := &run{
		id:           runID,
		state:        state,
		frontier:     []string{e.graph.entry},
		loopCounters: make(map[string]int),
		joinArrivals: make(map[string][]string),
	}
	return e.loop(ctx, r)
}

// Resume continues a run from a previously saved checkpoint. Completed nodes
// are not re-executed: execution restarts at the snapshot's frontier with its
// state, loop counters and partial join arrivals restored.
//
// A snapshot taken against a different graph structure fails with
// StaleCheckpointError before any node runs.
func (e *Engine) Resume(ctx context.Context, runID, checkpointID string) (Result, error) {
	if e.checkpoints == nil {
		err := errors.New("resume: checkpointing not configured")
		return Result{RunID: runID, Status: StatusFailed, Err: err}, err
	}

	snap, err := e.checkpoints.Load(ctx, checkpointID)
	if err != nil {
		return Result{RunID: runID, Status: StatusFailed, Err: err}, err
	}
	if snap.GraphVersion != e.graph.version {
		verr := &StaleCheckpointError{
			CheckpointVersion: snap.GraphVersion,
			GraphVersion:      e.graph.version,
		}
		return Result{RunID: runID, Status: StatusFailed, Err: verr}, verr
	}
	for _, id := range snap.Frontier {
		if _, ok := e.graph.nodes[id]; !ok {
			ferr := fmt.Errorf("resume: checkpoint frontier references unknown node %s", id)
			return Result{RunID: runID, Status: StatusFailed, Err: ferr}, ferr
		}
	}

	state := snap.State
	if state == nil {
		state = State{}
	}
	r := &run{
		id:           runID,
		state:        state,
		frontier:     append([]string(nil), snap.Frontier...),
		loopCounters: make(map[string]int, len(snap.LoopCounters)),
		joinArrivals: make(map[string][]string, len(snap.JoinArrivals)),
	}
	for k, v := range snap.LoopCounters {
		r.loopCounters[k] = v
	}
	for k, v := range snap.JoinArrivals {
		r.joinArrivals[k] = append([]string(nil), v...)
	}
	return e.loop(ctx, r)
}

// loop drives the superstep cycle: execute every node in the frontier, merge
// their patches in declared order, compute the next frontier, checkpoint per
// policy, repeat until the frontier drains.
func (e *Engine) loop(ctx context.Context, r *run) (Result, error) {
	r.status = StatusRunning
	for len(r.frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return e.cancelled(r, err)
		}
		if e.maxSteps > 0 && r.steps >= e.maxSteps {
			return e.fail(r, ErrMaxStepsExceeded)
		}
		r.steps++
		e.metrics.setFrontierDepth(len(r.frontier))
		e.logger.V(1).Info("superstep",
			"run", r.id, "step", r.steps, "status", r.status, "frontier", r.frontier)

		results, err := e.executeFrontier(ctx, r)
		if err != nil {
			return e.fail(r, err)
		}
		if err := ctx.Err(); err != nil {
			return e.cancelled(r, err)
		}

		// Report outcomes and collect patches in frontier (declared) order.
		// Successful siblings merge even when the round fails, so their
		// results stay inspectable; the round's failure is raised after.
		var patches []patchEntry
		var failures []error
		for i := range results {
			res := &results[i]
			if res.err != nil {
				inv := &NodeInvocationError{NodeID: res.def.id, Attempts: res.attempts, Cause: res.err}
				failures = append(failures, inv)
				e.emitEvent(r, emit.NodeFailed, res.def.id, map[string]any{
					"error":    inv.Error(),
					"attempts": res.attempts,
				})
				e.logger.Error(inv, "node failed", "run", r.id, "node", res.def.id)
				continue
			}
			patches = append(patches, patchEntry{nodeID: res.def.id, patch: res.patch})
			e.emitEvent(r, emit.NodeCompleted, res.def.id, map[string]any{"patch": res.patch})
		}

		if err := mergePatches(r.state, patches, e.strictMerge); err != nil {
			e.metrics.incMergeConflicts()
			return e.fail(r, err)
		}
		if len(failures) > 0 {
			return e.fail(r, multierr.Combine(failures...))
		}

		next, err := e.advance(r, results)
		if err != nil {
			return e.fail(r, err)
		}
		r.frontier = next
		if len(r.joinArrivals) > 0 {
			r.status = StatusJoining
		} else {
			r.status = StatusRunning
		}

		if len(r.frontier) == 0 && len(r.joinArrivals) > 0 {
			waiting := make([]string, 0, len(r.joinArrivals))
			for id := range r.joinArrivals {
				waiting = append(waiting, id)
			}
			sort.Strings(waiting)
			return e.fail(r, fmt.Errorf("%w: joins still waiting: %s", ErrNoProgress, strings.Join(waiting, " ")))
		}

		if e.checkpoints != nil && e.checkpointPolicy.shouldSave(r.steps) {
			if err := ctx.Err(); err != nil {
				return e.cancelled(r, err)
			}
			if err := e.saveCheckpoint(ctx, r); err != nil {
				return e.fail(r, err)
			}
		}
	}

	e.metrics.setFrontierDepth(0)
	e.emitEvent(r, emit.GraphCompleted, "", map[string]any{"state": r.state})
	e.logger.V(1).Info("run completed", "run", r.id, "steps", r.steps)
	return Result{
		RunID:  r.id,
		Status: StatusCompleted,
		State:  r.state,
		Steps:  r.steps,
		Events: r.events,
	}, nil
}

// nodeResult is the outcome of one frontier node in one superstep.
type nodeResult struct {
	def      *nodeDef
	snapshot State
	patch    Patch
	attempts int
	err      error
}

// executeFrontier runs every frontier node concurrently, each against its own
// deep-copied snapshot of the merged state. A sibling's failure never cancels
// the others: the whole round completes and the results are classified by the
// caller.
func (e *Engine) executeFrontier(ctx context.Context, r *run) ([]nodeResult, error) {
	results := make([]nodeResult, len(r.frontier))
	for i, id := range r.frontier {
		snap, err := r.state.Clone()
		if err != nil {
			return nil, err
		}
		results[i] = nodeResult{def: e.graph.nodes[id], snapshot: snap}
		e.emitEvent(r, emit.NodeStarted, id, nil)
	}

	e.metrics.setInflight(len(results))
	defer e.metrics.setInflight(0)

	g, gctx := errgroup.WithContext(ctx)
	if e.maxConcurrent > 0 {
		g.SetLimit(e.maxConcurrent)
	}
	for i := range results {
		res := &results[i]
		g.Go(func() error {
			start := time.Now()
			res.patch, res.attempts, res.err = e.invokeNode(gctx, res.def, res.snapshot)
			status := "success"
			if res.err != nil {
				status = "error"
			}
			e.metrics.observeNodeLatency(res.def.id, time.Since(start), status)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// invokeNode runs one node under its timeout and retry policy, returning the
// patch, the number of attempts made, and the final error. Retried attempts
// each receive a fresh copy of the snapshot so a failed attempt's scratch
// mutations cannot leak into the next.
func (e *Engine) invokeNode(ctx context.Context, def *nodeDef, snapshot State) (Patch, int, error) {
	var rp *RetryPolicy
	if def.policy != nil {
		rp = def.policy.Retry
	}
	maxAttempts := 1
	if rp != nil {
		maxAttempts = rp.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.incRetries(def.id)
			delay := computeBackoff(attempt-1, rp.BaseDelay, rp.MaxDelay, nil)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, attempt, ctx.Err()
				case <-timer.C:
				}
			}
		}

		attemptState := snapshot
		if maxAttempts > 1 {
			var err error
			if attemptState, err = snapshot.Clone(); err != nil {
				return nil, attempt + 1, err
			}
		}

		patch, err := invokeWithTimeout(ctx, def, attemptState, e.defaultNodeTimeout)
		if err == nil {
			return patch, attempt + 1, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempt + 1, err
		}
		if rp == nil || !rp.retryable(err) {
			return nil, attempt + 1, err
		}
	}
	return nil, maxAttempts, lastErr
}

// advance computes the next frontier from a completed round. Each node's
// outgoing edges are traversed in declaration order; duplicates collapse
// while preserving first-seen order, which is what makes the next round's
// merge order deterministic.
func (e *Engine) advance(r *run, results []nodeResult) ([]string, error) {
	var next []string
	seen := make(map[string]bool)

	for i := range results {
		res := &results[i]

		// Routing view: the snapshot this node received plus its own patch.
		// Sibling writes from the same round are deliberately invisible so a
		// condition's outcome cannot depend on scheduling.
		view := res.snapshot
		view.apply(res.patch)

		for _, edg := range e.graph.out[res.def.id] {
			dests, err := e.route(r, edg, view)
			if err != nil {
				return nil, err
			}
			for _, dst := range dests {
				if dst == End {
					continue
				}
				def := e.graph.nodes[dst]
				if def.kind == KindJoin {
					ready, err := e.arrive(r, def, res.def.id)
					if err != nil {
						return nil, err
					}
					if !ready || seen[dst] {
						continue
					}
				} else if seen[dst] {
					continue
				}
				seen[dst] = true
				next = append(next, dst)
			}
		}
	}
	return next, nil
}

// route resolves one edge to its destination node ids for this traversal.
func (e *Engine) route(r *run, edg *edge, view State) ([]string, error) {
	switch edg.kind {
	case edgePlain:
		return []string{edg.to}, nil

	case edgeFanOut:
		return edg.targets, nil

	case edgeLoop:
		count := r.loopCounters[edg.loopID]
		if count < edg.maxIterations {
			r.loopCounters[edg.loopID] = count + 1
			return []string{edg.to}, nil
		}
		// Bound reached: take the escape and reset the counter so a later
		// re-entry into the loop starts fresh.
		delete(r.loopCounters, edg.loopID)
		return []string{edg.escapeTo}, nil

	case edgeConditional:
		key := edg.cond.Eval(view)
		if to, ok := edg.routes[key]; ok {
			return []string{to}, nil
		}
		if edg.defaultTo != "" {
			return []string{edg.defaultTo}, nil
		}
		// Finalize guarantees every declared key is covered, so reaching here
		// means Eval returned a key outside its declared space.
		return nil, &RoutingError{
			NodeID:   edg.from,
			Key:      key,
			Declared: append([]string(nil), edg.cond.Keys...),
		}

	default:
		return nil, nil
	}
}

// arrive records one predecessor arrival at a join and reports whether the
// barrier is now complete. An arrival from outside the declared predecessor
// set is a fatal SynchronizationError, never silently absorbed.
func (e *Engine) arrive(r *run, join *nodeDef, from string) (bool, error) {
	declared := false
	for _, p := range join.predecessors {
		if p == from {
			declared = true
			break
		}
	}
	if !declared {
		return false, &SynchronizationError{JoinID: join.id, From: from}
	}

	arrived := r.joinArrivals[join.id]
	duplicate := false
	for _, a := range arrived {
		if a == from {
			duplicate = true
			break
		}
	}
	if !duplicate {
		arrived = append(arrived, from)
		r.joinArrivals[join.id] = arrived
	}

	if len(arrived) == len(join.predecessors) {
		delete(r.joinArrivals, join.id)
		return true, nil
	}

	e.metrics.incJoinWaits(join.id)
	e.emitEvent(r, emit.JoinWaiting, join.id, map[string]any{
		"arrived":  len(arrived),
		"required": len(join.predecessors),
	})
	return false, nil
}

// saveCheckpoint snapshots the run after a completed superstep. The snapshot
// deep-copies state and bookkeeping so later supersteps cannot mutate a
// checkpoint already handed to the store.
func (e *Engine) saveCheckpoint(ctx context.Context, r *run) error {
	stateCopy, err := r.state.Clone()
	if err != nil {
		return err
	}
	snap := Snapshot{
		GraphVersion: e.graph.version,
		State:        stateCopy,
		Frontier:     append([]string(nil), r.frontier...),
		SavedAt:      time.Now().UTC(),
	}
	if len(r.loopCounters) > 0 {
		snap.LoopCounters = make(map[string]int, len(r.loopCounters))
		for k, v := range r.loopCounters {
			snap.LoopCounters[k] = v
		}
	}
	if len(r.joinArrivals) > 0 {
		snap.JoinArrivals = make(map[string][]string, len(r.joinArrivals))
		for k, v := range r.joinArrivals {
			snap.JoinArrivals[k] = append([]string(nil), v...)
		}
	}

	if err := e.checkpoints.Save(ctx, r.id, snap); err != nil {
		return err
	}
	e.metrics.incCheckpoints()
	e.emitEvent(r, emit.CheckpointSaved, "", map[string]any{"checkpoint_id": r.id})
	return nil
}

func (e *Engine) emitEvent(r *run, typ emit.Type, nodeID string, meta map[string]any) {
	r.seq++
	ev := emit.Event{
		RunID:     r.id,
		Seq:       r.seq,
		Type:      typ,
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Meta:      meta,
	}
	r.events = append(r.events, ev)
	e.emitter.Emit(ev)
}

func (e *Engine) fail(r *run, err error) (Result, error) {
	e.metrics.setFrontierDepth(0)
	e.emitEvent(r, emit.GraphFailed, "", map[string]any{"error": err.Error(), "state": r.state})
	e.logger.Error(err, "run failed", "run", r.id, "step", r.steps)
	return Result{
		RunID:  r.id,
		Status: StatusFailed,
		State:  r.state,
		Steps:  r.steps,
		Events: r.events,
		Err:    err,
	}, err
}

func (e *Engine) cancelled(r *run, err error) (Result, error) {
	e.metrics.setFrontierDepth(0)
	e.emitEvent(r, emit.GraphFailed, "", map[string]any{"error": err.Error(), "state": r.state})
	e.logger.V(1).Info("run cancelled", "run", r.id, "step", r.steps)
	return Result{
		RunID:  r.id,
		Status: StatusCancelled,
		State:  r.state,
		Steps:  r.steps,
		Events: r.events,
		Err:    err,
	}, err
}
