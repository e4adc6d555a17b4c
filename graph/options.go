package graph

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/gridwork/stategraph/graph/emit"
	"github.com/gridwork/stategraph/graph/store"
)

// Option configures an Engine at construction time.
//
//	engine := graph.New(g,
//	    graph.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	    graph.WithMaxConcurrent(8),
//	    graph.WithMaxSteps(100),
//	)
type Option func(*Engine)

// WithEmitter sets the event sink for all runs of this engine. Default is
// emit.NullEmitter. Use emit.MultiEmitter to fan events to several sinks.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithLogger sets the structured logger. The engine logs superstep progress
// at V(1) and failures at error level. Default is logr.Discard.
func WithLogger(logger logr.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithMaxConcurrent caps how many nodes of one superstep execute at the same
// time. Zero or negative means unlimited. Each concurrent node holds a deep
// copy of the state, so memory scales with this value times state size.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		e.maxConcurrent = n
	}
}

// WithMaxSteps limits the number of supersteps per run, the backstop against
// runaway executions when a loop bound or conditional exit is misconfigured.
// Zero means no limit. Exceeding it fails the run with ErrMaxStepsExceeded.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		e.maxSteps = n
	}
}

// WithDefaultNodeTimeout bounds invocations of nodes that carry no explicit
// timeout of their own. Zero means unlimited.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaultNodeTimeout = d
	}
}

// WithStrictMerge makes a same-round write to one key by multiple branches a
// fatal ConflictError instead of resolving it by declared branch order.
func WithStrictMerge() Option {
	return func(e *Engine) {
		e.strictMerge = true
	}
}

// WithCheckpoints enables checkpointing against a store. The policy controls
// automatic saves; CheckpointDisabled still allows Resume against snapshots
// written elsewhere.
func WithCheckpoints(st store.Store, policy CheckpointPolicy) Option {
	return func(e *Engine) {
		if st != nil {
			e.checkpoints = NewCheckpointManager(st)
			e.checkpointPolicy = policy
		}
	}
}
