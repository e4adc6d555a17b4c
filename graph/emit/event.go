package emit

import "time"

// Type identifies a lifecycle event phase.
type Type string

// Lifecycle event types, emitted in execution order within a run.
const (
	// NodeStarted fires when a node invocation begins.
	NodeStarted Type = "node_started"

	// NodeCompleted fires after a successful invocation. Meta["patch"] holds
	// the returned patch.
	NodeCompleted Type = "node_completed"

	// NodeFailed fires when a node fails after exhausting its retry policy.
	// Meta["error"] holds the error string, Meta["attempts"] the attempt count.
	NodeFailed Type = "node_failed"

	// JoinWaiting fires when an arrival reaches a join that is still short of
	// its barrier. Meta["arrived"] and Meta["required"] hold the counts.
	JoinWaiting Type = "join_waiting"

	// GraphCompleted fires once per successful run. Meta["state"] holds the
	// final state.
	GraphCompleted Type = "graph_completed"

	// GraphFailed fires once per failed run. Meta["error"] holds the
	// originating error, Meta["state"] the last stable state.
	GraphFailed Type = "graph_failed"

	// CheckpointSaved fires after a checkpoint commits. Meta["checkpoint_id"]
	// holds the id.
	CheckpointSaved Type = "checkpoint_saved"
)

// Event is one observation of run progress.
//
// Delivery to consumers is at-least-once per run; consumers must tolerate
// duplicates. Seq is the emission sequence number within the run, so a
// consumer can re-establish order after buffering.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string `json:"run_id"`

	// Seq is the 1-based emission sequence number within the run.
	Seq int `json:"seq"`

	// Type is the lifecycle phase.
	Type Type `json:"type"`

	// NodeID identifies the node involved; empty for run-level events.
	NodeID string `json:"node_id,omitempty"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Meta carries the event payload. Common keys: "patch", "state",
	// "error", "attempts", "arrived", "required", "checkpoint_id".
	Meta map[string]any `json:"meta,omitempty"`
}
