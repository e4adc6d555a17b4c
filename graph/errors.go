package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMaxStepsExceeded indicates that a run reached the configured step limit
// without completing. This is the backstop against runaway executions when a
// loop bound or conditional exit is misconfigured.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrNoProgress indicates a deadlock: the frontier is non-empty but no node
// is runnable. The usual cause is a join whose remaining predecessors can no
// longer arrive.
var ErrNoProgress = errors.New("no progress: no runnable nodes in frontier")

// StructuralError reports an invalid graph. It is raised only while building
// or finalizing a graph, never at run time: a graph that survives Finalize is
// structurally sound for any number of concurrent runs.
type StructuralError struct {
	// NodeID is the offending node or edge source, when attributable.
	NodeID string

	// Message describes the violation.
	Message string
}

func (e *StructuralError) Error() string {
	if e.NodeID != "" {
		return "graph structure: " + e.NodeID + ": " + e.Message
	}
	return "graph structure: " + e.Message
}

// RoutingError reports a conditional edge whose evaluated key matched no
// declared target and no default was declared. Fatal to the run.
type RoutingError struct {
	NodeID   string
	Key      string
	Declared []string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing: node %s returned key %q, declared keys [%s], no default",
		e.NodeID, e.Key, strings.Join(e.Declared, " "))
}

// NodeInvocationError wraps a failure reported by a node, after its retry
// policy (if any) has been exhausted.
type NodeInvocationError struct {
	// NodeID identifies the failing node.
	NodeID string

	// Attempts is the total number of invocation attempts made.
	Attempts int

	// Cause is the last error returned by the node.
	Cause error
}

func (e *NodeInvocationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("node %s failed after %d attempts: %v", e.NodeID, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying node error.
func (e *NodeInvocationError) Unwrap() error { return e.Cause }

// SynchronizationError reports an arrival at a join from a node that is not
// in the join's declared predecessor set. This is a contract violation
// between builder and executor and is always fatal, never absorbed.
type SynchronizationError struct {
	JoinID string
	From   string
}

func (e *SynchronizationError) Error() string {
	return fmt.Sprintf("synchronization: join %s received arrival from undeclared predecessor %s", e.JoinID, e.From)
}

// ConflictError reports two fan-out siblings writing the same state key in
// the same merge round under strict merge mode.
type ConflictError struct {
	Key   string
	Nodes []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state merge conflict on key %q between nodes [%s]", e.Key, strings.Join(e.Nodes, " "))
}

// StorageError reports a checkpoint read or write failure. The run state is
// left unchanged by a failed storage operation, so retrying the operation is
// safe.
type StorageError struct {
	Op           string // "save" or "load"
	CheckpointID string
	Cause        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.CheckpointID, e.Cause)
}

// Unwrap returns the underlying storage error.
func (e *StorageError) Unwrap() error { return e.Cause }

// StaleCheckpointError reports a resume attempt against a graph whose
// structure no longer matches the checkpoint. The caller decides whether to
// rebuild the old graph version or discard the checkpoint.
type StaleCheckpointError struct {
	CheckpointVersion string
	GraphVersion      string
}

func (e *StaleCheckpointError) Error() string {
	return fmt.Sprintf("stale checkpoint: recorded graph version %s, current graph version %s",
		e.CheckpointVersion, e.GraphVersion)
}

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for ill-formed
// policies (MaxAttempts < 1 or MaxDelay < BaseDelay).
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")
