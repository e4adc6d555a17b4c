package graph

import (
	"context"
	"fmt"
	"time"
)

// nodeTimeout resolves the timeout for a node: per-node policy first, then
// the engine-wide default, then 0 (unlimited).
func nodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// invokeWithTimeout runs a single node invocation under its resolved timeout.
// A deadline hit is reported as an ordinary invocation failure so the node's
// retry policy applies to it like any other error.
func invokeWithTimeout(ctx context.Context, def *nodeDef, state State, defaultTimeout time.Duration) (Patch, error) {
	timeout := nodeTimeout(def.policy, defaultTimeout)
	if timeout == 0 {
		return def.node.Invoke(ctx, state)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	patch, err := def.node.Invoke(timeoutCtx, state)
	if timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, fmt.Errorf("node %s exceeded timeout of %v: %w", def.id, timeout, context.DeadlineExceeded)
	}
	return patch, err
}
