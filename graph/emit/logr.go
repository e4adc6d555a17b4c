package emit

import "github.com/go-logr/logr"

// LogrEmitter bridges events into a logr.Logger, for applications that
// already route structured logs through logr.
//
// Failure events log through logger.Error; everything else through
// logger.Info at the configured verbosity.
type LogrEmitter struct {
	logger    logr.Logger
	verbosity int
}

// NewLogrEmitter wraps a logr.Logger as an Emitter. Verbosity applies to
// non-error events.
func NewLogrEmitter(logger logr.Logger, verbosity int) *LogrEmitter {
	return &LogrEmitter{logger: logger, verbosity: verbosity}
}

// Emit implements Emitter.
func (l *LogrEmitter) Emit(event Event) {
	kv := []any{
		"run_id", event.RunID,
		"seq", event.Seq,
	}
	if event.NodeID != "" {
		kv = append(kv, "node_id", event.NodeID)
	}
	for k, v := range event.Meta {
		if k == "error" {
			continue
		}
		kv = append(kv, k, v)
	}

	switch event.Type {
	case NodeFailed, GraphFailed:
		errStr, _ := event.Meta["error"].(string)
		l.logger.Error(nil, string(event.Type), append(kv, "error", errStr)...)
	default:
		l.logger.V(l.verbosity).Info(string(event.Type), kv...)
	}
}
