package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events to an io.Writer, either as human-readable text or
// as one JSON object per line (JSONL).
//
// Text output:
//
//	[node_completed] run=run-001 seq=3 node=classify
//
// JSON output:
//
//	{"run_id":"run-001","seq":3,"type":"node_completed","node_id":"classify",...}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}

	fmt.Fprintf(l.writer, "[%s] run=%s seq=%d", event.Type, event.RunID, event.Seq)
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
