package emit

import "sync"

// BufferedEmitter stores events in memory, organized by run id. It backs the
// event history returned with run results and is the workhorse for tests and
// post-run analysis.
//
// All events stay in memory until cleared; long-lived processes running many
// workflows should Clear finished runs.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects a subset of a run's history. All set fields must
// match (AND logic); zero fields match everything.
type HistoryFilter struct {
	NodeID string
	Type   Type
	MinSeq int
	MaxSeq int // 0 means no upper bound
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of all events for a run, in emission order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the run's events matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range b.events[runID] {
		if filter.NodeID != "" && event.NodeID != filter.NodeID {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if event.Seq < filter.MinSeq {
			continue
		}
		if filter.MaxSeq > 0 && event.Seq > filter.MaxSeq {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear drops stored events for one run, or for all runs when runID is
// empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
