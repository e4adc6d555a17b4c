// Package emit defines the event stream: lifecycle events pushed from the
// executor to external observers.
package emit

// Emitter receives lifecycle events from run execution.
//
// Implementations should be non-blocking, thread-safe, and resilient: a slow
// or failing backend must not stall or crash the run. Delivery is
// at-least-once and carries no durability guarantee beyond whatever the
// consumer persists itself.
type Emitter interface {
	// Emit pushes one event. It must not panic; internal failures should be
	// swallowed or logged by the implementation.
	Emit(event Event)
}

// MultiEmitter fans one event stream out to several backends in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
