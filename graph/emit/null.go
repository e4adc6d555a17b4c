package emit

// NullEmitter discards all events. It is the default when no emitter is
// configured, so the executor never has to nil-check.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter.
func (*NullEmitter) Emit(Event) {}
