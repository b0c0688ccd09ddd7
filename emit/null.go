package emit

import "context"

// NullEmitter discards every event. Useful as a default when no
// observability backend is configured.
type NullEmitter struct{}

// NewNullEmitter returns a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards event.
func (NullEmitter) Emit(Event) {}

// EmitBatch discards events.
func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

// Flush is a no-op.
func (NullEmitter) Flush(context.Context) error { return nil }
