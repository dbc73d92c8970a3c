package events

import "ratematch/core/types"

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Structured is implemented by events that render into attribute maps for
// journals and subscribers.
type Structured interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Render converts evt into its attribute form. Events without a structured
// form carry only their type.
func Render(evt Event) *types.Event {
	if s, ok := evt.(Structured); ok {
		return s.Event()
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Fanout delivers every event to each emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
