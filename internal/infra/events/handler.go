package events

import "context"

// Handler processes events of a specific type.
type Handler interface {
	// Handle processes the given event.
	Handle(ctx context.Context, event Event) error

	// EventType returns the type of event this handler processes.
	EventType() string
}

// HandlerFunc is an adapter to allow ordinary functions to be used as
// event handlers.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, event Event) error
}

// Handle calls the wrapped function.
func (h HandlerFunc) Handle(ctx context.Context, event Event) error {
	return h.Fn(ctx, event)
}

// EventType returns the event type this handler subscribes to.
func (h HandlerFunc) EventType() string {
	return h.Type
}
