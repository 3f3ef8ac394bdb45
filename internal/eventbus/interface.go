package eventbus

import "context"

// EventBus carries session lifecycle events to observers such as the control
// API's event stream. Subscribe channels close when ctx is done.
type EventBus interface {
	Publish(ctx context.Context, session string, event Event) error
	Subscribe(ctx context.Context, session string) (<-chan Event, error)
}
