// Package backbone abstracts the subject-based message bus behind a thin
// adapter (C6, spec.md §4.6). The bridge owns reconnection and delivers
// opaque bytes to handlers; it never interprets payloads.
package backbone

import "context"

// Handler receives a delivered payload for the subject it was registered
// against. It must not block: the bridge calls it inline from its
// delivery loop.
type Handler func(subject string, data []byte)

// Handle identifies an open subscription so it can be closed later.
type Handle struct {
	subject string
}

// StateChange reports a transition in the bridge's connectivity, so the
// connection manager can react to BridgeUnavailable per spec.md §7.
type StateChange struct {
	Connected bool
	Err       error
}

// Bridge is the narrow interface C7 and C8 depend on.
type Bridge interface {
	// Connect blocks until the backbone is reachable, retrying with fixed
	// backoff forever unless ctx is cancelled.
	Connect(ctx context.Context) error

	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (Handle, error)
	Unsubscribe(ctx context.Context, handle Handle) error

	// StateChanges returns a channel of connectivity transitions. The
	// channel is closed when the bridge is closed.
	StateChanges() <-chan StateChange

	Close() error
}
