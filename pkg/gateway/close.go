package gateway

import "github.com/artcafe/pubsub-gateway/pkg/gwerrors"

// This file holds the close-code side of spec.md §7's error taxonomy: the
// table itself lives in pkg/gwerrors (Kind, Fatal, CloseCodeFor), and
// Conn applies it here so a fatal teardown reports why it happened
// instead of the WebSocket protocol's generic 1000.

// initiateClose is safe to call from any goroutine and any number of
// times; only the first call has effect. It closes with the normal 1000
// code; a classified fatal error must go through initiateCloseWithKind
// instead so the socket reports why it was torn down (spec.md §4.8, §7).
func (c *Conn) initiateClose() {
	c.closeWithCode(int(gwerrors.CloseNormal))
}

// initiateCloseWithKind tears the connection down reporting the close
// code gwerrors.CloseCodeFor maps kind to (1008 for a policy failure,
// 1011 for an infra failure), per the close-code table in spec.md §7.
func (c *Conn) initiateCloseWithKind(kind gwerrors.Kind) {
	c.closeWithCode(int(gwerrors.CloseCodeFor(kind)))
}

// closeWithCode records the close code the write pump should send and
// triggers the close exactly once. Only the first caller's code wins: if
// enqueue's slow-consumer drop and sendClassifiedError's fatal branch
// race, whichever reaches the CompareAndSwap first decides the code, and
// that is always the one that actually requested the teardown.
func (c *Conn) closeWithCode(code int) {
	c.closeCode.CompareAndSwap(0, int32(code))
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.closed)
	})
}
