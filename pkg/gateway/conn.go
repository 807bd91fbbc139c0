package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/artcafe/pubsub-gateway/pkg/credential"
	"github.com/artcafe/pubsub-gateway/pkg/gwerrors"
	"github.com/artcafe/pubsub-gateway/pkg/router"
	"github.com/artcafe/pubsub-gateway/pkg/subject"
	"github.com/artcafe/pubsub-gateway/pkg/tenantquota"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Conn is one admitted WebSocket connection: a principal, its tenant, and
// the read/write pumps that move frames between the socket and the rest of
// the gateway. It implements router.Socket so C7 can deliver to it
// directly.
type Conn struct {
	manager   *Manager
	ws        *websocket.Conn
	principal *credential.Principal
	tenant    *tenantquota.Tenant
	logger    *slog.Logger

	state atomic.Int32
	send  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeCode atomic.Int32
}

func newConn(m *Manager, ws *websocket.Conn, principal *credential.Principal, tenant *tenantquota.Tenant) *Conn {
	c := &Conn{
		manager:   m,
		ws:        ws,
		principal: principal,
		tenant:    tenant,
		logger:    m.Logger.With("principal_id", principal.PrincipalID, "tenant_id", principal.TenantID, "role", string(principal.Role)),
		send:      make(chan []byte, m.sendBuffer()),
		closed:    make(chan struct{}),
	}
	c.state.Store(int32(StateAdmitted))
	return c
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Conn) getState() State {
	return State(c.state.Load())
}

// Deliver implements router.Socket: it queues a backbone-originated message
// for delivery as a `message` frame. It must not block, so a full send
// buffer drops the message and disconnects the slow consumer rather than
// stall the router's fan-out loop.
func (c *Conn) Deliver(msg router.Message) {
	frame := OutboundFrame{Type: "message", Subject: msg.Subject, Data: msg.Data, Timestamp: msg.Timestamp}
	c.enqueue(frame)
}

func (c *Conn) enqueue(frame OutboundFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("encoding outbound frame", "error", err)
		return
	}
	select {
	case c.send <- raw:
	default:
		c.logger.Warn("send buffer full, dropping slow consumer")
		c.initiateClose()
	}
}

// run drives one connection end to end: sends the welcome frame,
// establishes default subscriptions, then blocks on the read pump until
// the connection closes, tearing down via the write pump in parallel.
// Grounded on the websocket hub's paired readPump/writePump goroutines,
// adapted to this gateway's frame vocabulary and domain state.
func (c *Conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.admitAndRun(ctx)

	cancel()
	c.initiateClose()
	wg.Wait()

	c.teardown(context.Background())
}

// admitAndRun performs the ADMITTED→RUNNING transition (default
// subscriptions, welcome frame) and then runs the read pump until the
// connection ends.
func (c *Conn) admitAndRun(ctx context.Context) {
	subscribed := c.autoSubscribe(ctx)
	c.enqueue(welcomeFrame(c.principal.PrincipalID, c.manager.NodeID, subscribed))

	if c.manager.Presence != nil && c.principal.Role == credential.RoleAgent {
		if err := c.manager.Presence.EmitOnline(ctx, c.principal.TenantID, c.principal.PrincipalID); err != nil {
			c.logger.Error("emitting online status", "error", err)
		}
	}

	c.setState(StateRunning)
	c.readPump(ctx)
}

// autoSubscribe wires the default subscriptions spec.md §4.8 requires for
// the ADMITTED→RUNNING transition, plus any subscriptions this principal
// held before a prior disconnect (spec.md §9 open-question decision:
// subscriptions are pre-seeded from the registry's subscription records on
// reconnect, so a client doesn't need to re-subscribe by hand after a
// brief network blip). Returns the subjects that succeeded.
func (c *Conn) autoSubscribe(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var subjects []string
	add := func(subjs ...string) {
		for _, s := range subjs {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			subjects = append(subjects, s)
		}
	}

	switch c.principal.Role {
	case credential.RoleAgent:
		add(subject.AgentCommandSubjects(c.principal.TenantID, c.principal.PrincipalID)...)
		for _, capability := range c.principal.Capabilities {
			if subject.ValidateCapability(capability) {
				add(subject.TaskWildcard(c.principal.TenantID, capability))
			}
		}
	case credential.RoleDashboard:
		add(subject.DashboardWildcards(c.principal.TenantID)...)
	}

	if prior, err := c.manager.Registry.QueryPrincipalSubs(ctx, c.principal.PrincipalID); err != nil {
		c.logger.Error("querying prior subscriptions for reconnect", "error", err)
	} else {
		add(prior...)
	}

	var ok []string
	for _, subj := range subjects {
		if err := c.manager.Router.Subscribe(ctx, c.principal.TenantID, c.principal.PrincipalID, subj, c.manager.NodeID, c.manager.ConnectionTTL, c); err != nil {
			c.logger.Error("auto-subscribe failed", "subject", subj, "error", err)
			continue
		}
		ok = append(ok, subj)
	}
	return ok
}

// readPump reads frames off the socket and dispatches them until the
// connection closes. The read deadline is refreshed on every pong,
// grounded on the websocket hub's 60s pong-driven liveness pattern.
func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("unexpected close", "error", err)
			}
			return
		}

		var in InboundFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			c.enqueue(errorFrame(gwerrors.FrameCode(gwerrors.ProtocolError), "malformed JSON"))
			continue
		}
		if in.Type == "" {
			c.enqueue(errorFrame(gwerrors.FrameCode(gwerrors.ProtocolError), "missing type"))
			continue
		}

		if fatal := c.dispatch(ctx, in); fatal {
			return
		}

		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dispatch handles one inbound frame and reports whether the connection
// must now close.
func (c *Conn) dispatch(ctx context.Context, in InboundFrame) (fatal bool) {
	switch in.Type {
	case "subscribe":
		c.handleSubscribe(ctx, in.Subject)
	case "unsubscribe":
		c.handleUnsubscribe(ctx, in.Subject)
	case "publish":
		return c.handlePublish(ctx, in.Subject, in.Data)
	case "heartbeat":
		c.handleHeartbeat(ctx)
	case "ping":
		c.enqueue(pongFrame())
	default:
		c.enqueue(errorFrame(gwerrors.FrameCode(gwerrors.ProtocolError), fmt.Sprintf("unknown frame type %q", in.Type)))
	}
	return false
}

func (c *Conn) handleSubscribe(ctx context.Context, subj string) {
	err := c.manager.Router.Subscribe(ctx, c.principal.TenantID, c.principal.PrincipalID, subj, c.manager.NodeID, c.manager.ConnectionTTL, c)
	if err != nil {
		c.sendClassifiedError(err)
		return
	}
	c.enqueue(subscribedFrame(subj))
}

func (c *Conn) handleUnsubscribe(ctx context.Context, subj string) {
	if err := c.manager.Router.Unsubscribe(ctx, c.principal.PrincipalID, subj); err != nil {
		c.sendClassifiedError(err)
		return
	}
	c.enqueue(unsubscribedFrame(subj))
}

// handlePublish validates, admits, publishes, and accounts for a
// publish frame, per spec.md §4.8. It reports fatal=true only when the
// failure must tear down the connection (bridge/registry unavailability
// past admission is treated as a per-frame error, not fatal, since the
// connection itself remains usable for other operations).
func (c *Conn) handlePublish(ctx context.Context, subj string, data json.RawMessage) bool {
	if !subject.Validate(subj, c.principal.TenantID) {
		c.enqueue(errorFrame(gwerrors.FrameCode(gwerrors.ForbiddenSubject), fmt.Sprintf("subject %q is outside your tenant", subj)))
		return false
	}

	if ratePerSec, smoothed := publishSmoothingRate(c.tenant); smoothed {
		if !c.manager.Oracle.Limiter(c.principal.TenantID, ratePerSec, publishBurst).Allow() {
			c.sendClassifiedError(gwerrors.NewQuotaExceeded(string(tenantquota.KindMessage), c.tenant.Limits.MaxMessagesPerDay, c.tenant.Limits.MaxMessagesPerDay, 1))
			return false
		}
	}

	if err := c.manager.Oracle.Admit(ctx, c.tenant, tenantquota.KindMessage); err != nil {
		c.sendClassifiedError(err)
		return false
	}

	payload := data
	if isAgentNamespace(subj) && c.principal.Role == credential.RoleAgent {
		wrapped, err := json.Marshal(struct {
			PrincipalID string          `json:"principal_id"`
			Timestamp   string          `json:"timestamp"`
			Data        json.RawMessage `json:"data"`
		}{c.principal.PrincipalID, time.Now().UTC().Format(time.RFC3339), data})
		if err != nil {
			c.enqueue(errorFrame(gwerrors.FrameCode(gwerrors.Internal), "encoding publish envelope"))
			return false
		}
		payload = wrapped
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.manager.PublishTimeout)
	defer cancel()
	if err := c.manager.Bridge.Publish(pubCtx, subj, payload); err != nil {
		c.enqueue(errorFrame(gwerrors.FrameCode(gwerrors.BridgeUnavailable), "publish failed"))
		return false
	}

	c.manager.Oracle.Account(ctx, c.principal.TenantID, tenantquota.KindMessage, 1)
	c.enqueue(publishedFrame(subj))
	return false
}

// publishBurst caps how many publish frames a tenant may send in a single
// instant above its smoothed per-second rate before Oracle.Limiter's
// in-process token bucket starts rejecting them ahead of the Redis-backed
// day counter in Admit.
const publishBurst = 10

// publishSmoothingRate derives the in-process limiter's per-second rate
// from a tenant's daily message quota, spread evenly across the day. A
// tenant with no daily limit configured gets no local smoothing; Admit's
// Redis-backed counter remains its only ceiling.
func publishSmoothingRate(tenant *tenantquota.Tenant) (float64, bool) {
	if tenant.Limits.MaxMessagesPerDay <= 0 {
		return 0, false
	}
	return float64(tenant.Limits.MaxMessagesPerDay) / 86400.0, true
}

// isAgentNamespace reports whether subj lies under the agents.* root,
// where an agent publish is enveloped with identity metadata rather than
// passed through verbatim (spec.md §4.8).
func isAgentNamespace(subj string) bool {
	return len(subj) > 7 && subj[:7] == "agents."
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.manager.Presence != nil {
		if err := c.manager.Presence.RecordHeartbeat(ctx, c.principal.PrincipalID); err != nil {
			c.sendClassifiedError(err)
			return
		}
	}
	c.enqueue(heartbeatAckFrame(time.Now().UTC().Format(time.RFC3339)))
}

// sendClassifiedError maps a *gwerrors.Error to either an error frame (the
// default) or a fatal close, per the propagation policy in spec.md §7:
// only AuthFailure, TenantInactive, RegistryUnavailable, and Internal
// terminate the connection mid-stream; everything else is reported and the
// connection stays open.
func (c *Conn) sendClassifiedError(err error) {
	kind := gwerrors.KindOf(err)
	ge, _ := gwerrors.As(err)

	if kind == gwerrors.QuotaExceeded && ge != nil {
		c.enqueue(quotaErrorFrame(ge.QuotaKind, ge.Error(), ge.ResetInS))
		return
	}

	if gwerrors.Fatal(kind) {
		c.enqueue(errorFrame(gwerrors.FrameCode(kind), err.Error()))
		c.initiateCloseWithKind(kind)
		return
	}

	c.enqueue(errorFrame(gwerrors.FrameCode(kind), err.Error()))
}

// writePump drains the send channel to the socket and pings on an
// interval, grounded on the websocket hub's writePump (bounded channel,
// per-message write deadline, ping ticker). It returns once the
// connection is marked closed or the socket write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			code := int(c.closeCode.Load())
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
			return

		case raw, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.Warn("write failed", "error", err)
				c.initiateClose()
				return
			}

			// Flush any additional queued frames onto the same write
			// opportunity before returning to the select.
			n := len(c.send)
			for i := 0; i < n; i++ {
				next := <-c.send
				if err := c.ws.WriteMessage(websocket.TextMessage, next); err != nil {
					c.logger.Warn("write failed", "error", err)
					c.initiateClose()
					return
				}
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.initiateClose()
				return
			}
		}
	}
}

// teardown performs the RUNNING→CLOSING→CLOSED cleanup spec.md §4.8
// requires: C7 entries removed, C4 unregistered, status event emitted,
// socket closed.
func (c *Conn) teardown(ctx context.Context) {
	c.setState(StateClosing)

	if err := c.manager.Router.RemoveAll(ctx, c.principal.PrincipalID); err != nil {
		c.logger.Error("removing subscriptions on teardown", "error", err)
	}
	if err := c.manager.Registry.Unregister(ctx, c.principal.PrincipalID); err != nil {
		c.logger.Error("unregistering on teardown", "error", err)
	}
	if c.manager.Presence != nil {
		c.manager.Presence.Forget(c.principal.PrincipalID)
		if c.principal.Role == credential.RoleAgent {
			if err := c.manager.Presence.EmitOffline(ctx, c.principal.TenantID, c.principal.PrincipalID, "disconnect"); err != nil {
				c.logger.Error("emitting offline status", "error", err)
			}
		}
	}

	recordClosed(c.principal.Role)
	c.setState(StateClosed)
	_ = c.ws.Close()
}
