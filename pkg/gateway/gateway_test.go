package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/artcafe/pubsub-gateway/pkg/backbone"
	"github.com/artcafe/pubsub-gateway/pkg/credential"
	"github.com/artcafe/pubsub-gateway/pkg/presence"
	"github.com/artcafe/pubsub-gateway/pkg/registry"
	"github.com/artcafe/pubsub-gateway/pkg/router"
	"github.com/artcafe/pubsub-gateway/pkg/tenantquota"
)

type testAgent struct {
	principalID string
	tenantID    string
	pub         ed25519.PublicKey
	priv        ed25519.PrivateKey
}

func newTestAgent(t *testing.T, principalID, tenantID string) testAgent {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return testAgent{principalID: principalID, tenantID: tenantID, pub: pub, priv: priv}
}

type fakeKeyLookup struct {
	agents map[string]testAgent
}

func (f *fakeKeyLookup) LookupAgentKey(_ context.Context, principalID string) (*credential.AgentKeyRecord, error) {
	a, ok := f.agents[principalID]
	if !ok {
		return nil, nil
	}
	return &credential.AgentKeyRecord{TenantID: a.tenantID, PublicKey: a.pub, Algorithm: "ed25519"}, nil
}

type fakeChallengeStore struct {
	issued map[string]bool
}

func (f *fakeChallengeStore) Consume(_ context.Context, principalID, challenge string) (bool, error) {
	key := principalID + ":" + challenge
	if !f.issued[key] {
		return false, nil
	}
	delete(f.issued, key)
	return true, nil
}

type fakeTenantStore struct {
	tenants map[string]*tenantquota.Tenant
}

func (f *fakeTenantStore) LookupTenant(_ context.Context, tenantID string) (*tenantquota.Tenant, error) {
	return f.tenants[tenantID], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	server  *httptest.Server
	manager *Manager
	reg     registry.Registry
	rdb     *redis.Client
	keys    *fakeKeyLookup
	chal    *fakeChallengeStore
	tenants *fakeTenantStore
}

func newTestEnv(t *testing.T, nodeID string) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return newTestEnvOnRedis(t, nodeID, mr.Addr())
}

func newTestEnvOnRedis(t *testing.T, nodeID, addr string) *testEnv {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := testLogger()
	reg := registry.NewRedisRegistry(rdb)
	bridge := backbone.NewRedisBridge(rdb, 50*time.Millisecond, logger)
	t.Cleanup(func() { _ = bridge.Close() })
	rtr := router.New(bridge, reg)
	mon := presence.NewMonitor(reg, bridge, nil, logger, time.Minute, 90*time.Second, time.Hour)

	keys := &fakeKeyLookup{agents: make(map[string]testAgent)}
	chal := &fakeChallengeStore{issued: make(map[string]bool)}
	tenants := &fakeTenantStore{tenants: make(map[string]*tenantquota.Tenant)}

	oracle := tenantquota.NewOracle(tenants, rdb, time.Minute, nil, connectionGaugeFor(reg))

	m := NewManager(nodeID, logger)
	m.AgentVerifier = credential.NewAgentVerifier(keys, chal)
	m.DashboardVerifier = credential.NewDashboardVerifier("test-secret", "", time.Hour, "", "")
	m.Oracle = oracle
	m.Registry = reg
	m.Router = rtr
	m.Bridge = bridge
	m.Presence = mon
	m.HeartbeatTimeout = 90 * time.Second
	m.ConnectionTTL = time.Hour
	m.PublishTimeout = 2 * time.Second
	m.RegistryTimeout = 2 * time.Second

	r := chi.NewRouter()
	r.Route("/ws", func(r chi.Router) {
		m.Mount(r, AllowedOrigins{"*"})
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testEnv{server: server, manager: m, reg: reg, rdb: rdb, keys: keys, chal: chal, tenants: tenants}
}

func (e *testEnv) addTenant(id string, limits tenantquota.Limits) {
	e.tenants.tenants[id] = &tenantquota.Tenant{ID: id, Status: tenantquota.StatusActive, Limits: limits}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *testEnv) dialAgent(t *testing.T, a testAgent, challenge string) *websocket.Conn {
	t.Helper()
	e.keys.agents[a.principalID] = a
	e.chal.issued[a.principalID+":"+challenge] = true

	sig := ed25519.Sign(a.priv, []byte(challenge))
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	url := e.wsURL("/ws/agent/" + a.principalID + "?challenge=" + challenge + "&signature=" + sigB64)
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing agent: %v (resp=%v)", err, resp)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) OutboundFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var f OutboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decoding frame %s: %v", raw, err)
	}
	return f
}

func sendFrame(t *testing.T, ws *websocket.Conn, f InboundFrame) {
	t.Helper()
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func TestGateway_AgentHandshake(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})

	a1 := newTestAgent(t, "A1", "T1")
	ws := env.dialAgent(t, a1, "c-abc")
	defer ws.Close()

	welcome := readFrame(t, ws)
	if welcome.Type != "welcome" || welcome.PrincipalID != "A1" || welcome.NodeID != "N1" {
		t.Fatalf("unexpected welcome frame: %+v", welcome)
	}

	deadline := time.Now().Add(time.Second)
	var recs []registry.ConnectionRecord
	for time.Now().Before(deadline) {
		var err error
		recs, err = env.reg.QueryTenant(context.Background(), "T1", "")
		if err != nil {
			t.Fatalf("QueryTenant() error = %v", err)
		}
		if len(recs) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(recs) != 1 || recs[0].PrincipalID != "A1" || recs[0].NodeID != "N1" {
		t.Fatalf("expected registry row for A1 on N1, got %+v", recs)
	}
}

func TestGateway_CrossTenantReject(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})

	a1 := newTestAgent(t, "A1", "T1")
	ws := env.dialAgent(t, a1, "c-abc")
	defer ws.Close()
	_ = readFrame(t, ws) // welcome

	sendFrame(t, ws, InboundFrame{Type: "subscribe", Subject: "tenant.T2.channel.x"})

	f := readFrame(t, ws)
	if f.Type != "error" || f.Code != "forbidden_subject" {
		t.Fatalf("expected forbidden_subject error, got %+v", f)
	}

	subs, err := env.reg.QuerySubject(context.Background(), "tenant.T2.channel.x")
	if err != nil || len(subs) != 0 {
		t.Fatalf("expected no subscribers recorded, got %v, %v", subs, err)
	}
}

func TestGateway_FanOut(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})

	a1 := newTestAgent(t, "A1", "T1")
	a2 := newTestAgent(t, "A2", "T1")
	ws1 := env.dialAgent(t, a1, "c-1")
	defer ws1.Close()
	ws2 := env.dialAgent(t, a2, "c-2")
	defer ws2.Close()
	_ = readFrame(t, ws1)
	_ = readFrame(t, ws2)

	sendFrame(t, ws1, InboundFrame{Type: "subscribe", Subject: "tenant.T1.channel.chat"})
	if f := readFrame(t, ws1); f.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %+v", f)
	}
	sendFrame(t, ws2, InboundFrame{Type: "subscribe", Subject: "tenant.T1.channel.chat"})
	if f := readFrame(t, ws2); f.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %+v", f)
	}

	sendFrame(t, ws1, InboundFrame{Type: "publish", Subject: "tenant.T1.channel.chat", Data: json.RawMessage(`{"m":"hi"}`)})
	if f := readFrame(t, ws1); f.Type != "published" || f.Subject != "tenant.T1.channel.chat" {
		t.Fatalf("expected published ack, got %+v", f)
	}

	f2 := readFrame(t, ws2)
	if f2.Type != "message" || f2.Subject != "tenant.T1.channel.chat" || string(f2.Data) != `{"m":"hi"}` {
		t.Fatalf("unexpected message frame on ws2: %+v", f2)
	}
}

func TestGateway_QuotaTrip(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1})

	a1 := newTestAgent(t, "A1", "T1")
	ws := env.dialAgent(t, a1, "c-abc")
	defer ws.Close()
	_ = readFrame(t, ws)

	sendFrame(t, ws, InboundFrame{Type: "publish", Subject: "tenant.T1.channel.chat", Data: json.RawMessage(`{"n":1}`)})
	if f := readFrame(t, ws); f.Type != "published" {
		t.Fatalf("expected first publish to succeed, got %+v", f)
	}

	sendFrame(t, ws, InboundFrame{Type: "publish", Subject: "tenant.T1.channel.chat", Data: json.RawMessage(`{"n":2}`)})
	f := readFrame(t, ws)
	if f.Type != "error" || f.Code != "quota_exceeded" || f.Kind != "message" {
		t.Fatalf("expected quota_exceeded error, got %+v", f)
	}

	// Connection stays open: a ping still gets a pong.
	sendFrame(t, ws, InboundFrame{Type: "ping"})
	if f := readFrame(t, ws); f.Type != "pong" {
		t.Fatalf("expected pong after quota trip, got %+v", f)
	}
}

func TestGateway_DisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})

	a1 := newTestAgent(t, "A1", "T1")
	ws := env.dialAgent(t, a1, "c-abc")
	_ = readFrame(t, ws)
	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := env.reg.QueryTenant(context.Background(), "T1", "")
		if err == nil && len(recs) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected registry row removed after disconnect")
}

func TestGateway_DashboardPublishAck(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})

	secret := []byte("test-secretxxxxxxxxxxxxxxxxxxxxx")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}
	raw, err := jwt.Signed(signer).
		Claims(jwt.Claims{Subject: "D1", Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))}).
		Claims(credential.DashboardClaims{TenantID: "T1"}).
		Serialize()
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	env.manager.DashboardVerifier = credential.NewDashboardVerifier(string(secret), "", time.Hour, "", "")

	url := env.wsURL("/ws/dashboard?token=" + raw)
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing dashboard: %v (resp=%v)", err, resp)
	}
	defer ws.Close()

	welcome := readFrame(t, ws)
	if welcome.Type != "welcome" || welcome.PrincipalID != "D1" {
		t.Fatalf("unexpected welcome frame: %+v", welcome)
	}

	sendFrame(t, ws, InboundFrame{Type: "publish", Subject: "tenant.T1.channel.chat", Data: json.RawMessage(`{"m":"hi"}`)})
	if f := readFrame(t, ws); f.Type != "published" {
		t.Fatalf("expected published ack, got %+v", f)
	}
}

func TestGateway_MultiNodeRouting(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	env1 := newTestEnvOnRedis(t, "N1", mr.Addr())
	env2 := newTestEnvOnRedis(t, "N2", mr.Addr())
	env1.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})
	env2.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})

	a1 := newTestAgent(t, "A1", "T1")
	a2 := newTestAgent(t, "A2", "T1")

	ws1 := env1.dialAgent(t, a1, "c-1")
	defer ws1.Close()
	ws2 := env2.dialAgent(t, a2, "c-2")
	defer ws2.Close()
	_ = readFrame(t, ws1)
	_ = readFrame(t, ws2)

	sendFrame(t, ws1, InboundFrame{Type: "subscribe", Subject: "agents.T1.event.foo"})
	_ = readFrame(t, ws1)
	sendFrame(t, ws2, InboundFrame{Type: "subscribe", Subject: "agents.T1.event.foo"})
	_ = readFrame(t, ws2)

	sendFrame(t, ws1, InboundFrame{Type: "publish", Subject: "agents.T1.event.foo", Data: json.RawMessage(`{"x":1}`)})
	_ = readFrame(t, ws1) // published ack

	f2 := readFrame(t, ws2)
	if f2.Type != "message" || f2.Subject != "agents.T1.event.foo" {
		t.Fatalf("expected message on node N2, got %+v", f2)
	}
}

// TestGateway_FatalCloseUsesPolicyViolationCode exercises spec.md §7's
// close-code table end to end: a TenantInactive failure mid-stream must
// close the socket with 1008, not the default 1000.
func TestGateway_FatalCloseUsesPolicyViolationCode(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})

	a1 := newTestAgent(t, "A1", "T1")
	ws := env.dialAgent(t, a1, "c-abc")
	defer ws.Close()
	_ = readFrame(t, ws) // welcome

	env.tenants.tenants["T1"].Status = tenantquota.StatusSuspended

	sendFrame(t, ws, InboundFrame{Type: "publish", Subject: "tenant.T1.channel.chat", Data: json.RawMessage(`{"n":1}`)})
	if f := readFrame(t, ws); f.Type != "error" || f.Code != "tenant_inactive" {
		t.Fatalf("expected tenant_inactive error, got %+v", f)
	}

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected close code %d, got %d", websocket.ClosePolicyViolation, closeErr.Code)
	}
}

// TestGateway_PublishSmoothingLimiterTrips exercises Oracle.Limiter's
// in-process token bucket directly: with a daily quota far above what a
// burst of publishBurst+1 frames would ever hit, the limiter itself (not
// the Redis-backed day counter) must be what trips.
func TestGateway_PublishSmoothingLimiterTrips(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1_000_000})

	a1 := newTestAgent(t, "A1", "T1")
	ws := env.dialAgent(t, a1, "c-abc")
	defer ws.Close()
	_ = readFrame(t, ws) // welcome

	for i := 0; i < publishBurst; i++ {
		sendFrame(t, ws, InboundFrame{Type: "publish", Subject: "tenant.T1.channel.chat", Data: json.RawMessage(`{"n":1}`)})
		if f := readFrame(t, ws); f.Type != "published" {
			t.Fatalf("expected publish %d to succeed, got %+v", i, f)
		}
	}

	sendFrame(t, ws, InboundFrame{Type: "publish", Subject: "tenant.T1.channel.chat", Data: json.RawMessage(`{"n":1}`)})
	if f := readFrame(t, ws); f.Type != "error" || f.Code != "quota_exceeded" {
		t.Fatalf("expected quota_exceeded from the in-process limiter, got %+v", f)
	}

	// Per-message quota trips aren't fatal: the connection stays open.
	sendFrame(t, ws, InboundFrame{Type: "ping"})
	if f := readFrame(t, ws); f.Type != "pong" {
		t.Fatalf("expected pong after limiter trip, got %+v", f)
	}
}

// TestGateway_DashboardConnectEmitsNoStatusEvent guards the online/offline
// symmetry fix: only agents flip presence status, so a second dashboard
// admitting must not publish a status_changed event a first dashboard's
// wildcard subscription would otherwise observe.
func TestGateway_DashboardConnectEmitsNoStatusEvent(t *testing.T) {
	env := newTestEnv(t, "N1")
	env.addTenant("T1", tenantquota.Limits{MaxConcurrentConns: 10, MaxMessagesPerDay: 1000})

	secret := []byte("test-secretxxxxxxxxxxxxxxxxxxxxx")
	env.manager.DashboardVerifier = credential.NewDashboardVerifier(string(secret), "", time.Hour, "", "")

	dialDashboard := func(t *testing.T, subject string) *websocket.Conn {
		t.Helper()
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, (&jose.SignerOptions{}).WithType("JWT"))
		if err != nil {
			t.Fatalf("creating signer: %v", err)
		}
		raw, err := jwt.Signed(signer).
			Claims(jwt.Claims{Subject: subject, Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))}).
			Claims(credential.DashboardClaims{TenantID: "T1"}).
			Serialize()
		if err != nil {
			t.Fatalf("signing token: %v", err)
		}
		ws, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/dashboard?token="+raw), nil)
		if err != nil {
			t.Fatalf("dialing dashboard: %v (resp=%v)", err, resp)
		}
		return ws
	}

	ws1 := dialDashboard(t, "D1")
	defer ws1.Close()
	_ = readFrame(t, ws1) // welcome, auto-subscribed to agents.T1.>

	ws2 := dialDashboard(t, "D2")
	defer ws2.Close()
	_ = readFrame(t, ws2) // welcome

	_ = ws1.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := ws1.ReadMessage()
	if err == nil {
		t.Fatal("expected no status_changed event on D1 from D2's admission, got a frame")
	}
}
