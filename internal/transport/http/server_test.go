package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"execcore/internal/events"
	"execcore/internal/guard"
	"execcore/internal/risk"
	"execcore/internal/router"
	"execcore/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) Route(ctx context.Context, sig types.Signal) router.Result {
	return m.Called(ctx, sig).Get(0).(router.Result)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) GetAllPositions() []types.Position {
	return m.Called().Get(0).([]types.Position)
}

func (m *mockLedger) GetIntent(id string) (types.Intent, bool) {
	args := m.Called(id)
	return args.Get(0).(types.Intent), args.Bool(1)
}

func (m *mockLedger) Trades(limit int) []types.TradeRecord {
	return m.Called(limit).Get(0).([]types.TradeRecord)
}

type mockBreaker struct {
	mock.Mock
}

func (m *mockBreaker) State() (types.SystemState, risk.State) {
	args := m.Called()
	return args.Get(0).(types.SystemState), args.Get(1).(risk.State)
}

func (m *mockBreaker) Reset(ctx context.Context, actor string) error {
	return m.Called(ctx, actor).Error(0)
}

func (m *mockBreaker) SetArmed(ctx context.Context, actor string, armed bool) error {
	return m.Called(ctx, actor, armed).Error(0)
}

func (m *mockBreaker) Trip(ctx context.Context, actor, reason string) {
	m.Called(ctx, actor, reason)
}

type fixture struct {
	srv      *Server
	router   *mockRouter
	ledger   *mockLedger
	breaker  *mockBreaker
	signer   *guard.Verifier
	commands *guard.CommandVerifier
	bus      *events.Bus
}

func newFixture(t *testing.T, requireSig bool) *fixture {
	t.Helper()
	schema, err := guard.NewSchemaValidator()
	require.NoError(t, err)
	f := &fixture{
		router:   new(mockRouter),
		ledger:   new(mockLedger),
		breaker:  new(mockBreaker),
		signer:   guard.NewVerifier("hook-secret"),
		commands: guard.NewCommandVerifier("ops-secret", time.Minute, []string{"alice"}),
		bus:      events.NewBus(),
	}
	f.breaker.On("State").Return(types.SystemState{MasterArmEnabled: true, HighWatermark: 10000}, risk.StateArmed).Maybe()
	srv, err := NewServer(ServerConfig{RequireSignature: requireSig}, Deps{
		Router:    f.router,
		Decoder:   schema,
		Signature: f.signer,
		Commands:  f.commands,
		Ledger:    f.ledger,
		Breaker:   f.breaker,
		Bus:       f.bus,
	})
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *fixture) do(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func signalBody(id string) []byte {
	return []byte(`{"signal_id":"` + id + `","type":"PREPARE","source":"scavenger","symbol":"BTCUSDT","direction":"LONG","entry_zone":[100,102],"stop_loss":95,"timestamp":` +
		jsonInt(time.Now().UnixMilli()) + `}`)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(ServerConfig{}, Deps{})
	assert.Error(t, err)

	schema, err := guard.NewSchemaValidator()
	require.NoError(t, err)
	_, err = NewServer(ServerConfig{RequireSignature: true}, Deps{Router: new(mockRouter), Decoder: schema, Ledger: new(mockLedger)})
	assert.Error(t, err)
}

func TestPostSignalAccepted(t *testing.T) {
	f := newFixture(t, true)
	body := signalBody("s-1")
	sig, err := f.signer.Sign(body)
	require.NoError(t, err)

	f.router.On("Route", mock.Anything, mock.MatchedBy(func(s types.Signal) bool {
		return s.SignalID == "s-1" && s.Type == types.SignalPrepare && s.EntryZone.Mid() == 101
	})).Return(router.Result{Accepted: true, Result: map[string]string{"status": "PENDING"}}).Once()

	w := f.do(http.MethodPost, "/api/signals", body, map[string]string{signatureHeader: sig})
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, true, out["accepted"])
	assert.Equal(t, "s-1", out["signal_id"])
	f.router.AssertExpectations(t)
}

func TestPostSignalRejections(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodPost, "/api/signals", signalBody("s-2"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	out := decode(t, w)
	assert.Equal(t, string(types.CodeInvalidSignature), out["reason"])
	assert.Equal(t, "s-2", out["signal_id"])

	w = f.do(http.MethodPost, "/api/signals", signalBody("s-3"), map[string]string{signatureHeader: strings.Repeat("ab", 32)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := []byte(`{"signal_id":"s-4","type":"MAYBE","source":"scavenger","symbol":"BTCUSDT","direction":"LONG","timestamp":1}`)
	sig, err := f.signer.Sign(bad)
	require.NoError(t, err)
	w = f.do(http.MethodPost, "/api/signals", bad, map[string]string{signatureHeader: sig})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	out = decode(t, w)
	assert.Equal(t, string(types.CodeSchemaError), out["reason"])
	assert.Equal(t, "s-4", out["signal_id"])
	assert.Equal(t, "MAYBE", out["type"])

	f.router.AssertNotCalled(t, "Route", mock.Anything, mock.Anything)
}

func TestPostSignalRouteRejected(t *testing.T) {
	f := newFixture(t, false)
	f.router.On("Route", mock.Anything, mock.Anything).Return(router.Result{
		Accepted: false, Reason: types.CodePhaseMismatch, Detail: "source hunter is phase 2, current phase 1",
	}).Once()

	w := f.do(http.MethodPost, "/api/signals", signalBody("s-5"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	out := decode(t, w)
	assert.Equal(t, false, out["accepted"])
	assert.Equal(t, string(types.CodePhaseMismatch), out["reason"])
}

func TestPostSignalBodyTooLarge(t *testing.T) {
	f := newFixture(t, false)
	big := append([]byte(`{"signal_id":"s-6","pad":"`), bytes.Repeat([]byte("x"), 70<<10)...)
	big = append(big, []byte(`"}`)...)
	w := f.do(http.MethodPost, "/api/signals", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestReadViews(t *testing.T) {
	f := newFixture(t, false)
	f.ledger.On("GetAllPositions").Return([]types.Position{{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1, EntryPrice: 100}})
	f.ledger.On("GetIntent", "known").Return(types.Intent{SignalID: "known", Status: types.IntentPending}, true)
	f.ledger.On("GetIntent", "missing").Return(types.Intent{}, false)
	f.ledger.On("Trades", 0).Return([]types.TradeRecord{
		{Symbol: "BTCUSDT", PnL: 10},
		{Symbol: "ETHUSDT", PnL: -3},
		{Symbol: "BTCUSDT", PnL: 4},
	})

	w := f.do(http.MethodGet, "/api/positions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do(http.MethodGet, "/api/intents/known", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "known", decode(t, w)["signal_id"])

	w = f.do(http.MethodGet, "/api/intents/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/trades?symbol=btc/usdt&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do(http.MethodGet, "/api/system/events", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(http.MethodGet, "/api/system/state", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "ARMED", out["breaker_state"])
	assert.Equal(t, true, out["master_arm_enabled"])
}

func TestAdminCommand(t *testing.T) {
	f := newFixture(t, false)
	now := time.Now().UnixMilli()
	send := func(cmd guard.Command) *httptest.ResponseRecorder {
		body, err := json.Marshal(cmd)
		require.NoError(t, err)
		return f.do(http.MethodPost, "/api/admin/command", body, nil)
	}

	f.breaker.On("Reset", mock.Anything, "alice").Return(nil).Once()
	w := send(f.commands.Sign(guard.Command{Action: guard.ActionReset, ActorID: "alice", CommandID: "c-1", Timestamp: now}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["accepted"])

	// replayed command id
	w = send(f.commands.Sign(guard.Command{Action: guard.ActionReset, ActorID: "alice", CommandID: "c-1", Timestamp: now}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(types.CodeDuplicateSignal), decode(t, w)["reason"])

	w = send(guard.Command{Action: guard.ActionDisarm, ActorID: "alice", CommandID: "c-2", Timestamp: now, Signature: "00"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(f.commands.Sign(guard.Command{Action: guard.ActionArm, ActorID: "mallory", CommandID: "c-3", Timestamp: now}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	f.breaker.On("SetArmed", mock.Anything, "alice", true).
		Return(types.Reject(types.CodeCircuitBreakerTrip, "reset the breaker before arming")).Once()
	w = send(f.commands.Sign(guard.Command{Action: guard.ActionArm, ActorID: "alice", CommandID: "c-4", Timestamp: now}))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(types.CodeCircuitBreakerTrip), decode(t, w)["reason"])

	f.breaker.On("Trip", mock.Anything, "alice", mock.Anything).Once()
	w = send(f.commands.Sign(guard.Command{Action: guard.ActionFlatten, ActorID: "alice", CommandID: "c-5", Timestamp: now}))
	assert.Equal(t, http.StatusOK, w.Code)

	f.breaker.AssertExpectations(t)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, false)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?topics=" + string(events.TopicCircuitBreaker)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				f.bus.Publish(events.TopicTradeClosed, types.TradeRecord{Symbol: "ETHUSDT"})
				f.bus.Publish(events.TopicCircuitBreaker, types.SystemState{CircuitBreakerTripped: true})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt map[string]any
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, string(events.TopicCircuitBreaker), evt["topic"])
	payload, ok := evt["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, payload["circuit_breaker_tripped"])
}
