package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/whiteboard/internal/auth"
	"github.com/xiaot623/gogo/whiteboard/internal/config"
	"github.com/xiaot623/gogo/whiteboard/internal/domain"
	"github.com/xiaot623/gogo/whiteboard/internal/engine"
	"github.com/xiaot623/gogo/whiteboard/internal/hub"
	"github.com/xiaot623/gogo/whiteboard/internal/logging"
	"github.com/xiaot623/gogo/whiteboard/internal/persist"
	"github.com/xiaot623/gogo/whiteboard/internal/policy"
	"github.com/xiaot623/gogo/whiteboard/internal/protocol"
	"github.com/xiaot623/gogo/whiteboard/internal/state"
	"github.com/xiaot623/gogo/whiteboard/internal/store/storetest"
)

const secret = "test-secret"

func testConfig() *config.Config {
	return &config.Config{
		PingInterval:   time.Second,
		WriteTimeout:   time.Second,
		ReadTimeout:    5 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBuffer:     64,
	}
}

type testEnv struct {
	url   string
	authn *auth.Authenticator
	srv   *Server
}

func newTestEnv(t *testing.T, cfg *config.Config, opts ...engine.Option) *testEnv {
	t.Helper()
	log := logging.Discard()
	db := storetest.NewTestSQLiteStore(t)
	gw := persist.NewGateway(db, log)
	eng := engine.New(hub.NewRegistry(), state.NewStore(gw, log), gw, log, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)

	authn := auth.NewAuthenticator(secret)
	srv := NewServer(cfg, eng, authn, log, nil)
	e := echo.New()
	srv.Register(e)
	ts := httptest.NewServer(e)

	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
		cancel()
		<-eng.Done()
		_ = gw.Close(context.Background())
	})
	return &testEnv{url: "ws" + strings.TrimPrefix(ts.URL, "http"), authn: authn, srv: srv}
}

func (env *testEnv) token(t *testing.T, id, name string) string {
	t.Helper()
	tok, err := env.authn.IssueToken(domain.Principal{ID: id, DisplayName: name}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (env *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type envelope struct {
	Type      string                    `json:"type"`
	SessionID string                    `json:"sessionId"`
	UserID    string                    `json:"userId"`
	Timestamp int64                     `json:"timestamp"`
	Sequence  int64                     `json:"sequence"`
	Payload   json.RawMessage           `json:"payload"`
	Users     []protocol.User           `json:"users"`
	Sessions  []protocol.SessionSummary `json:"sessions"`
}

// next reads until a message of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typ {
			return env
		}
	}
}

// nextRoster reads until a roster with n users arrives.
func nextRoster(t *testing.T, conn *websocket.Conn, n int) []protocol.User {
	t.Helper()
	for {
		env := next(t, conn, protocol.TypeUsers)
		if len(env.Users) == n {
			return env.Users
		}
	}
}

// closeFrame reads until the server closes the socket and returns the frame.
func closeFrame(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestRefusedConnections(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tests := []struct {
		name   string
		path   string
		reason string
	}{
		{"no token", "/ws?sessionId=s1", ReasonMissingCredentials},
		{"no session", "/ws?token=" + env.token(t, "u1", "U"), ReasonMissingCredentials},
		{"bad token", "/ws?sessionId=s1&token=garbage", ReasonInvalidAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := closeFrame(t, env.dial(t, tt.path))
			assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
			assert.Equal(t, tt.reason, ce.Text)
		})
	}
}

func TestAdmissionDenied(t *testing.T) {
	pe, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	env := newTestEnv(t, testConfig(), engine.WithAdmission(pe, 1))

	first := env.dial(t, "/ws?sessionId=s1&token="+env.token(t, "a", "Alice"))
	next(t, first, protocol.TypeInit)

	second := env.dial(t, "/ws?sessionId=s1&token="+env.token(t, "b", "Bob"))
	ce := closeFrame(t, second)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, ReasonAccessDenied, ce.Text)
}

func TestDrawIsStampedAndRelayed(t *testing.T) {
	env := newTestEnv(t, testConfig())

	a := env.dial(t, "/ws?sessionId=s1&token="+env.token(t, "a", "Alice"))
	first := next(t, a, protocol.TypeInit)
	assert.Equal(t, "s1", first.SessionID)
	assert.JSONEq(t, `{"paths":[]}`, string(first.Payload))

	b := env.dial(t, "/ws?sessionId=s1&token="+env.token(t, "b", "Bob"))
	next(t, b, protocol.TypeInit)
	roster := nextRoster(t, a, 2)
	assert.Equal(t, protocol.User{ID: "b", Name: "Bob"}, roster[1])

	send(t, a, map[string]interface{}{
		"type":      "draw",
		"sessionId": "elsewhere",
		"userId":    "mallory",
		"payload": map[string]interface{}{
			"path":  []map[string]float64{{"x": 1, "y": 1}, {"x": 5, "y": 5}},
			"color": "#ff0000",
			"width": 3,
		},
	})

	got := next(t, b, protocol.TypeDraw)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "a", got.UserID)
	assert.Equal(t, int64(1), got.Sequence)
	assert.NotZero(t, got.Timestamp)

	send(t, b, map[string]string{"type": "sync"})
	reply := next(t, b, protocol.TypeStateUpdate)
	var payload protocol.StateUpdatePayload
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	canvas, err := domain.ParseCanvasState(payload.CurrentState)
	require.NoError(t, err)
	require.Len(t, canvas.Paths, 1)
	assert.Equal(t, "a", canvas.Paths[0].OwnerID)
}

func TestMalformedMessagesKeepConnection(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := env.dial(t, "/ws?sessionId=s1&token="+env.token(t, "a", "Alice"))
	next(t, a, protocol.TypeInit)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, a, map[string]string{"type": "draw"})
	send(t, a, map[string]string{"type": "sync"})

	next(t, a, protocol.TypeStateUpdate)
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	env := newTestEnv(t, testConfig())
	tok := env.token(t, "a", "Alice")

	first := env.dial(t, "/ws?sessionId=s1&token="+tok)
	next(t, first, protocol.TypeInit)
	second := env.dial(t, "/ws?sessionId=s1&token="+tok)
	next(t, second, protocol.TypeInit)

	ce := closeFrame(t, first)
	assert.Equal(t, engine.CloseSuperseded, ce.Code)
	assert.Equal(t, engine.CloseSupersededReason, ce.Text)

	send(t, second, map[string]string{"type": "sync"})
	next(t, second, protocol.TypeStateUpdate)
}

func TestRoomRequiresTokenUnlessAnonymousAllowed(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, "/ws/room")
	send(t, conn, protocol.JoinSessionMessage{Type: protocol.TypeJoinSession, SessionID: "s1", UserID: "u1", Username: "U"})

	ce := closeFrame(t, conn)
	assert.Equal(t, ReasonMissingCredentials, ce.Text)

	conn = env.dial(t, "/ws/room")
	send(t, conn, protocol.JoinSessionMessage{Type: protocol.TypeJoinSession, SessionID: "s1", Token: env.token(t, "u1", "Una")})
	users := next(t, conn, protocol.TypeUsers)
	assert.Equal(t, []protocol.User{{ID: "u1", Name: "Una"}}, users.Users)
}

func TestRoomLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.AllowAnonymousRooms = true
	env := newTestEnv(t, cfg)

	a := env.dial(t, "/ws/room")
	send(t, a, protocol.JoinSessionMessage{Type: protocol.TypeJoinSession, SessionID: "math", UserID: "u1", Username: "Una"})
	next(t, a, protocol.TypeInit)

	b := env.dial(t, "/ws/room")
	send(t, b, map[string]string{"type": "draw"})
	send(t, b, map[string]string{"type": protocol.TypeGetSessions})
	list := next(t, b, protocol.TypeSessionList)
	assert.Equal(t, []protocol.SessionSummary{{ID: "math", UserCount: 1}}, list.Sessions)

	send(t, b, protocol.JoinSessionMessage{Type: protocol.TypeJoinSession, SessionID: "math", UserID: "u2", Username: "Ugo"})
	next(t, b, protocol.TypeInit)
	nextRoster(t, a, 2)

	// moving b to another session leaves math
	send(t, b, protocol.JoinSessionMessage{Type: protocol.TypeJoinSession, SessionID: "art", UserID: "u2", Username: "Ugo"})
	next(t, b, protocol.TypeInit)
	assert.Equal(t, []protocol.User{{ID: "u1", Name: "Una"}}, nextRoster(t, a, 1))

	send(t, a, map[string]string{"type": protocol.TypeLeaveSession})
	send(t, a, map[string]string{"type": protocol.TypeGetSessions})
	list = next(t, a, protocol.TypeSessionList)
	assert.Equal(t, []protocol.SessionSummary{{ID: "art", UserCount: 1}}, list.Sessions)
}

// abandonedJoinEngine reports every join as abandoned by the caller, as if
// the request context ended after the join was queued.
type abandonedJoinEngine struct {
	mu     sync.Mutex
	joined []string
	leaves []string
}

func (e *abandonedJoinEngine) Join(ctx context.Context, sessionID string, principal domain.Principal, ch hub.Channel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined = append(e.joined, sessionID+"/"+principal.ID+"/"+ch.ID())
	return context.Canceled
}

func (e *abandonedJoinEngine) Leave(ctx context.Context, sessionID, principalID, channelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaves = append(e.leaves, sessionID+"/"+principalID+"/"+channelID)
	return nil
}

func (e *abandonedJoinEngine) Submit(ctx context.Context, channelID string, msg protocol.Message) error {
	return nil
}

func (e *abandonedJoinEngine) Sessions(ctx context.Context) ([]engine.SessionInfo, error) {
	return nil, nil
}

func TestFailedJoinLeavesSession(t *testing.T) {
	eng := &abandonedJoinEngine{}
	authn := auth.NewAuthenticator(secret)
	srv := NewServer(testConfig(), eng, authn, logging.Discard(), nil)
	e := echo.New()
	srv.Register(e)
	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	env := &testEnv{url: "ws" + strings.TrimPrefix(ts.URL, "http"), authn: authn, srv: srv}

	conn := env.dial(t, "/ws?sessionId=s1&token="+env.token(t, "a", "Alice"))
	ce := closeFrame(t, conn)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.joined, 1)
	assert.Equal(t, eng.joined, eng.leaves, "the abandoned join is undone on the same channel")
}
