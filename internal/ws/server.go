// Package ws provides WebSocket server functionality for whiteboard clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/whiteboard/internal/config"
	"github.com/xiaot623/gogo/whiteboard/internal/domain"
	"github.com/xiaot623/gogo/whiteboard/internal/engine"
	"github.com/xiaot623/gogo/whiteboard/internal/hub"
	"github.com/xiaot623/gogo/whiteboard/internal/metrics"
	"github.com/xiaot623/gogo/whiteboard/internal/policy"
	"github.com/xiaot623/gogo/whiteboard/internal/protocol"
)

// Close reasons sent with websocket.ClosePolicyViolation.
const (
	ReasonMissingCredentials = "Missing authentication or session ID"
	ReasonInvalidAuth        = "Invalid authentication"
	ReasonAccessDenied       = "Access denied"
	ReasonShuttingDown       = "Server shutting down"
)

// Engine is the part of the action processor the transport drives.
type Engine interface {
	Join(ctx context.Context, sessionID string, principal domain.Principal, ch hub.Channel) error
	Leave(ctx context.Context, sessionID, principalID, channelID string) error
	Submit(ctx context.Context, channelID string, msg protocol.Message) error
	Sessions(ctx context.Context) ([]engine.SessionInfo, error)
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(token string) (domain.Principal, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	engine   Engine
	auth     Authenticator
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	now      func() time.Time

	mu    sync.Mutex
	conns map[*hub.Connection]struct{}
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, eng Engine, auth Authenticator, log logrus.FieldLogger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		auth:    auth,
		log:     log.WithField("component", "ws"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now:   time.Now,
		conns: make(map[*hub.Connection]struct{}),
	}
}

// Register mounts the websocket routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
	e.GET("/ws/room", s.HandleRoom)
}

// binding is the membership a connection currently speaks for.
type binding struct {
	sessionID string
	principal domain.Principal
}

// open upgrades the request and starts the write pump. The websocket is
// upgraded before any check so refusals reach the client as close frames.
func (s *Server) open(c echo.Context) (*hub.Connection, error) {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade websocket")
		return nil, err
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := hub.NewConnection(ws, s.cfg.SendBuffer)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	go s.writePump(conn)
	return conn, nil
}

func (s *Server) reject(conn *hub.Connection, reason string) {
	s.log.WithFields(logrus.Fields{"conn_id": conn.ID(), "reason": reason}).Info("refusing connection")
	_ = conn.Close(websocket.ClosePolicyViolation, reason)
}

// admit joins principal to sessionID and closes conn when that fails. A join
// the caller gave up on may still have run, so a failure also leaves.
func (s *Server) admit(ctx context.Context, conn *hub.Connection, sessionID string, principal domain.Principal) bool {
	err := s.engine.Join(ctx, sessionID, principal, conn)
	if err == nil {
		return true
	}
	s.leave(conn, &binding{sessionID: sessionID, principal: principal})

	switch {
	case errors.Is(err, policy.ErrDenied):
		s.reject(conn, ReasonAccessDenied)
	case errors.Is(err, engine.ErrStopped):
		_ = conn.Close(websocket.CloseGoingAway, ReasonShuttingDown)
	default:
		s.log.WithError(err).WithField("session_id", sessionID).Error("join failed")
		_ = conn.Close(websocket.CloseInternalServerErr, "Join failed")
	}
	return false
}

// HandleWebSocket serves the low-level channel: the session and the token
// come from the query string and the connection is bound for its lifetime.
func (s *Server) HandleWebSocket(c echo.Context) error {
	conn, err := s.open(c)
	if err != nil {
		return nil
	}
	ctx := c.Request().Context()

	token, sessionID := c.QueryParam("token"), c.QueryParam("sessionId")
	if token == "" || sessionID == "" {
		s.reject(conn, ReasonMissingCredentials)
		return nil
	}
	principal, err := s.auth.Authenticate(token)
	if err != nil {
		s.log.WithError(err).WithField("conn_id", conn.ID()).Debug("authentication failed")
		s.reject(conn, ReasonInvalidAuth)
		return nil
	}
	if !s.admit(ctx, conn, sessionID, principal) {
		return nil
	}

	b := &binding{sessionID: sessionID, principal: principal}
	s.readPump(conn, func(data []byte) {
		msg, err := protocol.Decode(data)
		if err != nil {
			s.dropMalformed(conn, err)
			return
		}
		s.forward(ctx, conn, b, msg)
	})
	s.leave(conn, b)
	return nil
}

// HandleRoom serves the room channel: the client names its session with a
// joinSession message and may move between sessions on one connection.
func (s *Server) HandleRoom(c echo.Context) error {
	conn, err := s.open(c)
	if err != nil {
		return nil
	}
	ctx := c.Request().Context()

	var b *binding
	s.readPump(conn, func(data []byte) {
		msg, err := protocol.Decode(data)
		if err != nil {
			s.dropMalformed(conn, err)
			return
		}

		switch msg.Type {
		case protocol.TypeJoinSession:
			var join protocol.JoinSessionMessage
			if err := json.Unmarshal(data, &join); err != nil {
				s.dropMalformed(conn, err)
				return
			}
			principal, reason := s.roomPrincipal(join)
			if reason != "" || join.SessionID == "" {
				if reason == "" {
					reason = ReasonMissingCredentials
				}
				s.reject(conn, reason)
				return
			}
			if !s.admit(ctx, conn, join.SessionID, principal) {
				return
			}
			b = &binding{sessionID: join.SessionID, principal: principal}

		case protocol.TypeLeaveSession:
			s.leave(conn, b)
			b = nil

		case protocol.TypeGetSessions:
			s.sendSessionList(ctx, conn)

		default:
			if b == nil {
				s.metrics.ActionDropped("not_member")
				s.log.WithFields(logrus.Fields{"conn_id": conn.ID(), "type": msg.Type}).Debug("dropping message before joinSession")
				return
			}
			s.forward(ctx, conn, b, msg)
		}
	})
	s.leave(conn, b)
	return nil
}

// roomPrincipal resolves the joiner. A token wins over the claimed identity;
// without one the claim is only trusted when anonymous rooms are enabled.
func (s *Server) roomPrincipal(join protocol.JoinSessionMessage) (domain.Principal, string) {
	if join.Token != "" {
		p, err := s.auth.Authenticate(join.Token)
		if err != nil {
			return domain.Principal{}, ReasonInvalidAuth
		}
		return p, ""
	}
	if !s.cfg.AllowAnonymousRooms {
		return domain.Principal{}, ReasonMissingCredentials
	}
	p := domain.Principal{ID: join.UserID, DisplayName: join.Username, Role: "guest"}
	if p.ID == "" {
		p.ID = "anon-" + uuid.New().String()[:8]
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	return p, ""
}

// forward stamps msg with the connection's identity and hands it to the
// engine.
func (s *Server) forward(ctx context.Context, conn *hub.Connection, b *binding, msg protocol.Message) {
	msg.SessionID = b.sessionID
	msg.UserID = b.principal.ID
	if msg.Timestamp == 0 {
		msg.Timestamp = s.now().UnixMilli()
	}
	msg.Sequence = 0

	err := s.engine.Submit(ctx, conn.ID(), msg)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrMalformed):
		s.log.WithError(err).WithFields(logrus.Fields{"conn_id": conn.ID(), "session_id": b.sessionID}).Debug("dropping malformed message")
	default:
		s.log.WithError(err).WithField("conn_id", conn.ID()).Debug("submit failed")
	}
}

func (s *Server) dropMalformed(conn *hub.Connection, err error) {
	s.metrics.ActionDropped("malformed")
	s.log.WithError(err).WithField("conn_id", conn.ID()).Debug("dropping malformed message")
}

func (s *Server) leave(conn *hub.Connection, b *binding) {
	if b == nil {
		return
	}
	if err := s.engine.Leave(context.Background(), b.sessionID, b.principal.ID, conn.ID()); err != nil && !errors.Is(err, engine.ErrStopped) {
		s.log.WithError(err).WithField("conn_id", conn.ID()).Warn("leave failed")
	}
}

func (s *Server) sendSessionList(ctx context.Context, conn *hub.Connection) {
	infos, err := s.engine.Sessions(ctx)
	if err != nil {
		s.log.WithError(err).Warn("listing sessions failed")
		return
	}
	list := protocol.SessionListMessage{Type: protocol.TypeSessionList, Sessions: make([]protocol.SessionSummary, 0, len(infos))}
	for _, info := range infos {
		list.Sessions = append(list.Sessions, protocol.SessionSummary{ID: info.ID, UserCount: info.UserCount})
	}
	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	_ = conn.Send(data)
}

// readPump reads messages until the socket fails, then closes the channel.
func (s *Server) readPump(conn *hub.Connection, handle func([]byte)) {
	defer conn.Close(websocket.CloseNormalClosure, "")

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.WithError(err).WithField("conn_id", conn.ID()).Warn("websocket error")
			}
			return
		}
		handle(message)
	}
}

// writePump drains the connection's queue. When the queue is closed it sends
// the recorded close frame and tears the socket down.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Terminate()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.metrics.ConnectionClosed()
	}()

	for {
		select {
		case message, ok := <-conn.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				code, reason := conn.CloseFrame()
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.WithError(err).WithField("conn_id", conn.ID()).Debug("failed to write message")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown closes every open connection and waits until their write pumps
// have finished or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close(websocket.CloseGoingAway, ReasonShuttingDown)
	}
	s.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the number of open websockets.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
