// Package rpc exposes the whiteboard save/get entry points over JSON-RPC
// for back-office callers.
package rpc

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
)

// Whiteboard is the engine surface exposed over RPC.
type Whiteboard interface {
	SaveState(ctx context.Context, sessionID, userID, currentState, thumbnail string) error
	GetState(ctx context.Context, sessionID string) (domain.CanvasState, error)
}

// Server exposes whiteboard RPC endpoints.
type Server struct {
	rpcServer *rpc.Server
	log       logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new RPC server bound to wb. Each call is bounded by
// timeout.
func NewServer(wb Whiteboard, timeout time.Duration, log logrus.FieldLogger) (*Server, error) {
	log = log.WithField("component", "rpc")
	rpcServer := rpc.NewServer()
	handler := &Handler{wb: wb, timeout: timeout, log: log}
	if err := rpcServer.RegisterName("Whiteboard", handler); err != nil {
		return nil, errors.Wrap(err, "register rpc handler")
	}

	return &Server{
		rpcServer: rpcServer,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.log.WithError(err).Warn("rpc accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements whiteboard RPC methods.
type Handler struct {
	wb      Whiteboard
	timeout time.Duration
	log     logrus.FieldLogger
}

// SaveStateRequest mirrors the HTTP save body.
type SaveStateRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	CurrentState string `json:"current_state"`
	Thumbnail    string `json:"thumbnail,omitempty"`
}

// SaveStateResponse acknowledges a save.
type SaveStateResponse struct {
	OK bool `json:"ok"`
}

// GetStateRequest names the session to read.
type GetStateRequest struct {
	SessionID string `json:"session_id"`
}

// GetStateResponse carries the canvas in its durable text form.
type GetStateResponse struct {
	SessionID    string `json:"session_id"`
	CurrentState string `json:"current_state"`
}

func (h *Handler) context() (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), h.timeout)
}

// SaveState replaces and persists the canvas of a session.
func (h *Handler) SaveState(req *SaveStateRequest, resp *SaveStateResponse) error {
	if req == nil {
		return errors.New("save request is required")
	}
	if req.SessionID == "" {
		return errors.New("session_id is required")
	}
	if req.CurrentState == "" {
		return errors.New("current_state is required")
	}

	ctx, cancel := h.context()
	defer cancel()
	if err := h.wb.SaveState(ctx, req.SessionID, req.UserID, req.CurrentState, req.Thumbnail); err != nil {
		return err
	}

	h.log.WithFields(logrus.Fields{"session_id": req.SessionID, "user_id": req.UserID}).Info("whiteboard state saved")
	if resp != nil {
		resp.OK = true
	}
	return nil
}

// GetState returns the canvas of a session.
func (h *Handler) GetState(req *GetStateRequest, resp *GetStateResponse) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	ctx, cancel := h.context()
	defer cancel()
	canvas, err := h.wb.GetState(ctx, req.SessionID)
	if err != nil {
		return err
	}
	text, err := canvas.Marshal()
	if err != nil {
		return err
	}
	if resp != nil {
		resp.SessionID = req.SessionID
		resp.CurrentState = text
	}
	return nil
}
