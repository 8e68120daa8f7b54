// Package http provides the internal HTTP server: health, metrics and the
// save/get entry points used by the classroom CRUD backend.
package http

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/whiteboard/internal/auth"
	"github.com/xiaot623/gogo/whiteboard/internal/domain"
	"github.com/xiaot623/gogo/whiteboard/internal/engine"
	"github.com/xiaot623/gogo/whiteboard/internal/metrics"
)

const contextPrincipalKey = "principal"

// Whiteboard is the engine surface exposed over HTTP.
type Whiteboard interface {
	SaveState(ctx context.Context, sessionID, userID, currentState, thumbnail string) error
	GetState(ctx context.Context, sessionID string) (domain.CanvasState, error)
	Sessions(ctx context.Context) ([]engine.SessionInfo, error)
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(token string) (domain.Principal, error)
}

// Stats reports live connection counts.
type Stats interface {
	GetConnectionCount() int
	GetSessionCount() int
}

// Pinger checks the storage backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the internal HTTP server.
type Server struct {
	echo     *echo.Echo
	wb       Whiteboard
	auth     Authenticator
	stats    Stats
	db       Pinger
	log      logrus.FieldLogger
	validate *validator.Validate
}

type requestValidator struct {
	v *validator.Validate
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (rv *requestValidator) Validate(i interface{}) error {
	return rv.v.Struct(i)
}

// NewServer creates a new internal HTTP server. db may be nil.
func NewServer(wb Whiteboard, authn Authenticator, stats Stats, db Pinger, m *metrics.Metrics, log logrus.FieldLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		wb:       wb,
		auth:     authn,
		stats:    stats,
		db:       db,
		log:      log.WithField("component", "http"),
		validate: newValidator(),
	}
	e.Validator = &requestValidator{v: s.validate}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	v1 := e.Group("/v1")
	v1.GET("/sessions", s.handleSessions)
	wb1 := v1.Group("/whiteboard", s.requirePrincipal)
	wb1.POST("/save", s.handleSave)
	wb1.GET("/:id", s.handleGet)

	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requirePrincipal authenticates the bearer token and stores the principal
// on the context.
func (s *Server) requirePrincipal(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		p, err := s.auth.Authenticate(token)
		if err != nil {
			if errors.Is(err, auth.ErrMissingCredential) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		c.Set(contextPrincipalKey, p)
		return next(c)
	}
}

func principalFrom(c echo.Context) domain.Principal {
	p, _ := c.Get(contextPrincipalKey).(domain.Principal)
	return p
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	status, code := "healthy", http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(c.Request().Context()); err != nil {
			s.log.WithError(err).Warn("storage ping failed")
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, map[string]interface{}{
		"status":      status,
		"connections": s.stats.GetConnectionCount(),
		"sessions":    s.stats.GetSessionCount(),
	})
}

// SaveRequest is the body of POST /v1/whiteboard/save.
type SaveRequest struct {
	SessionID    string `json:"sessionId" validate:"required,max=128"`
	CurrentState string `json:"currentState" validate:"required"`
	Thumbnail    string `json:"thumbnail"`
}

// StateResponse is the body returned by GET /v1/whiteboard/:id.
type StateResponse struct {
	SessionID    string `json:"sessionId"`
	CurrentState string `json:"currentState"`
}

func (s *Server) handleSave(c echo.Context) error {
	var req SaveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, validationError(err))
	}

	p := principalFrom(c)
	err := s.wb.SaveState(c.Request().Context(), req.SessionID, p.ID, req.CurrentState, req.Thumbnail)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrInvalidState):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "currentState is not a valid canvas"})
	case errors.Is(err, engine.ErrStopped):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
	default:
		s.log.WithError(err).WithField("session_id", req.SessionID).Error("save failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "save failed"})
	}

	s.log.WithFields(logrus.Fields{"session_id": req.SessionID, "user_id": p.ID}).Info("whiteboard state saved")
	return c.JSON(http.StatusOK, map[string]string{"message": "Whiteboard state saved successfully"})
}

func (s *Server) handleGet(c echo.Context) error {
	sessionID := c.Param("id")
	canvas, err := s.wb.GetState(c.Request().Context(), sessionID)
	if err != nil {
		if errors.Is(err, engine.ErrStopped) {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		}
		s.log.WithError(err).WithField("session_id", sessionID).Error("get failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "get failed"})
	}
	text, err := canvas.Marshal()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "get failed"})
	}
	return c.JSON(http.StatusOK, StateResponse{SessionID: sessionID, CurrentState: text})
}

func (s *Server) handleSessions(c echo.Context) error {
	infos, err := s.wb.Sessions(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": infos})
}

func validationError(err error) map[string]interface{} {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]interface{}{"error": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return map[string]interface{}{"error": "validation failed", "fields": fields}
}
