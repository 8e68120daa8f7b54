// Package state holds the authoritative in-memory canvas of every live
// session.
package state

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
)

// Phase is the lifecycle phase of a session.
type Phase string

const (
	PhaseActive   Phase = "active"
	PhaseDraining Phase = "draining"
)

// Loader reads a persisted snapshot. A nil state means none exists.
type Loader interface {
	Load(ctx context.Context, sessionID string) (*domain.CanvasState, error)
}

type session struct {
	canvas   domain.CanvasState
	sequence int64
	phase    Phase
}

// Store is the session state store. It is owned by the engine loop and is
// not safe for concurrent use.
type Store struct {
	sessions    map[string]*session
	loader      Loader
	loadTimeout time.Duration
	hitTest     domain.HitTest
	newID       func() string
	log         logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithHitTest replaces the eraser predicate.
func WithHitTest(h domain.HitTest) Option {
	return func(s *Store) { s.hitTest = h }
}

// WithIDGenerator replaces the generator used for paths drawn without an id.
func WithIDGenerator(f func() string) Option {
	return func(s *Store) { s.newID = f }
}

// WithLoadTimeout bounds each hydration read.
func WithLoadTimeout(d time.Duration) Option {
	return func(s *Store) { s.loadTimeout = d }
}

// NewStore creates a store hydrating through loader. loader may be nil.
func NewStore(loader Loader, log logrus.FieldLogger, opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[string]*session),
		loader:      loader,
		loadTimeout: 5 * time.Second,
		hitTest:     domain.DefaultHitTest,
		newID:       uuid.NewString,
		log:         log.WithField("component", "state"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ensure(ctx context.Context, sessionID string) *session {
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	sess := &session{canvas: s.hydrate(ctx, sessionID), phase: PhaseActive}
	s.sessions[sessionID] = sess
	return sess
}

func (s *Store) hydrate(ctx context.Context, sessionID string) domain.CanvasState {
	if s.loader == nil {
		return domain.EmptyCanvas()
	}
	if s.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.loadTimeout)
		defer cancel()
	}
	snapshot, err := s.loader.Load(ctx, sessionID)
	if err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("hydrating session failed, starting empty")
		return domain.EmptyCanvas()
	}
	if snapshot == nil {
		return domain.EmptyCanvas()
	}
	state := snapshot.Clone()
	s.log.WithFields(logrus.Fields{"session_id": sessionID, "paths": len(state.Paths)}).Debug("session hydrated")
	return state
}

// Get returns the current canvas of a session, hydrating it on first use.
func (s *Store) Get(ctx context.Context, sessionID string) domain.CanvasState {
	return s.ensure(ctx, sessionID).canvas.Clone()
}

// NextSequence assigns the next sequence number of a session, starting at 1.
func (s *Store) NextSequence(sessionID string) int64 {
	sess := s.ensure(context.Background(), sessionID)
	sess.sequence++
	return sess.sequence
}

// Sequence returns the last assigned sequence number.
func (s *Store) Sequence(sessionID string) int64 {
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.sequence
	}
	return 0
}

// Apply folds action into the session canvas and returns the result.
func (s *Store) Apply(sessionID string, action domain.Action) domain.CanvasState {
	sess := s.ensure(context.Background(), sessionID)
	sess.canvas = s.fold(sess.canvas, action)
	return sess.canvas.Clone()
}

func (s *Store) fold(canvas domain.CanvasState, action domain.Action) domain.CanvasState {
	switch action.Type {
	case domain.ActionDraw:
		if action.Stroke == nil {
			return canvas
		}
		path := *action.Stroke
		path.OwnerID = action.UserID
		if path.ID == "" {
			path.ID = s.newID()
		}
		canvas.Paths = append(canvas.Paths, path)

	case domain.ActionErase:
		if action.Stroke == nil {
			return canvas
		}
		kept := canvas.Paths[:0]
		for _, p := range canvas.Paths {
			if !s.hitTest(p, *action.Stroke) {
				kept = append(kept, p)
			}
		}
		canvas.Paths = kept

	case domain.ActionClear:
		canvas.Paths = []domain.Path{}
		canvas.Thumbnail = ""

	case domain.ActionUndo:
		for i := len(canvas.Paths) - 1; i >= 0; i-- {
			if canvas.Paths[i].OwnerID == action.UserID {
				canvas.Paths = append(canvas.Paths[:i], canvas.Paths[i+1:]...)
				break
			}
		}
	}
	return canvas
}

// Replace swaps the whole canvas of a session. The sequence is untouched.
func (s *Store) Replace(sessionID string, canvas domain.CanvasState) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{phase: PhaseActive}
		s.sessions[sessionID] = sess
	}
	sess.canvas = canvas.Clone()
}

// Has reports whether the session is resident.
func (s *Store) Has(sessionID string) bool {
	_, ok := s.sessions[sessionID]
	return ok
}

// Phase returns the lifecycle phase of a resident session.
func (s *Store) Phase(sessionID string) (Phase, bool) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.phase, true
}

// MarkDraining records that the session lost its last member.
func (s *Store) MarkDraining(sessionID string) {
	if sess, ok := s.sessions[sessionID]; ok {
		sess.phase = PhaseDraining
	}
}

// MarkActive records that the session has members again.
func (s *Store) MarkActive(sessionID string) {
	if sess, ok := s.sessions[sessionID]; ok {
		sess.phase = PhaseActive
	}
}

// Evict drops the session from memory.
func (s *Store) Evict(sessionID string) {
	delete(s.sessions, sessionID)
}

// SessionIDs returns the resident session ids.
func (s *Store) SessionIDs() []string {
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of resident sessions.
func (s *Store) Len() int { return len(s.sessions) }
