// Package engine serializes every whiteboard session mutation on a single
// dispatcher goroutine: membership changes, sequencing, folding, fan-out and
// the decision to persist.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
	"github.com/xiaot623/gogo/whiteboard/internal/hub"
	"github.com/xiaot623/gogo/whiteboard/internal/metrics"
	"github.com/xiaot623/gogo/whiteboard/internal/policy"
	"github.com/xiaot623/gogo/whiteboard/internal/protocol"
	"github.com/xiaot623/gogo/whiteboard/internal/state"
)

var (
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("engine stopped")
	// ErrInvalidState is returned by SaveState for unparseable canvas text.
	ErrInvalidState = errors.New("invalid canvas state")
)

// Close code and reason sent to a channel replaced by a newer connection of
// the same principal.
const (
	CloseSuperseded       = 4000
	CloseSupersededReason = "Superseded by a new connection"
)

// Persister is the part of the persistence gateway the engine drives.
type Persister interface {
	Persist(sessionID string, state domain.CanvasState, force bool) bool
	Forget(sessionID string)
}

// Admitter decides whether a principal may join a session.
type Admitter interface {
	Admit(ctx context.Context, input policy.Input) error
}

// SessionInfo summarizes a live session.
type SessionInfo struct {
	ID           string `json:"id"`
	UserCount    int    `json:"userCount"`
	DrawingCount int    `json:"drawingCount"`
	Sequence     int64  `json:"sequence"`
}

// Engine is the action processor.
type Engine struct {
	registry   *hub.Registry
	store      *state.Store
	persister  Persister
	admitter   Admitter
	maxMembers int
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	now        func() time.Time

	events  chan func()
	stopped chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdmission evaluates a before every join. maxMembers is passed to the
// policy; 0 means unlimited.
func WithAdmission(a Admitter, maxMembers int) Option {
	return func(e *Engine) {
		e.admitter = a
		e.maxMembers = maxMembers
	}
}

// WithMetrics records engine activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. Run must be started before any other call returns.
func New(registry *hub.Registry, store *state.Store, persister Persister, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		persister: persister,
		log:       log.WithField("component", "engine"),
		now:       time.Now,
		events:    make(chan func(), 256),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes events until ctx is cancelled, then flushes every resident
// session with a forced persist.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.log.Info("engine started")
	for {
		select {
		case fn := <-e.events:
			fn()
		case <-ctx.Done():
			e.flushAll()
			e.log.Info("engine stopped")
			return nil
		}
	}
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

func (e *Engine) post(ctx context.Context, fn func()) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	select {
	case e.events <- fn:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := e.post(ctx, func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join binds principal to sessionID over ch, sends the joiner the current
// canvas and the whole session the new roster. A prior membership of the
// principal or of the channel is treated as a leave.
func (e *Engine) Join(ctx context.Context, sessionID string, principal domain.Principal, ch hub.Channel) error {
	var joinErr error
	err := e.call(ctx, func() {
		joinErr = e.join(ctx, sessionID, principal, ch)
	})
	if err != nil {
		return err
	}
	return joinErr
}

func (e *Engine) join(ctx context.Context, sessionID string, principal domain.Principal, ch hub.Channel) error {
	log := e.log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": principal.ID, "conn_id": ch.ID()})
	if err := ctx.Err(); err != nil {
		log.WithError(err).Debug("join abandoned by caller")
		return err
	}

	if e.admitter != nil {
		input := policy.Input{
			UserID:        principal.ID,
			Name:          principal.DisplayName,
			Role:          principal.Role,
			SessionID:     sessionID,
			MemberCount:   e.registry.MemberCount(sessionID),
			MaxMembers:    e.maxMembers,
			AlreadyMember: e.registry.IsMember(sessionID, principal.ID),
		}
		if err := e.admitter.Admit(ctx, input); err != nil {
			log.WithError(err).Info("join refused")
			return err
		}
	}

	canvas := e.store.Get(ctx, sessionID)
	e.store.MarkActive(sessionID)

	removed := e.registry.Join(sessionID, principal, ch)
	for _, m := range removed {
		if m.Channel.ID() != ch.ID() {
			log.WithField("superseded_conn_id", m.Channel.ID()).Info("closing superseded connection")
			_ = m.Channel.Close(CloseSuperseded, CloseSupersededReason)
		}
		if m.SessionID != sessionID {
			e.afterLeave(m.SessionID)
		}
	}

	e.sendTo(ch, protocol.InitMessage{Type: protocol.TypeInit, SessionID: sessionID, Payload: canvas})
	e.broadcastRoster(sessionID)
	e.metrics.SetSessions(e.registry.GetSessionCount())
	log.WithField("members", e.registry.MemberCount(sessionID)).Info("joined session")
	return nil
}

// Leave removes principalID from sessionID if the membership is still bound
// to channelID. Repeated calls are no-ops.
func (e *Engine) Leave(ctx context.Context, sessionID, principalID, channelID string) error {
	return e.call(ctx, func() {
		if _, removed := e.registry.Leave(sessionID, principalID, channelID); !removed {
			return
		}
		e.log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": principalID, "conn_id": channelID}).Info("left session")
		e.afterLeave(sessionID)
	})
}

// afterLeave refreshes the roster, or persists and evicts the session when
// nobody is left.
func (e *Engine) afterLeave(sessionID string) {
	defer func() { e.metrics.SetSessions(e.registry.GetSessionCount()) }()

	if e.registry.MemberCount(sessionID) > 0 {
		e.broadcastRoster(sessionID)
		return
	}
	if !e.store.Has(sessionID) {
		return
	}
	e.store.MarkDraining(sessionID)
	e.persister.Persist(sessionID, e.store.Get(context.Background(), sessionID), true)
	e.store.Evict(sessionID)
	e.persister.Forget(sessionID)
	e.log.WithField("session_id", sessionID).Info("session evicted")
}

// Submit hands an inbound message to the engine. msg.SessionID and
// msg.UserID must already be stamped from the connection. Payloads are
// decoded on the caller's goroutine; a malformed message is returned as a
// protocol.ErrMalformed error and nothing is posted.
func (e *Engine) Submit(ctx context.Context, channelID string, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeDraw, protocol.TypeErase, protocol.TypeClear, protocol.TypeUndo:
		action, err := protocol.DecodeAction(msg)
		if err != nil {
			e.metrics.ActionDropped("malformed")
			return err
		}
		return e.post(ctx, func() { e.applyAction(channelID, msg, action) })

	case protocol.TypeSync:
		return e.post(ctx, func() { e.sync(channelID, msg) })

	case protocol.TypeStateUpdate:
		canvas, err := protocol.DecodeStateUpdate(msg)
		if err != nil {
			e.metrics.ActionDropped("malformed")
			return err
		}
		return e.post(ctx, func() { e.replace(channelID, msg, canvas) })
	}
	e.metrics.ActionDropped("unsupported")
	return errors.Wrapf(protocol.ErrMalformed, "unsupported message type %q", msg.Type)
}

// sender returns the channel of a member when it is the one the message
// arrived on.
func (e *Engine) sender(sessionID, userID, channelID string) (hub.Channel, bool) {
	ch, ok := e.registry.ChannelOf(sessionID, userID)
	if !ok || ch.ID() != channelID {
		e.metrics.ActionDropped("not_member")
		e.log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID, "conn_id": channelID}).
			Debug("dropping message from non-member")
		return nil, false
	}
	return ch, true
}

func (e *Engine) applyAction(channelID string, msg protocol.Message, action domain.Action) {
	if _, ok := e.sender(msg.SessionID, msg.UserID, channelID); !ok {
		return
	}

	action.Sequence = e.store.NextSequence(msg.SessionID)
	canvas := e.store.Apply(msg.SessionID, action)
	e.metrics.ActionApplied(string(action.Type))

	if action.Type == domain.ActionDraw && action.Stroke.ID == "" && len(canvas.Paths) > 0 {
		payload, err := protocol.WithStrokeID(msg.Payload, canvas.Paths[len(canvas.Paths)-1].ID)
		if err != nil {
			e.log.WithError(err).WithField("session_id", msg.SessionID).Warn("stamping stroke id failed")
		} else {
			msg.Payload = payload
		}
	}

	msg.Sequence = action.Sequence
	e.broadcast(msg.SessionID, msg.UserID, msg)

	e.persister.Persist(msg.SessionID, canvas, action.Type == domain.ActionClear)
}

func (e *Engine) sync(channelID string, msg protocol.Message) {
	ch, ok := e.sender(msg.SessionID, msg.UserID, channelID)
	if !ok {
		return
	}
	reply, err := protocol.NewStateUpdate(msg.SessionID, msg.UserID, e.store.Get(context.Background(), msg.SessionID), e.now().UnixMilli())
	if err != nil {
		e.log.WithError(err).WithField("session_id", msg.SessionID).Error("building sync reply failed")
		return
	}
	e.sendTo(ch, reply)
}

func (e *Engine) replace(channelID string, msg protocol.Message, canvas domain.CanvasState) {
	if _, ok := e.sender(msg.SessionID, msg.UserID, channelID); !ok {
		return
	}
	e.store.Replace(msg.SessionID, canvas)
	e.broadcast(msg.SessionID, msg.UserID, msg)
	e.persister.Persist(msg.SessionID, canvas, false)
}

// SaveState replaces the canvas of a session on behalf of userID and
// persists it immediately. Live members other than userID receive the new
// state.
func (e *Engine) SaveState(ctx context.Context, sessionID, userID, currentState, thumbnail string) error {
	canvas, err := domain.ParseCanvasState(currentState)
	if err != nil {
		return errors.Wrap(ErrInvalidState, err.Error())
	}
	if thumbnail != "" {
		canvas.Thumbnail = thumbnail
	}

	return e.call(ctx, func() {
		log := e.log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID})
		if e.registry.MemberCount(sessionID) == 0 {
			e.persister.Persist(sessionID, canvas, true)
			e.persister.Forget(sessionID)
			log.Debug("saved state of idle session")
			return
		}

		e.store.Replace(sessionID, canvas)
		update, err := protocol.NewStateUpdate(sessionID, userID, canvas, e.now().UnixMilli())
		if err != nil {
			log.WithError(err).Error("building state update failed")
		} else {
			e.broadcast(sessionID, userID, update)
		}
		e.persister.Persist(sessionID, canvas, true)
		log.Debug("saved state of live session")
	})
}

// GetState returns the current canvas of a session. A session without
// members is read through storage and not kept in memory.
func (e *Engine) GetState(ctx context.Context, sessionID string) (domain.CanvasState, error) {
	var canvas domain.CanvasState
	err := e.call(ctx, func() {
		canvas = e.store.Get(ctx, sessionID)
		if e.registry.MemberCount(sessionID) == 0 {
			e.store.Evict(sessionID)
		}
	})
	return canvas, err
}

// Sessions lists the sessions that have members.
func (e *Engine) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := e.call(ctx, func() {
		ids := e.registry.SessionIDs()
		out = make([]SessionInfo, 0, len(ids))
		for _, id := range ids {
			info := SessionInfo{ID: id, UserCount: e.registry.MemberCount(id), Sequence: e.store.Sequence(id)}
			if e.store.Has(id) {
				info.DrawingCount = len(e.store.Get(context.Background(), id).Paths)
			}
			out = append(out, info)
		}
	})
	return out, err
}

func (e *Engine) flushAll() {
	ids := e.store.SessionIDs()
	for _, id := range ids {
		e.store.MarkDraining(id)
		e.persister.Persist(id, e.store.Get(context.Background(), id), true)
		e.store.Evict(id)
		e.persister.Forget(id)
	}
	if len(ids) > 0 {
		e.log.WithField("sessions", len(ids)).Info("flushed sessions on shutdown")
	}
}

func (e *Engine) broadcastRoster(sessionID string) {
	e.broadcast(sessionID, "", protocol.UsersMessage{
		Type:      protocol.TypeUsers,
		SessionID: sessionID,
		Users:     protocol.Roster(e.registry.MembersOf(sessionID)),
	})
}

// broadcast serializes v once and sends it to every member of the session
// except excludePrincipalID. Closed or full channels are skipped.
func (e *Engine) broadcast(sessionID, excludePrincipalID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		e.log.WithError(err).WithField("session_id", sessionID).Error("encoding broadcast failed")
		return
	}
	for _, ch := range e.registry.ChannelsOf(sessionID, excludePrincipalID) {
		if err := ch.Send(data); err != nil {
			e.metrics.BroadcastSkipped()
			e.log.WithError(err).WithFields(logrus.Fields{"session_id": sessionID, "conn_id": ch.ID()}).Debug("skipping recipient")
		}
	}
}

func (e *Engine) sendTo(ch hub.Channel, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		e.log.WithError(err).Error("encoding message failed")
		return
	}
	if err := ch.Send(data); err != nil {
		e.metrics.BroadcastSkipped()
		e.log.WithError(err).WithField("conn_id", ch.ID()).Debug("send failed")
	}
}
