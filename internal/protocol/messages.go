// Package protocol defines the WebSocket message protocol between whiteboard
// clients and the server.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
)

// Message types from client to server
const (
	TypeDraw        = "draw"
	TypeErase       = "erase"
	TypeClear       = "clear"
	TypeUndo        = "undo"
	TypeSync        = "sync"
	TypeStateUpdate = "stateUpdate"

	// room channel only
	TypeJoinSession  = "joinSession"
	TypeLeaveSession = "leaveSession"
	TypeGetSessions  = "getSessions"
)

// Message types from server to client
const (
	TypeInit        = "init"
	TypeUsers       = "users"
	TypeSessionList = "sessionList"
)

// ErrMalformed is returned for payloads that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Message is the envelope shared by every whiteboard message.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StrokePayload is the payload of draw and erase.
type StrokePayload struct {
	ID    string          `json:"id,omitempty"`
	Path  domain.Segments `json:"path"`
	Color string          `json:"color,omitempty"`
	Width float64         `json:"width"`
}

// StateUpdatePayload is the payload of stateUpdate.
type StateUpdatePayload struct {
	CurrentState string `json:"currentState"`
	Thumbnail    string `json:"thumbnail,omitempty"`
}

// InitMessage carries the full canvas to a client that just joined.
type InitMessage struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId"`
	Payload   domain.CanvasState `json:"payload"`
}

// User is a roster entry.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UsersMessage carries the session roster.
type UsersMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Users     []User `json:"users"`
}

// JoinSessionMessage is the first message on the room channel.
type JoinSessionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Token     string `json:"token,omitempty"`
}

// SessionSummary is one entry of a session list.
type SessionSummary struct {
	ID        string `json:"id"`
	UserCount int    `json:"userCount"`
}

// SessionListMessage answers getSessions.
type SessionListMessage struct {
	Type     string           `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

// Decode parses an inbound envelope. It does not look at the payload.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if strings.TrimSpace(msg.Type) == "" {
		return Message{}, errors.Wrap(ErrMalformed, "missing type")
	}
	return msg, nil
}

// DecodeAction turns a drawing message into a domain action. Draw needs a
// non-empty path; erase needs a path; clear and undo ignore any payload.
func DecodeAction(msg Message) (domain.Action, error) {
	action := domain.Action{
		Type:      domain.ActionType(msg.Type),
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
	}
	switch action.Type {
	case domain.ActionDraw, domain.ActionErase:
		var p StrokePayload
		if len(msg.Payload) == 0 {
			return domain.Action{}, errors.Wrapf(ErrMalformed, "%s without payload", msg.Type)
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return domain.Action{}, errors.Wrap(ErrMalformed, err.Error())
		}
		if len(p.Path) == 0 {
			return domain.Action{}, errors.Wrapf(ErrMalformed, "%s with empty path", msg.Type)
		}
		if p.Width < 0 {
			return domain.Action{}, errors.Wrapf(ErrMalformed, "%s with negative width", msg.Type)
		}
		action.Stroke = &domain.Path{
			ID:      p.ID,
			OwnerID: msg.UserID,
			Color:   p.Color,
			Width:   p.Width,
			Points:  p.Path,
		}
	case domain.ActionClear, domain.ActionUndo:
	default:
		return domain.Action{}, errors.Wrapf(ErrMalformed, "unknown action type %q", msg.Type)
	}
	return action, nil
}

// DecodeStateUpdate extracts and parses the state carried by a stateUpdate.
func DecodeStateUpdate(msg Message) (domain.CanvasState, error) {
	var p StateUpdatePayload
	if len(msg.Payload) == 0 {
		return domain.CanvasState{}, errors.Wrap(ErrMalformed, "stateUpdate without payload")
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return domain.CanvasState{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if strings.TrimSpace(p.CurrentState) == "" {
		return domain.CanvasState{}, errors.Wrap(ErrMalformed, "stateUpdate without currentState")
	}
	state, err := domain.ParseCanvasState(p.CurrentState)
	if err != nil {
		return domain.CanvasState{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if p.Thumbnail != "" {
		state.Thumbnail = p.Thumbnail
	}
	return state, nil
}

// WithStrokeID returns a copy of a stroke payload with its id set.
func WithStrokeID(payload json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "marshal stroke payload")
	}
	return out, nil
}

// NewStateUpdate builds the stateUpdate sent as a sync reply.
func NewStateUpdate(sessionID, userID string, state domain.CanvasState, ts int64) (Message, error) {
	text, err := state.Marshal()
	if err != nil {
		return Message{}, err
	}
	payload, err := json.Marshal(StateUpdatePayload{CurrentState: text, Thumbnail: state.Thumbnail})
	if err != nil {
		return Message{}, errors.Wrap(err, "marshal stateUpdate payload")
	}
	return Message{
		Type:      TypeStateUpdate,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

// Roster converts principals to roster entries.
func Roster(members []domain.Principal) []User {
	users := make([]User, 0, len(members))
	for _, m := range members {
		users = append(users, User{ID: m.ID, Name: m.DisplayName})
	}
	return users
}
