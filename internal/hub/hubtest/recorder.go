// Package hubtest provides an in-memory hub.Channel for tests.
package hubtest

import (
	"encoding/json"
	"sync"

	"github.com/xiaot623/gogo/whiteboard/internal/hub"
)

// Recorder is a hub.Channel that keeps everything sent to it.
type Recorder struct {
	id string

	mu       sync.Mutex
	messages [][]byte
	closed   bool
	code     int
	reason   string
}

var _ hub.Channel = (*Recorder)(nil)

// NewRecorder creates a recorder with the given channel id.
func NewRecorder(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return hub.ErrChannelClosed
	}
	r.messages = append(r.messages, append([]byte(nil), data...))
	return nil
}

func (r *Recorder) Close(code int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.code = code
	r.reason = reason
	return nil
}

// Messages returns a copy of the raw messages received so far.
func (r *Recorder) Messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.messages))
	copy(out, r.messages)
	return out
}

// Envelope is the part of a message the tests usually look at.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Sequence  int64           `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
	Users     []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"users"`
}

// Envelopes decodes every received message. Undecodable messages are
// returned with an empty type.
func (r *Recorder) Envelopes() []Envelope {
	msgs := r.Messages()
	out := make([]Envelope, 0, len(msgs))
	for _, m := range msgs {
		var env Envelope
		_ = json.Unmarshal(m, &env)
		out = append(out, env)
	}
	return out
}

// OfType returns the received envelopes with the given type.
func (r *Recorder) OfType(typ string) []Envelope {
	var out []Envelope
	for _, env := range r.Envelopes() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets received messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// Closed reports whether Close was called and with what.
func (r *Recorder) Closed() (bool, int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.code, r.reason
}
