// Package domain defines the core whiteboard models.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Principal is an authenticated participant attached to a connection.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Role        string `json:"role,omitempty"`
}

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Segment is one line piece of a stroke.
type Segment struct {
	Start Point `json:"start"`
	End   Point `json:"end"`
}

// Segments is the geometry of a stroke. On input it accepts either a list of
// {start, end} segments or a polyline of {x, y} points.
type Segments []Segment

// UnmarshalJSON implements json.Unmarshaler.
func (s *Segments) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "path must be an array")
	}
	if len(raw) == 0 {
		*s = Segments{}
		return nil
	}

	_, segmentMode, err := pathElement(raw[0])
	if err != nil {
		return err
	}
	if segmentMode {
		segs := make([]Segment, 0, len(raw))
		for i, r := range raw {
			if _, ok, err := pathElement(r); err != nil {
				return err
			} else if !ok {
				return errors.Errorf("path element %d is a point in a segment path", i)
			}
			var seg Segment
			if err := json.Unmarshal(r, &seg); err != nil {
				return errors.Wrap(err, "invalid segment")
			}
			segs = append(segs, seg)
		}
		*s = segs
		return nil
	}

	points := make([]Point, 0, len(raw))
	for i, r := range raw {
		if point, _, err := pathElement(r); err != nil {
			return err
		} else if !point {
			return errors.Errorf("path element %d is a segment in a point path", i)
		}
		var p Point
		if err := json.Unmarshal(r, &p); err != nil {
			return errors.Wrap(err, "invalid point")
		}
		points = append(points, p)
	}
	*s = FromPolyline(points)
	return nil
}

// pathElement reports whether r carries x and y, or start and end. An
// element with neither is an error.
func pathElement(r json.RawMessage) (point, segment bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r, &fields); err != nil {
		return false, false, errors.Wrap(err, "path element must be an object")
	}
	_, hasX := fields["x"]
	_, hasY := fields["y"]
	_, hasStart := fields["start"]
	_, hasEnd := fields["end"]
	point, segment = hasX && hasY, hasStart && hasEnd
	if !point && !segment {
		return false, false, errors.New("path element needs x and y or start and end")
	}
	return point, segment, nil
}

// FromPolyline turns consecutive points into segments. A single point becomes
// a zero-length segment so that dots survive.
func FromPolyline(points []Point) Segments {
	switch len(points) {
	case 0:
		return Segments{}
	case 1:
		return Segments{{Start: points[0], End: points[0]}}
	}
	segs := make(Segments, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		segs = append(segs, Segment{Start: points[i-1], End: points[i]})
	}
	return segs
}

// Path is one stroke on the canvas.
type Path struct {
	ID      string   `json:"id"`
	OwnerID string   `json:"userId"`
	Color   string   `json:"color"`
	Width   float64  `json:"width"`
	Points  Segments `json:"points"`
}

// CanvasState is the shared drawing of a session.
type CanvasState struct {
	Paths     []Path `json:"paths"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// EmptyCanvas returns a state with no paths.
func EmptyCanvas() CanvasState {
	return CanvasState{Paths: []Path{}}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c CanvasState) Clone() CanvasState {
	out := CanvasState{Paths: make([]Path, len(c.Paths)), Thumbnail: c.Thumbnail}
	for i, p := range c.Paths {
		p.Points = append(Segments(nil), p.Points...)
		if p.Points == nil {
			p.Points = Segments{}
		}
		out.Paths[i] = p
	}
	return out
}

// Marshal serializes the state to its durable text form.
func (c CanvasState) Marshal() (string, error) {
	if c.Paths == nil {
		c.Paths = []Path{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "marshal canvas state")
	}
	return string(data), nil
}

// ParseCanvasState parses the durable text form. A blank string is an empty
// canvas.
func ParseCanvasState(text string) (CanvasState, error) {
	if strings.TrimSpace(text) == "" {
		return EmptyCanvas(), nil
	}
	var state CanvasState
	if err := json.Unmarshal([]byte(text), &state); err != nil {
		return CanvasState{}, errors.Wrap(err, "parse canvas state")
	}
	if state.Paths == nil {
		state.Paths = []Path{}
	}
	return state, nil
}

// SessionRecord is the durable counterpart of a session's canvas.
type SessionRecord struct {
	SessionID    string
	CurrentState string
	Thumbnail    string
	UpdatedAt    time.Time
}
