package domain

// ActionType is the kind of a drawing action.
type ActionType string

const (
	ActionDraw  ActionType = "draw"
	ActionErase ActionType = "erase"
	ActionClear ActionType = "clear"
	ActionUndo  ActionType = "undo"
)

// IsDrawing reports whether t is one of the sequenced drawing actions.
func (t ActionType) IsDrawing() bool {
	switch t {
	case ActionDraw, ActionErase, ActionClear, ActionUndo:
		return true
	}
	return false
}

// Action is a drawing action after payload decoding. Stroke is set for draw
// and erase.
type Action struct {
	Type      ActionType
	SessionID string
	UserID    string
	Sequence  int64
	Stroke    *Path
}
