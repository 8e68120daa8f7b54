package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(x1, y1, x2, y2, width float64) Path {
	return Path{Width: width, Points: Segments{{Start: Point{x1, y1}, End: Point{x2, y2}}}}
}

func TestDefaultHitTest(t *testing.T) {
	cases := []struct {
		name   string
		path   Path
		eraser Path
		want   bool
	}{
		{"crossing", line(0, 0, 10, 10, 1), line(0, 10, 10, 0, 1), true},
		{"parallel within reach", line(0, 0, 10, 0, 4), line(0, 3, 10, 3, 4), true},
		{"parallel out of reach", line(0, 0, 10, 0, 2), line(0, 5, 10, 5, 2), false},
		{"far away", line(0, 0, 1, 1, 2), line(100, 100, 101, 101, 2), false},
		{"dot on line", line(5, 0, 5, 0, 1), line(0, 0, 10, 0, 1), true},
		{"empty eraser", line(0, 0, 1, 1, 2), Path{Width: 10}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultHitTest(tc.path, tc.eraser))
		})
	}
}

func TestSegmentsAcceptPolylineAndSegments(t *testing.T) {
	var poly Segments
	require.NoError(t, json.Unmarshal([]byte(`[{"x":0,"y":0},{"x":1,"y":1},{"x":2,"y":0}]`), &poly))
	require.Len(t, poly, 2)
	assert.Equal(t, Point{1, 1}, poly[0].End)
	assert.Equal(t, Point{1, 1}, poly[1].Start)

	var segs Segments
	require.NoError(t, json.Unmarshal([]byte(`[{"start":{"x":0,"y":0},"end":{"x":3,"y":4}}]`), &segs))
	require.Len(t, segs, 1)
	assert.Equal(t, Point{3, 4}, segs[0].End)

	var bad Segments
	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &bad))
}

func TestSegmentsRejectMixedElements(t *testing.T) {
	cases := map[string]string{
		"point after segment": `[{"start":{"x":0,"y":0},"end":{"x":1,"y":1}},{"x":5,"y":5}]`,
		"segment after point": `[{"x":0,"y":0},{"start":{"x":0,"y":0},"end":{"x":1,"y":1}}]`,
		"half a segment":      `[{"start":{"x":0,"y":0}}]`,
		"half a point":        `[{"x":1,"y":1},{"x":2}]`,
		"not an object":       `[[1,2]]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var segs Segments
			assert.Error(t, json.Unmarshal([]byte(raw), &segs))
		})
	}
}

func TestParseCanvasState(t *testing.T) {
	state, err := ParseCanvasState("")
	require.NoError(t, err)
	assert.NotNil(t, state.Paths)
	assert.Empty(t, state.Paths)

	_, err = ParseCanvasState("{not json")
	assert.Error(t, err)

	orig := CanvasState{Paths: []Path{{ID: "p1", OwnerID: "u1", Color: "#000000", Width: 2, Points: FromPolyline([]Point{{0, 0}, {1, 1}})}}}
	text, err := orig.Marshal()
	require.NoError(t, err)
	back, err := ParseCanvasState(text)
	require.NoError(t, err)
	assert.Equal(t, orig.Paths, back.Paths)
}

func TestCloneIsDeep(t *testing.T) {
	orig := CanvasState{Paths: []Path{line(0, 0, 1, 1, 1)}}
	cp := orig.Clone()
	cp.Paths[0].Points[0].Start.X = 99
	assert.Equal(t, 0.0, orig.Paths[0].Points[0].Start.X)
}
