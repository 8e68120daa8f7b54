package domain

import "math"

// HitTest reports whether the eraser stroke touches path.
type HitTest func(path Path, eraser Path) bool

// DefaultHitTest treats a path as erased when any of its segments comes
// within half the combined stroke widths of any eraser segment.
func DefaultHitTest(path Path, eraser Path) bool {
	reach := (path.Width + eraser.Width) / 2
	if reach < 0 {
		reach = 0
	}
	if !boundsOverlap(bounds(path.Points), bounds(eraser.Points), reach) {
		return false
	}
	for _, a := range path.Points {
		for _, b := range eraser.Points {
			if segmentDistance(a, b) <= reach {
				return true
			}
		}
	}
	return false
}

type rect struct {
	minX, minY, maxX, maxY float64
	empty                  bool
}

func bounds(segs Segments) rect {
	if len(segs) == 0 {
		return rect{empty: true}
	}
	r := rect{minX: math.Inf(1), minY: math.Inf(1), maxX: math.Inf(-1), maxY: math.Inf(-1)}
	for _, s := range segs {
		for _, p := range [2]Point{s.Start, s.End} {
			r.minX = math.Min(r.minX, p.X)
			r.minY = math.Min(r.minY, p.Y)
			r.maxX = math.Max(r.maxX, p.X)
			r.maxY = math.Max(r.maxY, p.Y)
		}
	}
	return r
}

func boundsOverlap(a, b rect, margin float64) bool {
	if a.empty || b.empty {
		return false
	}
	return a.minX-margin <= b.maxX && b.minX-margin <= a.maxX &&
		a.minY-margin <= b.maxY && b.minY-margin <= a.maxY
}

// segmentDistance is the minimum distance between two closed segments.
func segmentDistance(a, b Segment) float64 {
	if segmentsIntersect(a, b) {
		return 0
	}
	return math.Min(
		math.Min(pointSegmentDistance(a.Start, b), pointSegmentDistance(a.End, b)),
		math.Min(pointSegmentDistance(b.Start, a), pointSegmentDistance(b.End, a)),
	)
}

func pointSegmentDistance(p Point, s Segment) float64 {
	dx, dy := s.End.X-s.Start.X, s.End.Y-s.Start.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.X-s.Start.X, p.Y-s.Start.Y)
	}
	t := ((p.X-s.Start.X)*dx + (p.Y-s.Start.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(s.Start.X+t*dx), p.Y-(s.Start.Y+t*dy))
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// segmentsIntersect only detects proper crossings; touching and collinear
// cases fall through to the distance checks, which return 0 for them.
func segmentsIntersect(a, b Segment) bool {
	d1 := cross(b.Start, b.End, a.Start)
	d2 := cross(b.Start, b.End, a.End)
	d3 := cross(a.Start, a.End, b.Start)
	d4 := cross(a.Start, a.End, b.End)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}
