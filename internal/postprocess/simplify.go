package postprocess

import "math"

// maskContourEpsilon scales the perimeter into the simplification tolerance.
const maskContourEpsilon = 0.001

// ArcLength is the perimeter of a closed pixel polygon.
func ArcLength(pts []Pixel) float64 {
	if len(pts) < 2 {
		return 0
	}
	total := 0.0
	for i := range pts {
		total += dist(pts[i], pts[(i+1)%len(pts)])
	}
	return total
}

// SimplifyClosed reduces a closed polygon with Douglas-Peucker. The curve is
// split at the vertex farthest from the first one and each half is simplified
// separately.
func SimplifyClosed(pts []Pixel, epsilon float64) []Pixel {
	if len(pts) < 3 {
		return append([]Pixel(nil), pts...)
	}
	far, best := 0, -1.0
	for i, p := range pts {
		if d := dist(pts[0], p); d > best {
			far, best = i, d
		}
	}
	if far == 0 {
		return []Pixel{pts[0]}
	}

	first := simplifyOpen(pts[:far+1], epsilon)
	ring := append(append([]Pixel(nil), pts[far:]...), pts[0])
	second := simplifyOpen(ring, epsilon)

	out := append([]Pixel(nil), first...)
	// Drop the duplicated split vertex and the closing point.
	out = append(out, second[1:len(second)-1]...)
	return out
}

func simplifyOpen(pts []Pixel, epsilon float64) []Pixel {
	if len(pts) < 3 {
		return append([]Pixel(nil), pts...)
	}
	keep := make([]bool, len(pts))
	keep[0], keep[len(pts)-1] = true, true

	type span struct{ from, to int }
	stack := []span{{0, len(pts) - 1}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		idx, maxD := -1, epsilon
		for i := s.from + 1; i < s.to; i++ {
			if d := segmentDistance(pts[i], pts[s.from], pts[s.to]); d > maxD {
				idx, maxD = i, d
			}
		}
		if idx >= 0 {
			keep[idx] = true
			stack = append(stack, span{s.from, idx}, span{idx, s.to})
		}
	}

	out := make([]Pixel, 0, len(pts))
	for i, k := range keep {
		if k {
			out = append(out, pts[i])
		}
	}
	return out
}

func dist(a, b Pixel) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// segmentDistance is the distance from p to the segment ab.
func segmentDistance(p, a, b Pixel) float64 {
	dx, dy := float64(b.X-a.X), float64(b.Y-a.Y)
	if dx == 0 && dy == 0 {
		return dist(p, a)
	}
	t := (float64(p.X-a.X)*dx + float64(p.Y-a.Y)*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(float64(p.X)-(float64(a.X)+t*dx), float64(p.Y)-(float64(a.Y)+t*dy))
}

// MaskContour returns the simplified outer contour of the first region of m
// in normalized coordinates, or nil when m is empty.
func MaskContour(m Bitmap) []Point {
	contours := TraceContours(m)
	if len(contours) == 0 {
		return nil
	}
	pts := contours[0].Points
	simplified := SimplifyClosed(pts, maskContourEpsilon*ArcLength(pts))
	return normalizePoints(simplified, m.W, m.H)
}
