package postprocess

import (
	"math"
	"sort"
)

// Pixel is an integer (x, y) image coordinate.
type Pixel struct{ X, Y int }

// Contour is a closed border traced through pixel centres.
type Contour struct {
	Points []Pixel
	Hole   bool
}

// neighbours lists the 8-neighbourhood as (drow, dcol), counter-clockwise
// starting east. Rows grow downwards.
var neighbours = [8][2]int{
	{0, 1}, {-1, 1}, {-1, 0}, {-1, -1},
	{0, -1}, {1, -1}, {1, 0}, {1, 1},
}

func neighbourIndex(dr, dc int) int {
	for i, n := range neighbours {
		if n[0] == dr && n[1] == dc {
			return i
		}
	}
	return -1
}

// TraceContours returns every outer and hole border of the set pixels of m,
// in raster order of their starting pixel. It follows the border-following
// scheme of Suzuki and Abe over an image padded with a zero frame.
func TraceContours(m Bitmap) []Contour {
	w, h := m.W+2, m.H+2
	f := make([]int32, w*h)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if m.At(x, y) {
				f[(y+1)*w+x+1] = 1
			}
		}
	}
	at := func(r, c int) int32 { return f[r*w+c] }
	set := func(r, c int, v int32) { f[r*w+c] = v }

	var contours []Contour
	nbd := int32(1)

	for i := 1; i < h-1; i++ {
		for j := 1; j < w-1; j++ {
			v := at(i, j)
			var fromR, fromC int
			var hole bool
			switch {
			case v == 1 && at(i, j-1) == 0:
				fromR, fromC = i, j-1
			case v >= 1 && at(i, j+1) == 0:
				fromR, fromC = i, j+1
				hole = true
			default:
				continue
			}
			nbd++
			points := follow(at, set, i, j, fromR, fromC, nbd)
			c := Contour{Hole: hole, Points: make([]Pixel, len(points))}
			for k, p := range points {
				c.Points[k] = Pixel{X: p[1] - 1, Y: p[0] - 1}
			}
			contours = append(contours, c)
		}
	}
	return contours
}

// follow traces one border starting at (i, j), entered from the zero pixel
// (fromR, fromC), labelling visited border pixels with nbd. It returns the
// border pixels in padded (row, col) coordinates.
func follow(at func(r, c int) int32, set func(r, c int, v int32), i, j, fromR, fromC int, nbd int32) [][2]int {
	// Clockwise search around (i, j) for the first non-zero neighbour.
	start := neighbourIndex(fromR-i, fromC-j)
	found := -1
	for k := 0; k < 8; k++ {
		d := (start - k + 8) % 8
		if at(i+neighbours[d][0], j+neighbours[d][1]) != 0 {
			found = d
			break
		}
	}
	if found < 0 {
		set(i, j, -nbd)
		return [][2]int{{i, j}}
	}

	i1, j1 := i+neighbours[found][0], j+neighbours[found][1]
	i2, j2 := i1, j1
	i3, j3 := i, j
	var points [][2]int

	for {
		points = append(points, [2]int{i3, j3})

		// Counter-clockwise search around (i3, j3) starting after (i2, j2).
		d0 := neighbourIndex(i2-i3, j2-j3)
		eastZero := false
		var i4, j4 int
		for k := 1; k <= 8; k++ {
			d := (d0 + k) % 8
			r, c := i3+neighbours[d][0], j3+neighbours[d][1]
			if at(r, c) != 0 {
				i4, j4 = r, c
				break
			}
			if d == 0 {
				eastZero = true
			}
		}

		if eastZero {
			set(i3, j3, -nbd)
		} else if at(i3, j3) == 1 {
			set(i3, j3, nbd)
		}

		if i4 == i && j4 == j && i3 == i1 && j3 == j1 {
			return points
		}
		i2, j2 = i3, j3
		i3, j3 = i4, j4
	}
}

// Fill rasterizes a closed contour, interior and border, into a w×h bitmap.
// Pixel centres inside the polygon are set using the even-odd rule.
func Fill(c Contour, w, h int) Bitmap {
	out := NewBitmap(w, h)
	pts := c.Points
	for _, p := range pts {
		if p.X >= 0 && p.X < w && p.Y >= 0 && p.Y < h {
			out.Set(p.X, p.Y)
		}
	}
	if len(pts) < 3 {
		return out
	}

	minY, maxY := pts[0].Y, pts[0].Y
	for _, p := range pts {
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	if minY < 0 {
		minY = 0
	}
	if maxY > h-1 {
		maxY = h - 1
	}

	xs := make([]float64, 0, 8)
	for y := minY; y <= maxY; y++ {
		fy := float64(y)
		xs = xs[:0]
		for k := range pts {
			a, b := pts[k], pts[(k+1)%len(pts)]
			ay, by := float64(a.Y), float64(b.Y)
			if (ay <= fy && by > fy) || (by <= fy && ay > fy) {
				t := (fy - ay) / (by - ay)
				xs = append(xs, float64(a.X)+t*float64(b.X-a.X))
			}
		}
		sort.Float64s(xs)
		for k := 0; k+1 < len(xs); k += 2 {
			from := int(math.Ceil(xs[k]))
			to := int(math.Floor(xs[k+1]))
			for x := from; x <= to; x++ {
				if x >= 0 && x < w {
					out.Set(x, y)
				}
			}
		}
	}
	return out
}
