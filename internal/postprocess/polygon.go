package postprocess

import "fmt"

// ExtractPolygons turns per-class probability maps into instances. maps[0]
// is the background class and is skipped. Every connected region of a
// class channel above zero becomes one instance whose confidence is the mean
// of the min-max normalized probabilities over its filled contour.
func ExtractPolygons(maps []Grid) ([]Instance, error) {
	if len(maps) == 0 {
		return nil, nil
	}
	w, h := maps[0].W, maps[0].H
	lo, hi := 0.0, 0.0
	for c, m := range maps {
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("class %d: %w", c, err)
		}
		if m.W != w || m.H != h {
			return nil, fmt.Errorf("class %d is %dx%d, want %dx%d", c, m.W, m.H, w, h)
		}
		for i, v := range m.Data {
			if (c == 0 && i == 0) || v < lo {
				lo = v
			}
			if (c == 0 && i == 0) || v > hi {
				hi = v
			}
		}
	}
	normalize := func(v float64) float64 {
		if hi == lo {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - lo) / (hi - lo)
	}

	var out []Instance
	for class := 1; class < len(maps); class++ {
		m := maps[class]
		positive := NewBitmap(w, h)
		for i, v := range m.Data {
			if v > 0 {
				positive.Pix[i] = 1
			}
		}
		for _, c := range TraceContours(positive) {
			if len(c.Points) <= 1 {
				continue
			}
			filled := Fill(c, w, h)
			area, total := 0, 0.0
			for i, p := range filled.Pix {
				if p != 0 {
					area++
					total += normalize(m.Data[i])
				}
			}
			if area == 0 {
				continue
			}
			out = append(out, Instance{
				Confidence: total / float64(area),
				ClassID:    class,
				Box:        contourBox(c.Points, w, h),
				Contour:    normalizePoints(c.Points, w, h),
				Mask:       &filled,
			})
		}
	}
	return out, nil
}

func contourBox(pts []Pixel, w, h int) Box {
	minX, minY, maxX, maxY := pts[0].X, pts[0].Y, pts[0].X, pts[0].Y
	for _, p := range pts[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	fw, fh := float64(w), float64(h)
	return Box{float64(minY) / fh, float64(minX) / fw, float64(maxY) / fh, float64(maxX) / fw}
}

func normalizePoints(pts []Pixel, w, h int) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{float64(p.X) / float64(w), float64(p.Y) / float64(h)}
	}
	return out
}

// ToDetections converts polygon instances into full-image mask detections so
// they can go through mask NMS like any other segmentation output.
func ToDetections(instances []Instance) Detections {
	d := Detections{
		Boxes:          make([]Box, len(instances)),
		Scores:         make([]float64, len(instances)),
		Classes:        make([]int, len(instances)),
		Masks:          make([]Grid, len(instances)),
		FullImageMasks: true,
	}
	for i, in := range instances {
		d.Boxes[i] = in.Box
		d.Scores[i] = in.Confidence
		d.Classes[i] = in.ClassID
		g := NewGrid(in.Mask.W, in.Mask.H)
		for k, p := range in.Mask.Pix {
			g.Data[k] = float64(p)
		}
		d.Masks[i] = g
	}
	return d
}
