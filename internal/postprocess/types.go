// Package postprocess turns raw backend output into the detections served to
// clients: class-aware non-max suppression over boxes and instance masks,
// polygon extraction from per-class probability maps, and the detection
// JSON layout.
package postprocess

import "fmt"

// Box is (ymin, xmin, ymax, xmax) in coordinates normalized to [0,1].
type Box [4]float64

func (b Box) YMin() float64 { return b[0] }
func (b Box) XMin() float64 { return b[1] }
func (b Box) YMax() float64 { return b[2] }
func (b Box) XMax() float64 { return b[3] }

// Area is the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	h := b[2] - b[0]
	w := b[3] - b[1]
	if h <= 0 || w <= 0 {
		return 0
	}
	return h * w
}

// Grid is a row-major float map, used for box-relative masks and
// probability maps.
type Grid struct {
	W, H int
	Data []float64
}

// NewGrid allocates a zeroed w×h grid.
func NewGrid(w, h int) Grid {
	return Grid{W: w, H: h, Data: make([]float64, w*h)}
}

func (g Grid) At(x, y int) float64 { return g.Data[y*g.W+x] }

func (g Grid) Set(x, y int, v float64) { g.Data[y*g.W+x] = v }

func (g Grid) validate() error {
	if g.W <= 0 || g.H <= 0 || len(g.Data) != g.W*g.H {
		return fmt.Errorf("grid %dx%d has %d values", g.W, g.H, len(g.Data))
	}
	return nil
}

// Bitmap is a binary mask over the full image.
type Bitmap struct {
	W, H int
	Pix  []uint8
}

// NewBitmap allocates an empty w×h bitmap.
func NewBitmap(w, h int) Bitmap {
	return Bitmap{W: w, H: h, Pix: make([]uint8, w*h)}
}

func (m Bitmap) At(x, y int) bool { return m.Pix[y*m.W+x] != 0 }

func (m Bitmap) Set(x, y int) { m.Pix[y*m.W+x] = 1 }

// Count returns the number of set pixels.
func (m Bitmap) Count() int {
	n := 0
	for _, p := range m.Pix {
		if p != 0 {
			n++
		}
	}
	return n
}

// Detections is raw backend output. Masks is nil for box-only models. When
// FullImageMasks is false each mask is relative to its box and is reframed
// into image coordinates before use.
type Detections struct {
	Boxes          []Box     `json:"detection_boxes"`
	Scores         []float64 `json:"detection_scores"`
	Classes        []int     `json:"detection_classes"`
	Masks          []Grid    `json:"detection_masks,omitempty"`
	FullImageMasks bool      `json:"full_image_masks,omitempty"`
}

// Len returns the number of detections.
func (d Detections) Len() int { return len(d.Scores) }

// Validate checks that the parallel slices agree.
func (d Detections) Validate() error {
	n := len(d.Scores)
	if len(d.Boxes) != n || len(d.Classes) != n {
		return fmt.Errorf("mismatched detections: %d boxes, %d scores, %d classes", len(d.Boxes), n, len(d.Classes))
	}
	if d.Masks != nil && len(d.Masks) != n {
		return fmt.Errorf("mismatched detections: %d masks for %d scores", len(d.Masks), n)
	}
	for i, m := range d.Masks {
		if err := m.validate(); err != nil {
			return fmt.Errorf("mask %d: %w", i, err)
		}
	}
	return nil
}

// Suppressed is the output of NMS. Masks are binarized full-image masks and
// are nil for box-only models.
type Suppressed struct {
	Boxes   []Box
	Scores  []float64
	Classes []int
	Masks   []Bitmap
}

// Point is a normalized (x, y) coordinate.
type Point [2]float64

// Instance is one post-processed detection.
type Instance struct {
	Confidence float64
	ClassID    int
	Box        Box
	Contour    []Point
	Mask       *Bitmap
}

// Options control filtering and suppression.
type Options struct {
	// IoU is the overlap ceiling: a same-class box overlapping a kept box by
	// more than IoU is suppressed.
	IoU float64
	// Confidence is the minimum score kept.
	Confidence float64
	// Class, when set, keeps only detections of that class.
	Class *int
}

// DefaultOptions mirrors the query defaults.
func DefaultOptions() Options {
	return Options{IoU: 0.8, Confidence: 0.001}
}
