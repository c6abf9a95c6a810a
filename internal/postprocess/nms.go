package postprocess

import (
	"fmt"
	"sort"
)

// IoU returns the intersection over union of two boxes. Boxes with no union
// area overlap nothing.
func IoU(a, b Box) float64 {
	ih := minf(a[2], b[2]) - maxf(a[0], b[0])
	iw := minf(a[3], b[3]) - maxf(a[1], b[1])
	inter := 0.0
	if ih > 0 && iw > 0 {
		inter = ih * iw
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// MaskIoU returns the pixel intersection over union of two masks of the same
// shape.
func MaskIoU(a, b Bitmap) float64 {
	inter, union := 0, 0
	for i := range a.Pix {
		pa, pb := a.Pix[i] != 0, b.Pix[i] != 0
		if pa && pb {
			inter++
		}
		if pa || pb {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// filterIndices keeps detections at or above the confidence threshold and,
// when opts.Class is set, of that class only.
func filterIndices(scores []float64, classes []int, opts Options) []int {
	idx := make([]int, 0, len(scores))
	for i, s := range scores {
		if s < opts.Confidence {
			continue
		}
		if opts.Class != nil && classes[i] != *opts.Class {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

// greedy runs class-aware NMS over candidate indices. overlap(i, j) gives
// the IoU between detections i and j. It returns the kept indices in
// descending score order.
func greedy(candidates []int, scores []float64, classes []int, iou float64, overlap func(i, j int) float64) []int {
	order := append([]int(nil), candidates...)
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	keep := make([]int, 0, len(order))
	for len(order) > 0 {
		best := order[0]
		keep = append(keep, best)
		rest := order[:0:0]
		for _, other := range order[1:] {
			if classes[other] != classes[best] || overlap(best, other) <= iou {
				rest = append(rest, other)
			}
		}
		order = rest
	}
	return keep
}

// SuppressBoxes applies box NMS.
func SuppressBoxes(d Detections, opts Options) (Suppressed, error) {
	if err := d.Validate(); err != nil {
		return Suppressed{}, err
	}
	candidates := filterIndices(d.Scores, d.Classes, opts)
	keep := greedy(candidates, d.Scores, d.Classes, opts.IoU, func(i, j int) float64 {
		return IoU(d.Boxes[i], d.Boxes[j])
	})

	out := Suppressed{
		Boxes:   make([]Box, 0, len(keep)),
		Scores:  make([]float64, 0, len(keep)),
		Classes: make([]int, 0, len(keep)),
	}
	for _, k := range keep {
		out.Boxes = append(out.Boxes, d.Boxes[k])
		out.Scores = append(out.Scores, d.Scores[k])
		out.Classes = append(out.Classes, d.Classes[k])
	}
	return out, nil
}

// SuppressMasks applies mask NMS. Box-relative masks are reframed into a
// width×height image and binarized at 0.5 first.
func SuppressMasks(d Detections, width, height int, opts Options) (Suppressed, error) {
	if err := d.Validate(); err != nil {
		return Suppressed{}, err
	}
	if d.Masks == nil {
		return Suppressed{}, fmt.Errorf("detections carry no masks")
	}
	if width <= 0 || height <= 0 {
		return Suppressed{}, fmt.Errorf("invalid image size %dx%d", width, height)
	}

	candidates := filterIndices(d.Scores, d.Classes, opts)
	binary := make(map[int]Bitmap, len(candidates))
	for _, i := range candidates {
		m := d.Masks[i]
		if !d.FullImageMasks {
			m = ReframeBoxMask(m, d.Boxes[i], width, height)
		} else if m.W != width || m.H != height {
			return Suppressed{}, fmt.Errorf("mask %d is %dx%d, image is %dx%d", i, m.W, m.H, width, height)
		}
		binary[i] = Binarize(m, 0.5)
	}

	keep := greedy(candidates, d.Scores, d.Classes, opts.IoU, func(i, j int) float64 {
		return MaskIoU(binary[i], binary[j])
	})

	out := Suppressed{
		Boxes:   make([]Box, 0, len(keep)),
		Scores:  make([]float64, 0, len(keep)),
		Classes: make([]int, 0, len(keep)),
		Masks:   make([]Bitmap, 0, len(keep)),
	}
	for _, k := range keep {
		out.Boxes = append(out.Boxes, d.Boxes[k])
		out.Scores = append(out.Scores, d.Scores[k])
		out.Classes = append(out.Classes, d.Classes[k])
		out.Masks = append(out.Masks, binary[k])
	}
	return out, nil
}

// Suppress dispatches to mask or box NMS depending on whether the detections
// carry masks.
func Suppress(d Detections, width, height int, opts Options) (Suppressed, error) {
	if d.Masks != nil {
		return SuppressMasks(d, width, height, opts)
	}
	return SuppressBoxes(d, opts)
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
