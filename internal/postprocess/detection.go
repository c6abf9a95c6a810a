package postprocess

import (
	"fmt"

	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

const (
	BoundRectangle = "rectangle"
	BoundMasks     = "masks"
	ContourPolygon = "polygon"
)

// Tag identifies the class of a detection.
type Tag struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Labels maps class ids to display names.
type Labels map[int]string

// Tag returns the tag for id, falling back to a generated name for classes
// missing from the label map.
func (l Labels) Tag(id int) Tag {
	if name, ok := l[id]; ok {
		return Tag{ID: id, Name: name}
	}
	return Tag{ID: id, Name: fmt.Sprintf("class_%d", id)}
}

// Detection is one item of the prediction JSON served to clients.
type Detection struct {
	Confidence  float64       `json:"confidence"`
	Tag         Tag           `json:"tag"`
	Bound       [4][2]float64 `json:"bound"`
	BoundType   string        `json:"boundType"`
	ContourType string        `json:"contourType,omitempty"`
	Contour     []Point       `json:"contour,omitempty"`
}

// Bound lists the box corners as (x, y) pairs clockwise from the top-left.
func Bound(b Box) [4][2]float64 {
	return [4][2]float64{
		{b.XMin(), b.YMin()},
		{b.XMin(), b.YMax()},
		{b.XMax(), b.YMax()},
		{b.XMax(), b.YMin()},
	}
}

// ToJSON lays out suppressed detections for clients. Masks that yield no
// contour are dropped.
func ToJSON(s Suppressed, labels Labels) []Detection {
	out := make([]Detection, 0, len(s.Scores))
	for i := range s.Scores {
		d := Detection{
			Confidence: s.Scores[i],
			Tag:        labels.Tag(s.Classes[i]),
			Bound:      Bound(s.Boxes[i]),
			BoundType:  BoundRectangle,
		}
		if s.Masks != nil {
			contour := MaskContour(s.Masks[i])
			if len(contour) == 0 {
				continue
			}
			d.BoundType = BoundMasks
			d.ContourType = ContourPolygon
			d.Contour = contour
		}
		out = append(out, d)
	}
	return out
}

// Process runs NMS over raw detections and lays out the result. Failures,
// panics included, surface as FailedPrediction.
func Process(d Detections, width, height int, labels Labels, opts Options) (out []Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = graceful.Recover(graceful.FailedPrediction, r)
		}
	}()
	s, err := Suppress(d, width, height, opts)
	if err != nil {
		return nil, graceful.WrapErr(graceful.FailedPrediction, "post-processing failed", err)
	}
	return ToJSON(s, labels), nil
}
