package engine

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/nmxmxh/portal-engine/internal/postprocess"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

// Output formats of an image prediction.
const (
	FormatJSON  = "json"
	FormatImage = "image"
)

// PredictQuery is a validated prediction request.
type PredictQuery struct {
	Path          string
	Format        string
	IoU           float64
	Confidence    float64
	Reanalyse     bool
	FrameInterval int
	Class         *int
}

// ParsePredictQuery validates the query string of a prediction route. Video
// queries require frameInterval and ignore format.
func ParsePredictQuery(v url.Values, video bool) (PredictQuery, error) {
	def := postprocess.DefaultOptions()
	q := PredictQuery{Format: FormatJSON, IoU: def.IoU, Confidence: def.Confidence}

	raw := v.Get("filepath")
	if raw == "" {
		return q, graceful.New(graceful.InvalidQueryParameter, "filepath is a compulsory query")
	}
	q.Path = raw
	if decoded, err := url.PathUnescape(raw); err == nil {
		q.Path = decoded
	}

	if !video {
		if f := v.Get("format"); f != "" {
			if f != FormatJSON && f != FormatImage {
				return q, graceful.New(graceful.InvalidQueryParameter, "output format is not 'json' or 'image'")
			}
			q.Format = f
		}
	}

	if s := v.Get("iou"); s != "" {
		iou, err := cast.ToFloat64E(strings.TrimSpace(s))
		if err != nil || iou < 0 || iou > 1 {
			return q, graceful.New(graceful.InvalidQueryParameter, "iou query is not a float between 0.0 and 1.0")
		}
		q.IoU = iou
	}

	if s := v.Get("confidence"); s != "" {
		c, err := cast.ToFloat64E(strings.TrimSpace(s))
		if err != nil || c < 0 || c > 1 {
			return q, graceful.New(graceful.InvalidQueryParameter, "confidence query is not a float between 0.0 and 1.0")
		}
		q.Confidence = c
	}

	switch v.Get("reanalyse") {
	case "", "false":
	case "true":
		q.Reanalyse = true
	default:
		return q, graceful.New(graceful.InvalidQueryParameter, "reanalyse query is not one of 'true' or 'false'")
	}

	if s := v.Get("filter"); s != "" {
		class, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return q, graceful.New(graceful.InvalidQueryParameter, "filter query is not a class id")
		}
		q.Class = &class
	}

	if video {
		s := v.Get("frameInterval")
		if s == "" {
			return q, graceful.New(graceful.InvalidQueryParameter, "frameInterval is a compulsory query")
		}
		n, err := cast.ToIntE(strings.TrimSpace(s))
		if err != nil || n < 1 {
			return q, graceful.New(graceful.InvalidQueryParameter, "frameInterval query is not a positive integer")
		}
		q.FrameInterval = n
	}
	return q, nil
}

// Options converts the query into post-processing options.
func (q PredictQuery) Options() postprocess.Options {
	return postprocess.Options{IoU: q.IoU, Confidence: q.Confidence, Class: q.Class}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (q PredictQuery) classSuffix() string {
	if q.Class == nil {
		return ""
	}
	return "class" + strconv.Itoa(*q.Class)
}

// ImageSignature identifies an image prediction in the cache.
func (q PredictQuery) ImageSignature() string {
	return q.Format + formatFloat(q.IoU) + formatFloat(q.Confidence) + q.classSuffix()
}

// VideoSignature identifies a video prediction in the cache.
func (q PredictQuery) VideoSignature() string {
	return strconv.Itoa(q.FrameInterval) + formatFloat(q.IoU) + formatFloat(q.Confidence) + q.classSuffix()
}
