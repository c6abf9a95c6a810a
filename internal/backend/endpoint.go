package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/postprocess"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
)

const (
	endpointModelType = "endpoint"
	endpointRetries   = 2
)

func (f *Factory) registerEndpoint(ctx context.Context, req Request) (*registry.Record, error) {
	opts := req.Options
	if opts.Link == "" {
		return nil, graceful.New(graceful.InvalidRequest, "endpoint models need a model url")
	}
	labels, err := fetchLabels(ctx, f.client, opts.Link, opts.ProjectSecret)
	if err != nil {
		return nil, err
	}
	return &registry.Record{
		Key:         registry.EndpointKey(req.Name, req.Description, opts.Link, opts.ProjectSecret),
		Kind:        registry.Endpoint,
		ModelType:   endpointModelType,
		Name:        req.Name,
		Description: req.Description,
		Height:      opts.Height,
		Width:       opts.Width,
		Labels:      labels,
		Options:     opts,
	}, nil
}

func classesURL(link string) string {
	if i := strings.LastIndex(link, "/predict"); i >= 0 {
		return link[:i] + "/classes"
	}
	return strings.TrimRight(link, "/") + "/classes"
}

// fetchLabels reads the label map an endpoint serves next to its predict
// route.
func fetchLabels(ctx context.Context, client *http.Client, link, secret string) (postprocess.Labels, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, classesURL(link), nil)
	if err != nil {
		return nil, graceful.WrapErr(graceful.InvalidRequest, "invalid endpoint url", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := client.Do(req)
	if err != nil {
		return nil, graceful.WrapErr(graceful.EndpointFailed, "could not load the endpoint label map", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, graceful.Newf(graceful.EndpointFailed,
			"could not load the endpoint label map (%s); the endpoint may be corrupted or not present", resp.Status)
	}

	var raw map[string]postprocess.Tag
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, graceful.WrapErr(graceful.EndpointFailed, "endpoint label map is malformed", err)
	}
	labels := make(postprocess.Labels, len(raw))
	for id, tag := range raw {
		n, err := strconv.Atoi(id)
		if err != nil {
			return nil, graceful.Newf(graceful.EndpointFailed, "endpoint label map has non-numeric id %q", id)
		}
		labels[n] = tag.Name
	}
	return labels, nil
}

// Endpoint forwards frames to a remote prediction API.
type Endpoint struct {
	link    string
	secret  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger

	newBackOff func() backoff.BackOff

	mu     sync.RWMutex
	labels postprocess.Labels
}

func (f *Factory) newEndpoint(_ context.Context, rec *registry.Record) (*Endpoint, error) {
	if rec.Options.Link == "" {
		return nil, graceful.Newf(graceful.EndpointFailed, "endpoint model %s has no url", rec.Key)
	}
	log := f.log.With(zap.String("model_key", rec.Key))
	labels := make(postprocess.Labels, len(rec.Labels))
	for k, v := range rec.Labels {
		labels[k] = v
	}
	return &Endpoint{
		link:   rec.Options.Link,
		secret: rec.Options.ProjectSecret,
		client: f.client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "endpoint-" + rec.Key,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
		log: log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		labels: labels,
	}, nil
}

func (e *Endpoint) Labels() postprocess.Labels {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(postprocess.Labels, len(e.labels))
	for k, v := range e.labels {
		out[k] = v
	}
	return out
}

func (e *Endpoint) Close() error { return nil }

type endpointRequest struct {
	Data      string `json:"data"`
	ImageType string `json:"image_type"`
}

type endpointPrediction struct {
	Bound      [][2]float64    `json:"bound"`
	Confidence float64         `json:"confidence"`
	Tag        postprocess.Tag `json:"tag"`
	BoundType  string          `json:"boundType"`
	Contour    [][2]float64    `json:"contour"`
}

type endpointResponse struct {
	Predictions []endpointPrediction `json:"predictions"`
}

// Predict posts img as a base64 JPEG and converts the response into raw
// detections. Polygons are rasterized into full-image masks.
func (e *Endpoint) Predict(ctx context.Context, img image.Image) (postprocess.Detections, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return postprocess.Detections{}, graceful.WrapErr(graceful.FailedPrediction, "could not encode image", err)
	}
	body, err := json.Marshal(endpointRequest{
		Data:      base64.StdEncoding.EncodeToString(buf.Bytes()),
		ImageType: "base_64",
	})
	if err != nil {
		return postprocess.Detections{}, graceful.WrapErr(graceful.FailedPrediction, "could not encode request", err)
	}

	var out endpointResponse
	operation := func() error {
		_, err := e.breaker.Execute(func() (interface{}, error) {
			return nil, e.post(ctx, body, &out)
		})
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), endpointRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		if ctx.Err() != nil {
			return postprocess.Detections{}, ctx.Err()
		}
		return postprocess.Detections{}, graceful.WrapErr(graceful.EndpointFailed, "endpoint prediction failed", err)
	}

	b := img.Bounds()
	return e.toDetections(out.Predictions, b.Dx(), b.Dy())
}

func (e *Endpoint) post(ctx context.Context, body []byte, out *endpointResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.link, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.secret)
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint responded with %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.Permanent(fmt.Errorf("endpoint responded with %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("endpoint response is malformed: %w", err))
	}
	return nil
}

func (e *Endpoint) toDetections(preds []endpointPrediction, w, h int) (postprocess.Detections, error) {
	d := postprocess.Detections{FullImageMasks: true}
	polygons := make([][][2]float64, 0, len(preds))
	anyMask := false
	for i, p := range preds {
		if len(p.Bound) < 3 {
			return postprocess.Detections{}, graceful.Newf(graceful.EndpointFailed, "prediction %d has %d bound points", i, len(p.Bound))
		}
		topLeft, bottomRight := p.Bound[0], p.Bound[2]
		d.Boxes = append(d.Boxes, postprocess.Box{topLeft[1], topLeft[0], bottomRight[1], bottomRight[0]})
		d.Scores = append(d.Scores, p.Confidence)
		d.Classes = append(d.Classes, p.Tag.ID)
		e.learnTag(p.Tag)

		var poly [][2]float64
		if p.BoundType == postprocess.BoundMasks && len(p.Contour) > 0 {
			poly = p.Contour
			anyMask = true
		}
		polygons = append(polygons, poly)
	}
	if !anyMask {
		return d, nil
	}
	d.Masks = make([]postprocess.Grid, len(polygons))
	for i, poly := range polygons {
		if poly == nil {
			box := d.Boxes[i]
			poly = [][2]float64{
				{box.XMin(), box.YMin()}, {box.XMin(), box.YMax()},
				{box.XMax(), box.YMax()}, {box.XMax(), box.YMin()},
			}
		}
		d.Masks[i] = rasterize(poly, w, h)
	}
	return d, nil
}

func (e *Endpoint) learnTag(t postprocess.Tag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.labels[t.ID]; !ok {
		e.labels[t.ID] = t.Name
	}
}

// rasterize fills a normalized polygon into a w×h 0/1 grid.
func rasterize(poly [][2]float64, w, h int) postprocess.Grid {
	c := postprocess.Contour{Points: make([]postprocess.Pixel, len(poly))}
	for i, p := range poly {
		c.Points[i] = postprocess.Pixel{X: int(p[0] * float64(w)), Y: int(p[1] * float64(h))}
	}
	m := postprocess.Fill(c, w, h)
	g := postprocess.NewGrid(w, h)
	for i, v := range m.Pix {
		if v != 0 {
			g.Data[i] = 1
		}
	}
	return g
}
