// Package engine is the operation layer between the HTTP handlers and the
// store. Every state-changing or inference operation passes the atomic gate
// and then runs on the single inference worker.
package engine

import (
	"context"
	"errors"
	"image"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/assets"
	"github.com/nmxmxh/portal-engine/internal/backend"
	"github.com/nmxmxh/portal-engine/internal/gate"
	"github.com/nmxmxh/portal-engine/internal/media"
	"github.com/nmxmxh/portal-engine/internal/postprocess"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/internal/store"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
	"github.com/nmxmxh/portal-engine/pkg/metrics"
	"github.com/nmxmxh/portal-engine/pkg/utils"
)

// Video samples frames from a video file.
type Video interface {
	Probe(ctx context.Context, path string) (media.VideoInfo, error)
	Frames(ctx context.Context, path string, info media.VideoInfo, interval int, fn func(index int, img image.Image) error) error
}

type Engine struct {
	log      *zap.Logger
	store    *store.Store
	gate     *gate.Gate
	pool     *utils.WorkerPool
	video    Video
	progress *ProgressBoard
}

// New wires an engine. pool should have exactly one worker and must be
// started by the caller.
func New(log *zap.Logger, st *store.Store, g *gate.Gate, pool *utils.WorkerPool, video Video) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:      log,
		store:    st,
		gate:     g,
		pool:     pool,
		video:    video,
		progress: NewProgressBoard(),
	}
}

func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) Gate() *gate.Gate { return e.gate }

func (e *Engine) Progress() *ProgressBoard { return e.progress }

// atomic runs fn under the gate on the inference worker.
func (e *Engine) atomic(ctx context.Context, name, opID string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return e.gate.Run(ctx, name, opID, func(ctx context.Context) (interface{}, error) {
		var out interface{}
		err := e.pool.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		if errors.Is(err, utils.ErrPoolStopped) {
			return nil, graceful.WrapErr(graceful.Unknown, "server is shutting down", err)
		}
		return out, err
	})
}

// Register validates and stores a model registration.
func (e *Engine) Register(ctx context.Context, req backend.Request) (map[string]registry.Info, error) {
	id := req.Options.ModelKey
	if id == "" {
		id = req.Options.Link + req.Directory
	}
	out, err := e.atomic(ctx, gate.OpRegister, gate.OpID(gate.OpRegister, id), func(ctx context.Context) (interface{}, error) {
		return e.store.Register(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]registry.Info), nil
}

// Load makes key resident.
func (e *Engine) Load(ctx context.Context, key string) error {
	_, err := e.atomic(ctx, gate.OpLoad, gate.OpID(gate.OpLoad, key), func(ctx context.Context) (interface{}, error) {
		return nil, e.store.Load(ctx, key)
	})
	return err
}

// Unload drops key from memory together with its predictions.
func (e *Engine) Unload(ctx context.Context, key string) error {
	_, err := e.atomic(ctx, gate.OpUnload, gate.OpID(gate.OpUnload, key), func(ctx context.Context) (interface{}, error) {
		return nil, e.store.Unload(ctx, key)
	})
	return err
}

// Deregister forgets key entirely.
func (e *Engine) Deregister(ctx context.Context, key string) error {
	_, err := e.atomic(ctx, gate.OpDeregister, gate.OpID(gate.OpDeregister, key), func(ctx context.Context) (interface{}, error) {
		return nil, e.store.Deregister(ctx, key)
	})
	return err
}

// Tags returns the label map of key as name → id.
func (e *Engine) Tags(key string) (map[string]int, error) {
	if len(e.store.Registered()) == 0 {
		return nil, graceful.New(graceful.Uninitialized, "no models registered")
	}
	rec, err := e.store.Get(key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rec.Labels))
	for id, name := range rec.Labels {
		out[name] = id
	}
	return out, nil
}

// KillVideo asks a running video prediction to stop after its current
// frame. It reports whether one was running.
func (e *Engine) KillVideo() bool {
	return e.gate.RequestStop(gate.OpPredictVideo + "_")
}

func checkAsset(path string, allowed func(string) bool, what string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return graceful.Newf(graceful.NotFound, "%s is not found from filepath param", what)
	}
	if !allowed(path) {
		return graceful.Newf(graceful.InvalidFileType, "%s is not an allowed %s type", path, what)
	}
	return nil
}

// PredictImage returns the JSON body of an image prediction, from the cache
// unless q.Reanalyse is set.
func (e *Engine) PredictImage(ctx context.Context, key string, q PredictQuery) ([]byte, error) {
	if err := checkAsset(q.Path, assets.IsImage, "image"); err != nil {
		return nil, err
	}
	sig := q.ImageSignature()
	opID := gate.OpID(gate.OpPredictImage, key, q.Path, q.Format, formatFloat(q.IoU), formatFloat(q.Confidence), q.classSuffix())
	out, err := e.atomic(ctx, gate.OpPredictImage, opID, func(ctx context.Context) (interface{}, error) {
		if !q.Reanalyse {
			if cached, ok := e.store.Prediction(ctx, key, q.Path, sig); ok {
				return cached, nil
			}
		}
		body, err := e.predictImage(ctx, key, q)
		if err != nil {
			return nil, err
		}
		e.store.PutPrediction(ctx, key, q.Path, sig, body)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

type imageOutput struct {
	PredictedImage string `json:"predicted_image"`
}

func (e *Engine) predictImage(ctx context.Context, key string, q PredictQuery) ([]byte, error) {
	be, rec, err := e.store.Backend(key)
	if err != nil {
		return nil, err
	}
	img, err := media.LoadImage(q.Path)
	if err != nil {
		return nil, err
	}
	d, err := e.infer(ctx, be, rec, img)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if q.Format == FormatImage {
		encoded, err := renderPrediction(img, d, b.Dx(), b.Dy(), be.Labels(), q.Options())
		if err != nil {
			return nil, err
		}
		return json.Marshal(imageOutput{PredictedImage: encoded})
	}
	dets, err := postprocess.Process(d, b.Dx(), b.Dy(), be.Labels(), q.Options())
	if err != nil {
		return nil, err
	}
	return json.Marshal(dets)
}

func renderPrediction(img image.Image, d postprocess.Detections, w, h int, labels postprocess.Labels, opts postprocess.Options) (encoded string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = graceful.Recover(graceful.FailedPrediction, r)
		}
	}()
	s, err := postprocess.Suppress(d, w, h, opts)
	if err != nil {
		return "", graceful.WrapErr(graceful.FailedPrediction, "post-processing failed", err)
	}
	encoded, err = postprocess.EncodeJPEGBase64(postprocess.Render(img, s, labels))
	if err != nil {
		return "", graceful.WrapErr(graceful.FailedPrediction, "could not encode prediction image", err)
	}
	return encoded, nil
}

// infer calls the backend and normalizes its failures.
func (e *Engine) infer(ctx context.Context, be backend.Backend, rec *registry.Record, img image.Image) (d postprocess.Detections, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = graceful.Recover(graceful.FailedPrediction, r)
		}
		metrics.InferenceDuration.WithLabelValues(rec.Key, rec.Kind.String()).Observe(time.Since(start).Seconds())
	}()
	d, err = be.Predict(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		if graceful.KindOf(err) == graceful.Unknown {
			return d, graceful.WrapErr(graceful.FailedPrediction, "inference failed", err)
		}
		return d, err
	}
	return d, nil
}

// VideoOutput is the body of a video prediction. Frames are keyed by their
// position in milliseconds.
type VideoOutput struct {
	FPS    float64                           `json:"fps"`
	Frames map[string][]postprocess.Detection `json:"frames"`
}

// PredictVideo returns the JSON body of a sampled video prediction. It can
// be stopped between frames with KillVideo.
func (e *Engine) PredictVideo(ctx context.Context, key string, q PredictQuery) ([]byte, error) {
	if err := checkAsset(q.Path, assets.IsVideo, "video"); err != nil {
		return nil, err
	}
	sig := q.VideoSignature()
	opID := gate.OpID(gate.OpPredictVideo, key, q.Path, strconv.Itoa(q.FrameInterval), formatFloat(q.IoU), formatFloat(q.Confidence), q.classSuffix())
	out, err := e.atomic(ctx, gate.OpPredictVideo, opID, func(ctx context.Context) (interface{}, error) {
		if !q.Reanalyse {
			if cached, ok := e.store.Prediction(ctx, key, q.Path, sig); ok {
				return cached, nil
			}
		}
		body, err := e.predictVideo(ctx, key, q)
		if err != nil {
			return nil, err
		}
		e.store.PutPrediction(ctx, key, q.Path, sig, body)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

var errStopped = graceful.New(graceful.StoppedByUser, "video prediction stopped by user")

func (e *Engine) predictVideo(ctx context.Context, key string, q PredictQuery) ([]byte, error) {
	be, rec, err := e.store.Backend(key)
	if err != nil {
		return nil, err
	}
	info, err := e.video.Probe(ctx, q.Path)
	if err != nil {
		return nil, err
	}
	total := info.Sampled(q.FrameInterval)
	e.progress.Set(Progress{Status: StatusRunning, Progress: 0, Total: total})
	log := e.log.With(zap.String("model_key", key), zap.String("path", q.Path))
	log.Info("Video prediction started", zap.Int("frames", total), zap.Float64("fps", info.FPS))

	out := VideoOutput{FPS: info.FPS, Frames: map[string][]postprocess.Detection{}}
	done := 0
	err = e.video.Frames(ctx, q.Path, info, q.FrameInterval, func(index int, img image.Image) error {
		if e.gate.Stopped() {
			return errStopped
		}
		d, err := e.infer(ctx, be, rec, img)
		if err != nil {
			return err
		}
		b := img.Bounds()
		dets, err := postprocess.Process(d, b.Dx(), b.Dy(), be.Labels(), q.Options())
		if err != nil {
			return err
		}
		out.Frames[strconv.Itoa(info.Timestamp(index, q.FrameInterval))] = dets
		done++
		e.progress.Set(Progress{Status: StatusRunning, Progress: done, Total: max(total, done)})
		return nil
	})
	if err != nil {
		status := StatusFailed
		if graceful.Is(err, graceful.StoppedByUser) {
			status = StatusStopped
		}
		e.progress.Set(Progress{Status: status, Progress: done, Total: max(total, done)})
		log.Info("Video prediction ended early", zap.String("status", status), zap.Int("done", done), zap.Error(err))
		return nil, err
	}
	e.progress.Set(Progress{Status: StatusDone, Progress: done, Total: done})
	return json.Marshal(out)
}
