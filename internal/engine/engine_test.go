package engine

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/backend"
	"github.com/nmxmxh/portal-engine/internal/gate"
	"github.com/nmxmxh/portal-engine/internal/media"
	"github.com/nmxmxh/portal-engine/internal/postprocess"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/internal/store"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
	"github.com/nmxmxh/portal-engine/pkg/utils"
)

type stubBackend struct {
	calls   *atomic.Int32
	onCall  func(n int32)
	failure error
}

func (b *stubBackend) Predict(context.Context, image.Image) (postprocess.Detections, error) {
	n := b.calls.Inc()
	if b.onCall != nil {
		b.onCall(n)
	}
	if b.failure != nil {
		return postprocess.Detections{}, b.failure
	}
	return postprocess.Detections{
		Boxes:   []postprocess.Box{{0.1, 0.1, 0.5, 0.5}, {0.12, 0.12, 0.5, 0.5}, {0.6, 0.6, 0.9, 0.9}},
		Scores:  []float64{0.9, 0.8, 0.7},
		Classes: []int{1, 1, 2},
	}, nil
}

func (b *stubBackend) Labels() postprocess.Labels { return postprocess.Labels{1: "cat", 2: "dog"} }

func (b *stubBackend) Close() error { return nil }

type stubFactory struct{ be *stubBackend }

func (f *stubFactory) Register(_ context.Context, req backend.Request) (*registry.Record, error) {
	return &registry.Record{
		Key:       "key-" + req.Directory,
		Kind:      req.Kind,
		ModelType: "tensorflow",
		Directory: req.Directory,
		Name:      req.Name,
		Labels:    postprocess.Labels{1: "cat", 2: "dog"},
	}, nil
}

func (f *stubFactory) New(context.Context, *registry.Record) (backend.Backend, error) {
	return f.be, nil
}

type stubVideo struct {
	info media.VideoInfo
}

func (v *stubVideo) Probe(context.Context, string) (media.VideoInfo, error) { return v.info, nil }

func (v *stubVideo) Frames(ctx context.Context, _ string, info media.VideoInfo, interval int, fn func(int, image.Image) error) error {
	for i := 0; i < info.Sampled(interval); i++ {
		if err := fn(i, image.NewRGBA(image.Rect(0, 0, info.Width, info.Height))); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	engine *Engine
	be     *stubBackend
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	be := &stubBackend{calls: atomic.NewInt32(0)}
	st := store.New(zap.NewNop(), &stubFactory{be: be}, nil, nil, store.Options{LoadLimit: 1})
	pool := utils.NewWorkerPool("engine-test", 1)
	pool.Start()
	t.Cleanup(pool.Stop)
	video := &stubVideo{info: media.VideoInfo{Width: 8, Height: 8, FPS: 10, Frames: 30}}
	e := New(zap.NewNop(), st, gate.New(zap.NewNop()), pool, video)
	return &fixture{engine: e, be: be, dir: t.TempDir()}
}

func (f *fixture) file(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	out, err := os.Create(p)
	require.NoError(t, err)
	defer out.Close()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.Set(x, 10, color.RGBA{R: 255, A: 255})
	}
	require.NoError(t, png.Encode(out, img))
	return p
}

func (f *fixture) loaded(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	list, err := f.engine.Register(ctx, backend.Request{Kind: registry.Local, Directory: "/models/a", Name: "A"})
	require.NoError(t, err)
	require.Contains(t, list, "key-/models/a")
	require.NoError(t, f.engine.Load(ctx, "key-/models/a"))
	return "key-/models/a"
}

func query(t *testing.T, v url.Values, video bool) PredictQuery {
	t.Helper()
	q, err := ParsePredictQuery(v, video)
	require.NoError(t, err)
	return q
}

func TestPredictImageCachesResult(t *testing.T) {
	f := newFixture(t)
	key := f.loaded(t)
	path := f.file(t, "a.png")
	ctx := context.Background()
	q := query(t, url.Values{"filepath": {path}, "iou": {"0.5"}}, false)

	first, err := f.engine.PredictImage(ctx, key, q)
	require.NoError(t, err)
	var dets []postprocess.Detection
	require.NoError(t, json.Unmarshal(first, &dets))
	require.Len(t, dets, 2, "overlapping box is suppressed")
	names := []string{dets[0].Tag.Name, dets[1].Tag.Name}
	assert.ElementsMatch(t, []string{"cat", "dog"}, names)

	second, err := f.engine.PredictImage(ctx, key, q)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.be.calls.Load(), "repeat served from cache")
	assert.Equal(t, []string{path}, f.engine.Store().PredictedAssets(key))

	q.Reanalyse = true
	_, err = f.engine.PredictImage(ctx, key, q)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.be.calls.Load())
}

func TestPredictImageCacheKeepsConfidenceApart(t *testing.T) {
	f := newFixture(t)
	key := f.loaded(t)
	path := f.file(t, "a.png")
	ctx := context.Background()

	strict, err := f.engine.PredictImage(ctx, key, query(t, url.Values{"filepath": {path}, "confidence": {"0.95"}}, false))
	require.NoError(t, err)
	var dets []postprocess.Detection
	require.NoError(t, json.Unmarshal(strict, &dets))
	assert.Empty(t, dets)

	loose, err := f.engine.PredictImage(ctx, key, query(t, url.Values{"filepath": {path}, "confidence": {"0.1"}}, false))
	require.NoError(t, err)
	dets = nil
	require.NoError(t, json.Unmarshal(loose, &dets))
	assert.Len(t, dets, 2)
	assert.Equal(t, int32(2), f.be.calls.Load(), "a different confidence is a cache miss")
}

func TestPredictImageFormats(t *testing.T) {
	f := newFixture(t)
	key := f.loaded(t)
	path := f.file(t, "a.png")

	body, err := f.engine.PredictImage(context.Background(), key, query(t, url.Values{"filepath": {path}, "format": {"image"}}, false))
	require.NoError(t, err)
	var out struct {
		PredictedImage string `json:"predicted_image"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.PredictedImage)

	filtered, err := f.engine.PredictImage(context.Background(), key, query(t, url.Values{"filepath": {path}, "filter": {"2"}}, false))
	require.NoError(t, err)
	var dets []postprocess.Detection
	require.NoError(t, json.Unmarshal(filtered, &dets))
	require.Len(t, dets, 1)
	assert.Equal(t, "dog", dets[0].Tag.Name)
}

func TestPredictImageErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.file(t, "a.png")
	txt := filepath.Join(f.dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))

	_, err := f.engine.PredictImage(ctx, "k", PredictQuery{Path: filepath.Join(f.dir, "missing.png")})
	assert.Equal(t, graceful.NotFound, graceful.KindOf(err))
	_, err = f.engine.PredictImage(ctx, "k", PredictQuery{Path: txt})
	assert.Equal(t, graceful.InvalidFileType, graceful.KindOf(err))
	_, err = f.engine.PredictImage(ctx, "k", PredictQuery{Path: path, Format: FormatJSON})
	assert.Equal(t, graceful.Uninitialized, graceful.KindOf(err))

	key := f.loaded(t)
	_, err = f.engine.PredictImage(ctx, "other", PredictQuery{Path: path, Format: FormatJSON})
	assert.Equal(t, graceful.InvalidModelKey, graceful.KindOf(err))

	f.be.failure = assert.AnError
	_, err = f.engine.PredictImage(ctx, key, PredictQuery{Path: path, Format: FormatJSON, IoU: 0.8})
	assert.Equal(t, graceful.FailedPrediction, graceful.KindOf(err))
	assert.Empty(t, f.engine.Store().PredictedAssets(key), "failures are not cached")
}

func TestConcurrentOperations(t *testing.T) {
	f := newFixture(t)
	key := f.loaded(t)
	path := f.file(t, "a.png")
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.be.onCall = func(int32) {
		once.Do(func() { close(started) })
		<-release
	}

	q := PredictQuery{Path: path, Format: FormatJSON, IoU: 0.8, Confidence: 0.001}
	type result struct {
		body []byte
		err  error
	}
	results := make(chan result, 2)
	go func() {
		body, err := f.engine.PredictImage(ctx, key, q)
		results <- result{body, err}
	}()
	<-started

	go func() {
		body, err := f.engine.PredictImage(ctx, key, q)
		results <- result{body, err}
	}()
	assert.Eventually(t, func() bool { return f.engine.Gate().Busy() }, time.Second, time.Millisecond)

	err := f.engine.Load(ctx, key)
	assert.Equal(t, graceful.AtomicConflict, graceful.KindOf(err))

	close(release)
	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.body, b.body)
	assert.Equal(t, int32(1), f.be.calls.Load(), "identical call shares the in-flight result")
	assert.False(t, f.engine.Gate().Busy())
}

func TestPredictVideo(t *testing.T) {
	f := newFixture(t)
	key := f.loaded(t)
	path := filepath.Join(f.dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o600))
	ctx := context.Background()

	body, err := f.engine.PredictVideo(ctx, key, query(t, url.Values{"filepath": {path}, "frameInterval": {"10"}}, true))
	require.NoError(t, err)
	var out VideoOutput
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 10.0, out.FPS)
	assert.Len(t, out.Frames, 3)
	for _, ms := range []string{"0", "1000", "2000"} {
		assert.Contains(t, out.Frames, ms)
	}
	assert.Equal(t, Progress{Status: StatusDone, Progress: 3, Total: 3}, f.engine.Progress().Current())
}

func TestKillVideo(t *testing.T) {
	f := newFixture(t)
	key := f.loaded(t)
	path := filepath.Join(f.dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o600))

	assert.False(t, f.engine.KillVideo(), "nothing to stop")
	f.be.onCall = func(n int32) {
		if n == 1 {
			assert.True(t, f.engine.KillVideo())
		}
	}
	_, err := f.engine.PredictVideo(context.Background(), key, PredictQuery{Path: path, FrameInterval: 10, IoU: 0.8})
	assert.Equal(t, graceful.StoppedByUser, graceful.KindOf(err))
	assert.Equal(t, int32(1), f.be.calls.Load())
	p := f.engine.Progress().Current()
	assert.Equal(t, StatusStopped, p.Status)
	assert.Equal(t, 1, p.Progress)
	assert.Empty(t, f.engine.Store().PredictedAssets(key))
}

func TestTags(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Tags("key-/models/a")
	assert.Equal(t, graceful.Uninitialized, graceful.KindOf(err))

	key := f.loaded(t)
	tags, err := f.engine.Tags(key)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cat": 1, "dog": 2}, tags)

	_, err = f.engine.Tags("nope")
	assert.Equal(t, graceful.InvalidModelKey, graceful.KindOf(err))
}

func TestUnloadAndDeregister(t *testing.T) {
	f := newFixture(t)
	key := f.loaded(t)
	ctx := context.Background()
	require.NoError(t, f.engine.Unload(ctx, key))
	assert.Empty(t, f.engine.Store().Loaded())
	require.NoError(t, f.engine.Deregister(ctx, key))
	assert.Empty(t, f.engine.Store().Registered())
	assert.Equal(t, graceful.InvalidModelKey, graceful.KindOf(f.engine.Deregister(ctx, key)))
}
