package store

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/backend"
	"github.com/nmxmxh/portal-engine/internal/postprocess"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
)

type fakeBackend struct{ closed bool }

func (b *fakeBackend) Predict(context.Context, image.Image) (postprocess.Detections, error) {
	return postprocess.Detections{}, nil
}

func (b *fakeBackend) Labels() postprocess.Labels { return postprocess.Labels{1: "cat"} }

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

// fakeFactory keys models by directory (or name for endpoints) plus a
// version that tests bump to simulate changed content.
type fakeFactory struct {
	versions map[string]string
	missing  map[string]bool
	loadErr  error
	built    map[string]*fakeBackend
	// entered and hold, when set, pause New until hold is closed.
	entered chan struct{}
	hold    chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{versions: map[string]string{}, missing: map[string]bool{}, built: map[string]*fakeBackend{}}
}

func (f *fakeFactory) Register(_ context.Context, req backend.Request) (*registry.Record, error) {
	id := req.Directory
	if req.Kind == registry.Endpoint {
		id = req.Name
	}
	if f.missing[id] {
		return nil, graceful.Newf(graceful.InvalidFilePath, "%s is gone", id)
	}
	return &registry.Record{
		Key:         "key-" + id + f.versions[id],
		Kind:        req.Kind,
		ModelType:   "tensorflow",
		Directory:   req.Directory,
		Name:        req.Name,
		Description: req.Description,
		Labels:      postprocess.Labels{1: "cat"},
		Options:     req.Options,
	}, nil
}

func (f *fakeFactory) New(_ context.Context, rec *registry.Record) (backend.Backend, error) {
	if f.hold != nil {
		f.entered <- struct{}{}
		<-f.hold
	}
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	b := &fakeBackend{}
	f.built[rec.Key] = b
	return b, nil
}

func newStore(t *testing.T, f Factory, limit int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.portalCache")
	return New(zap.NewNop(), f, nil, nil, Options{Path: path, Persist: true, LoadLimit: limit}), path
}

func local(dir, name string) backend.Request {
	return backend.Request{Kind: registry.Local, Directory: dir, Name: name}
}

func TestRegisterLoadUnload(t *testing.T) {
	ctx := context.Background()
	f := newFakeFactory()
	s, _ := newStore(t, f, 1)

	list, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	assert.Equal(t, registry.Info{Directory: "/m/a", Name: "A", Type: "tensorflow"}, list["key-/m/a"])

	require.NoError(t, s.Load(ctx, "key-/m/a"))
	require.NoError(t, s.Load(ctx, "key-/m/a"), "loading twice is a no-op")
	assert.Equal(t, []string{"key-/m/a"}, s.Loaded())
	rec, err := s.Get("key-/m/a")
	require.NoError(t, err)
	assert.Equal(t, registry.Loaded, rec.Residency)

	s.PutPrediction(ctx, "key-/m/a", "/img.jpg", "json0.8", []byte(`[]`))
	require.NoError(t, s.Unload(ctx, "key-/m/a"))
	assert.Empty(t, s.Loaded())
	assert.True(t, f.built["key-/m/a"].closed)
	assert.Empty(t, s.PredictedAssets("key-/m/a"), "unloading purges predictions")

	require.NoError(t, s.Unload(ctx, "key-/m/a"), "unloading an unloaded model is a no-op")
	assert.Equal(t, graceful.InvalidModelKey, graceful.KindOf(s.Unload(ctx, "nope")))
}

func TestLoadFailures(t *testing.T) {
	ctx := context.Background()
	f := newFakeFactory()
	s, _ := newStore(t, f, 1)
	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	_, err = s.Register(ctx, local("/m/b", "B"))
	require.NoError(t, err)

	assert.Equal(t, graceful.InvalidModelKey, graceful.KindOf(s.Load(ctx, "nope")))

	require.NoError(t, s.Load(ctx, "key-/m/a"))
	assert.Equal(t, graceful.OverCapacity, graceful.KindOf(s.Load(ctx, "key-/m/b")))
	assert.Equal(t, []string{"key-/m/a"}, s.Loaded(), "a refused load leaves residency alone")
	assert.NotContains(t, f.built, "key-/m/b", "no backend is built past the limit")

	require.NoError(t, s.Unload(ctx, "key-/m/a"))
	f.loadErr = graceful.New(graceful.InvalidFilePath, "weights missing")
	err = s.Load(ctx, "key-/m/b")
	assert.Equal(t, graceful.InvalidFilePath, graceful.KindOf(err))
	assert.Empty(t, s.Loaded())
}

func TestLoadDoesNotBlockReaders(t *testing.T) {
	ctx := context.Background()
	f := newFakeFactory()
	f.entered = make(chan struct{}, 1)
	f.hold = make(chan struct{})
	s, _ := newStore(t, f, 1)
	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Load(ctx, "key-/m/a") }()
	<-f.entered

	readers := make(chan []string, 1)
	go func() { readers <- s.Loaded() }()
	select {
	case got := <-readers:
		assert.Empty(t, got)
	case <-time.After(time.Second):
		t.Fatal("Loaded blocked while a backend was being built")
	}

	close(f.hold)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"key-/m/a"}, s.Loaded())
}

func TestBackendLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, newFakeFactory(), 2)
	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	_, err = s.Register(ctx, local("/m/b", "B"))
	require.NoError(t, err)

	_, _, err = s.Backend("key-/m/a")
	assert.Equal(t, graceful.Uninitialized, graceful.KindOf(err))

	require.NoError(t, s.Load(ctx, "key-/m/a"))
	be, rec, err := s.Backend("key-/m/a")
	require.NoError(t, err)
	assert.NotNil(t, be)
	assert.Equal(t, "A", rec.Name)

	_, _, err = s.Backend("key-/m/b")
	assert.Equal(t, graceful.InvalidModelKey, graceful.KindOf(err))
}

func TestDeregisterPurges(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, newFakeFactory(), 1)
	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx, "key-/m/a"))
	s.PutPrediction(ctx, "key-/m/a", "/img.jpg", "json0.8", []byte(`[]`))

	require.NoError(t, s.Deregister(ctx, "key-/m/a"))
	assert.Empty(t, s.Registered())
	assert.Empty(t, s.Loaded())
	_, ok := s.Prediction(ctx, "key-/m/a", "/img.jpg", "json0.8")
	assert.False(t, ok)

	assert.Equal(t, graceful.InvalidModelKey, graceful.KindOf(s.Deregister(ctx, "key-/m/a")))
}

func TestReregisterChangedContentDropsOldKey(t *testing.T) {
	ctx := context.Background()
	f := newFakeFactory()
	s, _ := newStore(t, f, 1)
	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx, "key-/m/a"))
	s.PutPrediction(ctx, "key-/m/a", "/img.jpg", "json0.8", []byte(`[]`))

	f.versions["/m/a"] = "-v2"
	list, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Contains(t, list, "key-/m/a-v2")
	assert.Empty(t, s.Loaded())
	assert.Empty(t, s.PredictedAssets("key-/m/a"))

	_, err = s.Register(ctx, local("/m/other", "A"))
	assert.Equal(t, graceful.InvalidRequest, graceful.KindOf(err))
}

func TestPersistAndReload(t *testing.T) {
	ctx := context.Background()
	f := newFakeFactory()
	s, path := newStore(t, f, 1)
	assert.False(t, s.HasCache())
	assert.True(t, s.IsCacheCalled(), "no document means nothing to prompt for")

	folder := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(folder, "a.jpg"), []byte("x"), 0o644))

	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	_, err = s.Register(ctx, local("/m/gone", "G"))
	require.NoError(t, err)
	s.PutPrediction(ctx, "key-/m/a", "/img.jpg", "json0.8", []byte(`[{"confidence":0.9}]`))
	s.PutPrediction(ctx, "key-/m/gone", "/img.jpg", "json0.8", []byte(`[]`))
	require.NoError(t, s.AddFolder(ctx, folder))
	require.True(t, s.HasCache())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "registry")
	assert.Contains(t, doc, "predictions")
	assert.Contains(t, doc, "targeted_folders")

	f.missing["/m/gone"] = true
	reloaded := New(zap.NewNop(), f, nil, nil, Options{Path: path, Persist: true})
	assert.False(t, reloaded.IsCacheCalled())
	require.NoError(t, reloaded.LoadCache(ctx))
	assert.True(t, reloaded.IsCacheCalled())

	assert.Equal(t, []string{"key-/m/a"}, keys(reloaded.Registered()))
	got, ok := reloaded.Prediction(ctx, "key-/m/a", "/img.jpg", "json0.8")
	require.True(t, ok)
	assert.JSONEq(t, `[{"confidence":0.9}]`, string(got))
	assert.Empty(t, reloaded.PredictedAssets("key-/m/gone"))
	assert.Equal(t, []string{filepath.Join(folder, "a.jpg")}, reloaded.Assets().Flatten())
	assert.Empty(t, reloaded.Loaded(), "reloaded models start unloaded")

	require.NoError(t, reloaded.DeleteCache())
	assert.False(t, reloaded.HasCache())
	require.NoError(t, reloaded.DeleteCache(), "deleting twice is harmless")
	assert.Equal(t, graceful.NotFound, graceful.KindOf(reloaded.LoadCache(ctx)))
}

func TestUnloadPurgesRestoredPredictions(t *testing.T) {
	ctx := context.Background()
	f := newFakeFactory()
	s, path := newStore(t, f, 1)
	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	s.PutPrediction(ctx, "key-/m/a", "/img.jpg", "json0.8", []byte(`[]`))

	reloaded := New(zap.NewNop(), f, nil, nil, Options{Path: path, Persist: true})
	require.NoError(t, reloaded.LoadCache(ctx))
	require.Empty(t, reloaded.Loaded())
	_, ok := reloaded.Prediction(ctx, "key-/m/a", "/img.jpg", "json0.8")
	require.True(t, ok)

	require.NoError(t, reloaded.Unload(ctx, "key-/m/a"))
	_, ok = reloaded.Prediction(ctx, "key-/m/a", "/img.jpg", "json0.8")
	assert.False(t, ok, "unloading purges predictions of a model that was never loaded")
	assert.Empty(t, reloaded.PredictedAssets("key-/m/a"))

	again := New(zap.NewNop(), f, nil, nil, Options{Path: path, Persist: true})
	require.NoError(t, again.LoadCache(ctx))
	assert.Empty(t, again.PredictedAssets("key-/m/a"), "the purge is persisted")
}

func TestPersistenceDisabled(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.portalCache")
	s := New(nil, newFakeFactory(), nil, nil, Options{Path: path})
	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestSaveFailureDoesNotFailMutation(t *testing.T) {
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	s := New(nil, newFakeFactory(), nil, nil, Options{Path: filepath.Join(blocker, "store.portalCache"), Persist: true})

	_, err := s.Register(ctx, local("/m/a", "A"))
	require.NoError(t, err)
	assert.Error(t, s.Save())
}

func TestTouchIsMonotonic(t *testing.T) {
	s := New(nil, newFakeFactory(), nil, nil, Options{})
	before := s.LastSeen()
	time.Sleep(time.Millisecond)
	s.Touch()
	after := s.LastSeen()
	assert.True(t, after.After(before))
	assert.Less(t, s.IdleFor(time.Now()), time.Second)
	assert.Greater(t, s.IdleFor(after.Add(time.Hour)), 59*time.Minute)
}

func TestMarkCacheCalled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.portalCache")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	s := New(nil, newFakeFactory(), nil, nil, Options{Path: path, Persist: true})
	assert.False(t, s.IsCacheCalled())
	s.MarkCacheCalled()
	assert.True(t, s.IsCacheCalled())
}

func TestLoadCacheRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.portalCache")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	s := New(nil, newFakeFactory(), nil, nil, Options{Path: path, Persist: true})
	err := s.LoadCache(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}

func keys(m map[string]registry.Info) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
