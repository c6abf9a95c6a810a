// Package store owns the server state: the model registry, the loaded
// backends, the prediction cache and the tracked asset folders. It is built
// once in main and injected wherever state is read or changed.
package store

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/assets"
	"github.com/nmxmxh/portal-engine/internal/backend"
	"github.com/nmxmxh/portal-engine/internal/cache"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/metrics"
)

// Factory registers and instantiates backends. *backend.Factory is the
// production implementation.
type Factory interface {
	Register(ctx context.Context, req backend.Request) (*registry.Record, error)
	New(ctx context.Context, rec *registry.Record) (backend.Backend, error)
}

// Options configure a Store.
type Options struct {
	// Path is the persisted cache document.
	Path string
	// Persist enables writing Path on every mutation.
	Persist bool
	// LoadLimit caps the number of loaded models.
	LoadLimit int
}

type Store struct {
	log     *zap.Logger
	factory Factory
	opts    Options

	registry *registry.Registry
	cache    *cache.Cache
	assets   *assets.Tracker

	mu     sync.RWMutex
	loaded map[string]backend.Backend

	saveMu      sync.Mutex
	cacheCalled *atomic.Bool
	stillAlive  *atomic.Int64
}

// New creates an empty store. The cache document is not read until
// LoadCache is called.
func New(log *zap.Logger, factory Factory, predictions *cache.Cache, tracker *assets.Tracker, opts Options) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.LoadLimit < 1 {
		opts.LoadLimit = 1
	}
	if predictions == nil {
		predictions = cache.New(log, nil)
	}
	if tracker == nil {
		tracker = assets.NewTracker()
	}
	s := &Store{
		log:         log,
		factory:     factory,
		opts:        opts,
		registry:    registry.New(),
		cache:       predictions,
		assets:      tracker,
		loaded:      make(map[string]backend.Backend),
		cacheCalled: atomic.NewBool(false),
		stillAlive:  atomic.NewInt64(time.Now().UnixNano()),
	}
	// Without a document there is nothing to offer, so the prompt is skipped.
	s.cacheCalled.Store(!s.HasCache())
	return s
}

// Assets returns the folder tracker.
func (s *Store) Assets() *assets.Tracker { return s.assets }

// Register validates req through its backend kind and applies the registry
// merge rule. A replaced record with a different key is unloaded and its
// predictions dropped.
func (s *Store) Register(ctx context.Context, req backend.Request) (map[string]registry.Info, error) {
	rec, err := s.factory.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	replaced, err := s.registry.Put(rec)
	if err != nil {
		return nil, err
	}
	if replaced != "" && replaced != rec.Key {
		s.drop(replaced)
		s.cache.Clear(ctx, replaced)
	}
	s.log.Info("Model registered", zap.String("model_key", rec.Key), zap.String("kind", rec.Kind.String()), zap.String("name", rec.Name))
	s.persist()
	return s.registry.List(), nil
}

// Load instantiates the backend of key. Loading a loaded model is a no-op.
// The backend is built without holding the lock, so readers are not blocked
// while a runner or endpoint is set up.
func (s *Store) Load(ctx context.Context, key string) error {
	rec, err := s.registry.Get(key)
	if err != nil {
		return err
	}

	s.mu.RLock()
	_, ok := s.loaded[key]
	full := len(s.loaded) >= s.opts.LoadLimit
	s.mu.RUnlock()
	if ok {
		return nil
	}
	if full {
		return s.overCapacity()
	}

	be, err := s.factory.New(ctx, rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.loaded[key]; ok {
		s.mu.Unlock()
		s.discard(key, be)
		return nil
	}
	if len(s.loaded) >= s.opts.LoadLimit {
		s.mu.Unlock()
		s.discard(key, be)
		return s.overCapacity()
	}
	s.loaded[key] = be
	n := len(s.loaded)
	s.mu.Unlock()

	s.registry.SetResidency(key, registry.Loaded)
	metrics.LoadedModels.Set(float64(n))
	s.log.Info("Model loaded", zap.String("model_key", key))
	return nil
}

func (s *Store) overCapacity() error {
	return graceful.Newf(graceful.OverCapacity, "maximum loadable models reached (%d)", s.opts.LoadLimit)
}

func (s *Store) discard(key string, be backend.Backend) {
	if err := be.Close(); err != nil {
		s.log.Warn("Backend close failed", zap.String("model_key", key), zap.Error(err))
	}
}

// Unload drops the backend of key, if loaded, and always purges its cached
// predictions. Predictions restored by LoadCache exist before any load.
func (s *Store) Unload(ctx context.Context, key string) error {
	if !s.registry.Has(key) {
		return graceful.Newf(graceful.InvalidModelKey, "model %s is not registered", key)
	}
	dropped := s.drop(key)
	cleared := s.cache.Clear(ctx, key)
	if !dropped && !cleared {
		return nil
	}
	s.log.Info("Model unloaded", zap.String("model_key", key), zap.Bool("was_loaded", dropped))
	s.persist()
	return nil
}

// Deregister unloads key, deletes its record and drops its predictions.
func (s *Store) Deregister(ctx context.Context, key string) error {
	if !s.registry.Has(key) {
		return graceful.Newf(graceful.InvalidModelKey, "model %s is not registered", key)
	}
	s.drop(key)
	s.registry.Delete(key)
	s.cache.Clear(ctx, key)
	s.log.Info("Model deregistered", zap.String("model_key", key))
	s.persist()
	return nil
}

// drop closes and forgets the backend of key, reporting whether it was
// loaded.
func (s *Store) drop(key string) bool {
	s.mu.Lock()
	be, ok := s.loaded[key]
	delete(s.loaded, key)
	n := len(s.loaded)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.discard(key, be)
	s.registry.SetResidency(key, registry.NotLoaded)
	metrics.LoadedModels.Set(float64(n))
	return true
}

// Registered returns the client view of every registered model.
func (s *Store) Registered() map[string]registry.Info { return s.registry.List() }

// Get returns the record of key.
func (s *Store) Get(key string) (*registry.Record, error) { return s.registry.Get(key) }

// Loaded returns the keys of loaded models, sorted.
func (s *Store) Loaded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.loaded))
	for key := range s.loaded {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Backend returns the loaded backend of key and its record.
func (s *Store) Backend(key string) (backend.Backend, *registry.Record, error) {
	s.mu.RLock()
	be, ok := s.loaded[key]
	n := len(s.loaded)
	s.mu.RUnlock()
	if n == 0 {
		return nil, nil, graceful.New(graceful.Uninitialized, "no models loaded")
	}
	if !ok {
		return nil, nil, graceful.Newf(graceful.InvalidModelKey, "model %s is not loaded", key)
	}
	rec, err := s.registry.Get(key)
	if err != nil {
		return nil, nil, err
	}
	return be, rec, nil
}

// Prediction returns a cached prediction.
func (s *Store) Prediction(ctx context.Context, model, asset, signature string) ([]byte, bool) {
	return s.cache.Get(ctx, model, asset, signature)
}

// PutPrediction caches a completed prediction.
func (s *Store) PutPrediction(ctx context.Context, model, asset, signature string, value []byte) {
	s.cache.Put(ctx, model, asset, signature, value)
	s.persist()
}

// PredictedAssets lists the assets with a cached prediction for model.
func (s *Store) PredictedAssets(model string) []string { return s.cache.ListAssets(model) }

// ClearPredictions drops every cached prediction of model.
func (s *Store) ClearPredictions(ctx context.Context, model string) {
	if s.cache.Clear(ctx, model) {
		s.persist()
	}
}

// AddFolder starts tracking a folder of assets.
func (s *Store) AddFolder(ctx context.Context, path string) error {
	if err := s.assets.Add(ctx, path); err != nil {
		return err
	}
	s.persist()
	return nil
}

// SyncFolders refreshes every tracked folder.
func (s *Store) SyncFolders(ctx context.Context) error {
	err := s.assets.UpdateAll(ctx)
	s.persist()
	return err
}

// SyncFolder refreshes the tracked subtree at path.
func (s *Store) SyncFolder(ctx context.Context, path string) error {
	err := s.assets.Update(ctx, path)
	s.persist()
	return err
}

// DeleteFolder stops tracking a folder.
func (s *Store) DeleteFolder(path string) {
	s.assets.Delete(path)
	s.persist()
}

// Touch records client activity for the idle watchdog.
func (s *Store) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := s.stillAlive.Load()
		if now <= prev || s.stillAlive.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastSeen returns the time of the latest client activity.
func (s *Store) LastSeen() time.Time { return time.Unix(0, s.stillAlive.Load()) }

// IsCacheCalled reports whether the client has answered the cache prompt.
func (s *Store) IsCacheCalled() bool { return s.cacheCalled.Load() }

// MarkCacheCalled records that the client declined to load the cache.
func (s *Store) MarkCacheCalled() { s.cacheCalled.Store(true) }

// Close releases every loaded backend.
func (s *Store) Close() {
	for _, key := range s.Loaded() {
		s.drop(key)
	}
}

// IdleFor returns how long no client activity has been seen.
func (s *Store) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastSeen())
}

// HasCache reports whether a persisted document exists.
func (s *Store) HasCache() bool {
	if s.opts.Path == "" {
		return false
	}
	info, err := os.Stat(s.opts.Path)
	return err == nil && !info.IsDir()
}
