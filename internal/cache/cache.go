// Package cache holds completed predictions keyed by model, asset path and
// parameter signature.
package cache

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/pkg/json"
	"github.com/nmxmxh/portal-engine/pkg/metrics"
)

// Mirror is an optional secondary copy of the cache, such as Redis.
type Mirror interface {
	Put(ctx context.Context, model, asset, signature string, value []byte) error
	Get(ctx context.Context, model, asset, signature string) ([]byte, bool, error)
	Clear(ctx context.Context, model string) error
}

// Entries is the nested model → asset → signature → value layout, also
// used as the persisted form.
type Entries map[string]map[string]map[string]json.RawMessage

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries Entries
	mirror  Mirror
	log     *zap.Logger
}

// New creates an empty cache. mirror may be nil.
func New(log *zap.Logger, mirror Mirror) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{entries: Entries{}, mirror: mirror, log: log}
}

// Put stores value, which must be a complete JSON document.
func (c *Cache) Put(ctx context.Context, model, asset, signature string, value []byte) {
	stored := append(json.RawMessage(nil), value...)

	c.mu.Lock()
	assets, ok := c.entries[model]
	if !ok {
		assets = map[string]map[string]json.RawMessage{}
		c.entries[model] = assets
	}
	sigs, ok := assets[asset]
	if !ok {
		sigs = map[string]json.RawMessage{}
		assets[asset] = sigs
	}
	sigs[signature] = stored
	c.mu.Unlock()

	if c.mirror != nil {
		if err := c.mirror.Put(ctx, model, asset, signature, stored); err != nil {
			c.log.Warn("Prediction mirror write failed", zap.String("model_key", model), zap.Error(err))
		}
	}
}

// Get returns the value stored under exactly this signature.
func (c *Cache) Get(ctx context.Context, model, asset, signature string) ([]byte, bool) {
	c.mu.RLock()
	v, ok := c.entries[model][asset][signature]
	c.mu.RUnlock()
	if ok {
		metrics.PredictionCache.WithLabelValues("hit").Inc()
		return append([]byte(nil), v...), true
	}

	if c.mirror != nil {
		data, found, err := c.mirror.Get(ctx, model, asset, signature)
		if err != nil {
			c.log.Warn("Prediction mirror read failed", zap.String("model_key", model), zap.Error(err))
		}
		if found {
			metrics.PredictionCache.WithLabelValues("hit").Inc()
			c.putLocal(model, asset, signature, data)
			return append([]byte(nil), data...), true
		}
	}
	metrics.PredictionCache.WithLabelValues("miss").Inc()
	return nil, false
}

func (c *Cache) putLocal(model, asset, signature string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[model] == nil {
		c.entries[model] = map[string]map[string]json.RawMessage{}
	}
	if c.entries[model][asset] == nil {
		c.entries[model][asset] = map[string]json.RawMessage{}
	}
	c.entries[model][asset][signature] = append(json.RawMessage(nil), value...)
}

// Has reports whether a value is stored locally under this signature.
func (c *Cache) Has(model, asset, signature string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[model][asset][signature]
	return ok
}

// ListAssets returns the asset paths with at least one prediction for model,
// sorted.
func (c *Cache) ListAssets(model string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries[model]))
	for asset := range c.entries[model] {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Clear drops every prediction of model and reports whether any existed.
func (c *Cache) Clear(ctx context.Context, model string) bool {
	c.mu.Lock()
	_, existed := c.entries[model]
	delete(c.entries, model)
	c.mu.Unlock()

	if c.mirror != nil {
		if err := c.mirror.Clear(ctx, model); err != nil {
			c.log.Warn("Prediction mirror clear failed", zap.String("model_key", model), zap.Error(err))
		}
	}
	return existed
}

// Snapshot returns a deep copy for persistence.
func (c *Cache) Snapshot() Entries {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Entries, len(c.entries))
	for model, assets := range c.entries {
		ac := make(map[string]map[string]json.RawMessage, len(assets))
		for asset, sigs := range assets {
			sc := make(map[string]json.RawMessage, len(sigs))
			for sig, v := range sigs {
				sc[sig] = append(json.RawMessage(nil), v...)
			}
			ac[asset] = sc
		}
		out[model] = ac
	}
	return out
}

// Restore replaces the contents with a persisted snapshot.
func (c *Cache) Restore(e Entries) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = Entries{}
	for model, assets := range e {
		for asset, sigs := range assets {
			for sig, v := range sigs {
				if c.entries[model] == nil {
					c.entries[model] = map[string]map[string]json.RawMessage{}
				}
				if c.entries[model][asset] == nil {
					c.entries[model][asset] = map[string]json.RawMessage{}
				}
				c.entries[model][asset][sig] = append(json.RawMessage(nil), v...)
			}
		}
	}
}
