package registry

import (
	"sort"
	"sync"

	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

// Registry is the set of registered models.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Put registers rec. A record with the same directory (or, for endpoints,
// the same key) is replaced; a record with the same name and a different
// directory is a collision. It returns the key of the replaced record, if
// any.
func (r *Registry) Put(rec *Record) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced string
	for key, existing := range r.records {
		if existing.identity() == rec.identity() || key == rec.Key {
			replaced = key
			continue
		}
		if existing.Name == rec.Name {
			return "", graceful.Newf(graceful.InvalidRequest, "a model with the name %q already exists", rec.Name)
		}
	}

	c := rec.clone()
	c.Residency = NotLoaded
	if replaced != "" {
		if replaced == c.Key {
			c.Residency = r.records[replaced].Residency
		}
		delete(r.records, replaced)
	}
	r.records[c.Key] = c
	return replaced, nil
}

// Get returns a copy of the record for key.
func (r *Registry) Get(key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, graceful.Newf(graceful.InvalidModelKey, "model %s is not registered", key)
	}
	return rec.clone(), nil
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[key]
	return ok
}

// Delete removes key and reports whether it was present.
func (r *Registry) Delete(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[key]
	delete(r.records, key)
	return ok
}

// SetResidency records whether key is loaded.
func (r *Registry) SetResidency(key string, res Residency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		rec.Residency = res
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// List returns the client view of every record keyed by model key.
func (r *Registry) List() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Info, len(r.records))
	for key, rec := range r.records {
		out[key] = rec.Info()
	}
	return out
}

// Records returns copies of every record ordered by key.
func (r *Registry) Records() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Persisted returns the persistable metadata keyed by model key.
func (r *Registry) Persisted() map[string]Persisted {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Persisted, len(r.records))
	for key, rec := range r.records {
		out[key] = rec.Persist()
	}
	return out
}
