package store

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/assets"
	"github.com/nmxmxh/portal-engine/internal/backend"
	"github.com/nmxmxh/portal-engine/internal/cache"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
)

// Document is the persisted form of the store.
type Document struct {
	Registry        map[string]registry.Persisted `json:"registry"`
	Predictions     cache.Entries                 `json:"predictions"`
	TargetedFolders []*assets.Folder              `json:"targeted_folders"`
}

// Snapshot captures the persistable state.
func (s *Store) Snapshot() Document {
	return Document{
		Registry:        s.registry.Persisted(),
		Predictions:     s.cache.Snapshot(),
		TargetedFolders: s.assets.Snapshot(),
	}
}

// Save writes the document atomically. It is a no-op when persistence is
// disabled.
func (s *Store) Save() error {
	if !s.opts.Persist || s.opts.Path == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := json.WriteFile(s.opts.Path, s.Snapshot()); err != nil {
		return errors.Wrapf(err, "save store to %s", s.opts.Path)
	}
	return nil
}

// persist saves after a mutation. The in-memory state stays authoritative,
// so a failed write is logged rather than returned.
func (s *Store) persist() {
	if err := s.Save(); err != nil {
		s.log.Error("Failed to persist store", zap.Error(err))
	}
}

// LoadCache hydrates the store from the persisted document. Registry
// entries are registered again through their backend kind, so a model whose
// files changed gets a fresh key and one that disappeared is skipped.
func (s *Store) LoadCache(ctx context.Context) error {
	if !s.HasCache() {
		return graceful.New(graceful.NotFound, "cache file does not exist")
	}
	var doc Document
	if err := json.ReadFile(s.opts.Path, &doc); err != nil {
		return graceful.WrapErr(graceful.Unknown, "cache file is unreadable", errors.Wrap(err, "read store"))
	}

	s.assets.Restore(doc.TargetedFolders)
	for key, p := range doc.Registry {
		if err := s.reregister(ctx, p); err != nil {
			s.log.Warn("Skipping cached model", zap.String("model_key", key), zap.String("name", p.Name), zap.Error(err))
			delete(doc.Predictions, key)
		}
	}
	for key := range doc.Predictions {
		if !s.registry.Has(key) {
			delete(doc.Predictions, key)
		}
	}
	s.cache.Restore(doc.Predictions)
	s.cacheCalled.Store(true)
	s.log.Info("Cache loaded", zap.Int("models", s.registry.Len()), zap.Int("folders", len(doc.TargetedFolders)))
	s.persist()
	return nil
}

func (s *Store) reregister(ctx context.Context, p registry.Persisted) error {
	req, err := backend.FromPersisted(p)
	if err != nil {
		return err
	}
	rec, err := s.factory.Register(ctx, req)
	if err != nil {
		return err
	}
	_, err = s.registry.Put(rec)
	return err
}

// DeleteCache removes the persisted document when persistence is enabled.
func (s *Store) DeleteCache() error {
	if !s.opts.Persist || s.opts.Path == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := os.Remove(s.opts.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete store")
	}
	return nil
}
