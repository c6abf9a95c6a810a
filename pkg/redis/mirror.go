package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PredictionMirror copies cached predictions into Redis so that another
// process on the machine, or a restarted one without a cache file, can
// reuse them. Each model owns one hash whose fields are asset and
// signature pairs; clearing a model is a single DEL.
type PredictionMirror struct {
	client *Client
	kb     *KeyBuilder
	ttl    time.Duration
	log    *zap.Logger
}

// NewPredictionMirror creates a mirror. A non-positive ttl uses
// TTLPrediction.
func NewPredictionMirror(client *Client, ttl time.Duration) *PredictionMirror {
	if ttl <= 0 {
		ttl = TTLPrediction
	}
	return &PredictionMirror{
		client: client,
		kb:     NewKeyBuilder(NamespacePortal, ContextPredictions),
		ttl:    ttl,
		log:    client.log.With(zap.String("module", "prediction_mirror")),
	}
}

func (m *PredictionMirror) key(model string) string {
	return m.kb.Build("model", model)
}

// field keeps the asset path case intact; hash fields are not normalized.
func field(asset, signature string) string {
	return asset + "\n" + signature
}

// Put stores one prediction and refreshes the model's TTL.
func (m *PredictionMirror) Put(ctx context.Context, model, asset, signature string, value []byte) error {
	key := m.key(model)
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, field(asset, signature), value)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Error("failed to mirror prediction", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to mirror prediction: %w", err)
	}
	return nil
}

// Get returns a mirrored prediction. A miss is (nil, false, nil).
func (m *PredictionMirror) Get(ctx context.Context, model, asset, signature string) ([]byte, bool, error) {
	data, err := m.client.HGet(ctx, m.key(model), field(asset, signature)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read mirrored prediction: %w", err)
	}
	return data, true, nil
}

// Clear drops every mirrored prediction of model.
func (m *PredictionMirror) Clear(ctx context.Context, model string) error {
	if err := m.client.Del(ctx, m.key(model)).Err(); err != nil {
		return fmt.Errorf("failed to clear mirrored predictions: %w", err)
	}
	return nil
}
