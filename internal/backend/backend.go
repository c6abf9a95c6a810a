// Package backend turns registration requests into registry records and
// registry records into runnable models.
package backend

import (
	"context"
	"image"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/postprocess"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

// Backend is a loaded model.
type Backend interface {
	// Predict returns raw detections for img. Boxes are normalized.
	Predict(ctx context.Context, img image.Image) (postprocess.Detections, error)
	// Labels returns the class names known to the model.
	Labels() postprocess.Labels
	Close() error
}

// Config carries what every variant needs to reach its model.
type Config struct {
	ModelDir string
	HubURL   string
	Runner   string
	Timeout  time.Duration
}

// Request is a registration in its transport-neutral form. It is also what a
// persisted record is turned back into when the cache is reloaded.
type Request struct {
	Kind        registry.Kind
	ModelType   string
	Directory   string
	Name        string
	Description string
	Options     registry.Options
}

// FromPersisted rebuilds the request that produced a persisted record.
func FromPersisted(p registry.Persisted) (Request, error) {
	kind, err := registry.ParseKind(p.Kind)
	if err != nil {
		return Request{}, err
	}
	opts, err := registry.DecodeOptions(p.Kwargs)
	if err != nil {
		return Request{}, graceful.WrapErr(graceful.InvalidRequest, "invalid persisted model options", err)
	}
	return Request{
		Kind:        kind,
		ModelType:   p.ModelType,
		Directory:   p.Directory,
		Name:        p.Name,
		Description: p.Description,
		Options:     opts,
	}, nil
}

// Factory registers and instantiates models of every kind.
type Factory struct {
	cfg    Config
	log    *zap.Logger
	client *http.Client
}

// NewFactory creates a factory. client may be nil.
func NewFactory(cfg Config, log *zap.Logger, client *http.Client) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Runner == "" {
		cfg.Runner = "portal-runner"
	}
	return &Factory{cfg: cfg, log: log, client: client}
}

// Register validates req against its source and returns the record to store.
func (f *Factory) Register(ctx context.Context, req Request) (*registry.Record, error) {
	if req.Name == "" {
		return nil, graceful.New(graceful.InvalidRequest, "model name is required")
	}
	switch req.Kind {
	case registry.Local:
		return f.registerLocal(req.Directory, req)
	case registry.Hub:
		return f.registerHub(ctx, req)
	case registry.Endpoint:
		return f.registerEndpoint(ctx, req)
	default:
		return nil, graceful.Newf(graceful.InvalidType, "unknown model kind %d", req.Kind)
	}
}

// New instantiates the backend for rec.
func (f *Factory) New(ctx context.Context, rec *registry.Record) (Backend, error) {
	switch rec.Kind {
	case registry.Local, registry.Hub:
		r, err := f.newRunner(rec)
		if err != nil {
			return nil, err
		}
		return r, nil
	case registry.Endpoint:
		e, err := f.newEndpoint(ctx, rec)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, graceful.Newf(graceful.InvalidType, "unknown model kind %s", rec.Kind)
	}
}
