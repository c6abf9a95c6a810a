// Package handlers implements the HTTP routes. Each constructor returns an
// http.HandlerFunc closed over the shared Deps.
package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/engine"
	"github.com/nmxmxh/portal-engine/internal/server/httputil"
	"github.com/nmxmxh/portal-engine/pkg/logger"
)

// Deps is what the handlers need from the running server.
type Deps struct {
	Log    *zap.Logger
	Engine *engine.Engine
	// GPUFlagPath is the file the set_gpu and clear_gpu routes write.
	GPUFlagPath string
	// Shutdown stops the HTTP server. It is called from its own goroutine.
	Shutdown func()
	// OnFoldersChanged, if set, runs after the tracked folders change.
	OnFoldersChanged func()
}

func (d *Deps) logger(r *http.Request) *zap.Logger {
	return logger.FromContext(r.Context(), d.Log).With(zap.String("request_id", httputil.RequestID(r.Context())))
}

func (d *Deps) fail(w http.ResponseWriter, r *http.Request, err error, origin string) {
	httputil.WriteJSONError(w, d.logger(r), err, "handlers - "+origin, zap.String("route", r.Pattern))
}

func ok(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}

func (d *Deps) foldersChanged() {
	if d.OnFoldersChanged != nil {
		d.OnFoldersChanged()
	}
}
