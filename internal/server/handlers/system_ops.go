package handlers

import (
	"net/http"
	"os"

	"github.com/nmxmxh/portal-engine/internal/server/httputil"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

// Heartbeat is the body of GET /heartbeat.
type Heartbeat struct {
	HasCache      bool `json:"hasCache"`
	IsCacheCalled bool `json:"isCacheCalled"`
}

// HeartbeatHandler handles GET /heartbeat.
func HeartbeatHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := d.Engine.Store()
		httputil.WriteJSONResponse(w, d.logger(r), Heartbeat{
			HasCache:      st.HasCache(),
			IsCacheCalled: st.IsCacheCalled(),
		})
	}
}

// LoadCacheHandler handles POST /cache.
func LoadCacheHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Engine.Store().LoadCache(r.Context()); err != nil {
			d.fail(w, r, err, "load_cache")
			return
		}
		d.foldersChanged()
		ok(w)
	}
}

// RejectCacheHandler handles PUT /cache.
func RejectCacheHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Engine.Store().MarkCacheCalled()
		ok(w)
	}
}

func (d *Deps) writeGPUFlag(w http.ResponseWriter, r *http.Request, value, origin string) {
	if d.GPUFlagPath == "" {
		d.fail(w, r, graceful.New(graceful.NoFilePath, "GPU flag path is not configured"), origin)
		return
	}
	if err := os.WriteFile(d.GPUFlagPath, []byte(value), 0o644); err != nil {
		d.fail(w, r, graceful.WrapErr(graceful.InvalidFilePath, "could not write GPU flag", err), origin)
		return
	}
	ok(w)
}

// SetGPUHandler handles POST /set_gpu.
func SetGPUHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.writeGPUFlag(w, r, "0", "set_gpu")
	}
}

// ClearGPUHandler handles POST /clear_gpu.
func ClearGPUHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.writeGPUFlag(w, r, "-1", "clear_gpu")
	}
}

// GetGPUHandler handles GET /get_gpu.
func GetGPUHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteText(w, d.logger(r), os.Getenv("CUDA_VISIBLE_DEVICES"))
	}
}

// ShutdownHandler handles GET /shutdown. The persisted cache is deleted
// before the server is asked to stop.
func ShutdownHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Engine.Store().DeleteCache(); err != nil {
			d.fail(w, r, graceful.WrapErr(graceful.Unknown, "could not delete cache", err), "shutdown")
			return
		}
		httputil.WriteText(w, d.logger(r), "Server shutting down...")
		if d.Shutdown != nil {
			go d.Shutdown()
		}
	}
}
