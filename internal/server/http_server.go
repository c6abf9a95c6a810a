// Package server assembles the HTTP API.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/server/handlers"
	"github.com/nmxmxh/portal-engine/internal/server/httputil"
	"github.com/nmxmxh/portal-engine/internal/server/ws"
)

// NewHandler returns the API mux wrapped in the request middleware.
func NewHandler(d *handlers.Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/model/register", handlers.RegisterModelHandler(d))
	mux.HandleFunc("GET /api/model", handlers.ListModelsHandler(d))
	mux.HandleFunc("GET /api/model/loadedList", handlers.LoadedListHandler(d))
	mux.HandleFunc("POST /api/model/{key}/load", handlers.LoadModelHandler(d))
	mux.HandleFunc("PUT /api/model/{key}/unload", handlers.UnloadModelHandler(d))
	mux.HandleFunc("DELETE /api/model/{key}", handlers.DeregisterModelHandler(d))
	mux.HandleFunc("GET /api/model/{key}/{action}", handlers.ModelQueryHandler(d))
	mux.HandleFunc("DELETE /api/model/{key}/cachelist", handlers.ClearCacheListHandler(d))
	mux.HandleFunc("GET /api/model/{key}/predict/video", handlers.PredictVideoHandler(d))
	mux.HandleFunc("POST /api/model/predict/video/kill", handlers.KillVideoHandler(d))

	mux.HandleFunc("POST /api/project/register", handlers.RegisterFolderHandler(d))
	mux.HandleFunc("POST /api/project/sync", handlers.SyncFolderHandler(d))
	mux.HandleFunc("DELETE /api/project/{folder}", handlers.DeleteFolderHandler(d))
	mux.HandleFunc("GET /api/project/assets", handlers.AssetsHandler(d))
	mux.HandleFunc("GET /api/project/assets/tree", handlers.AssetTreeHandler(d))
	mux.HandleFunc("GET /api/project/assets/image", handlers.AssetImageHandler(d))
	mux.HandleFunc("GET /api/project/assets/thumbnail", handlers.ThumbnailHandler(d))

	mux.HandleFunc("GET /heartbeat", handlers.HeartbeatHandler(d))
	mux.HandleFunc("POST /cache", handlers.LoadCacheHandler(d))
	mux.HandleFunc("PUT /cache", handlers.RejectCacheHandler(d))
	mux.HandleFunc("POST /set_gpu", handlers.SetGPUHandler(d))
	mux.HandleFunc("POST /clear_gpu", handlers.ClearGPUHandler(d))
	mux.HandleFunc("GET /get_gpu", handlers.GetGPUHandler(d))
	mux.HandleFunc("GET /shutdown", handlers.ShutdownHandler(d))

	mux.HandleFunc("GET /ws/progress", ws.ProgressHandler(d.Log, d.Engine.Progress()))
	mux.Handle("GET /metrics", promhttp.Handler())

	return httputil.Chain(mux,
		httputil.WithCORS(),
		httputil.WithRequestID(),
		httputil.WithTouch(d.Engine.Store().Touch),
		httputil.WithAccessLog(d.Log),
	)
}

// NewHTTPServer returns the API server listening on addr.
func NewHTTPServer(addr string, log *zap.Logger, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log),
	}
}
