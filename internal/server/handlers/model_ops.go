package handlers

import (
	"net/http"
	"net/url"
	"os"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/backend"
	"github.com/nmxmxh/portal-engine/internal/engine"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/internal/server/httputil"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

// RegisterRequest is the body of POST /api/model/register.
type RegisterRequest struct {
	Type        string      `json:"type"`
	Credentials Credentials `json:"credentials"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	ModelType   string      `json:"modelType"`
	Directory   string      `json:"directory"`
}

type Credentials struct {
	ModelKey      string `json:"modelKey"`
	ProjectSecret string `json:"projectSecret"`
	ModelURL      string `json:"modelURL"`
}

// toBackend validates the body and converts it into a registration.
func (req RegisterRequest) toBackend() (backend.Request, error) {
	kind, err := registry.ParseKind(req.Type)
	if err != nil {
		return backend.Request{}, graceful.WrapErr(graceful.InvalidRequest, "", err)
	}
	c := req.Credentials
	if kind == registry.Local && (c.ModelKey != "" || c.ProjectSecret != "") {
		return backend.Request{}, graceful.New(graceful.InvalidRequest, "both modelKey and projectSecret should not be given if type is 'local'")
	}
	if req.Directory != "" {
		if info, err := os.Stat(req.Directory); err != nil || !info.IsDir() {
			return backend.Request{}, graceful.New(graceful.InvalidRequest, "directory is not '', nor is it a valid directory")
		}
	}
	if kind == registry.Local && req.Directory == "" {
		return backend.Request{}, graceful.New(graceful.InvalidRequest, "directory needs to be given if type is 'local'")
	}
	if kind == registry.Hub && c.ModelKey == "" {
		return backend.Request{}, graceful.New(graceful.InvalidRequest, "modelKey needs to be given if type is 'hub'")
	}

	opts := registry.Options{ModelKey: c.ModelKey, ProjectSecret: c.ProjectSecret}
	if kind == registry.Endpoint {
		opts = registry.Options{Link: c.ModelURL, ProjectSecret: c.ProjectSecret}
		if opts.Link == "" {
			opts.Link = c.ModelKey
		}
	}
	return backend.Request{
		Kind:        kind,
		ModelType:   req.ModelType,
		Directory:   req.Directory,
		Name:        req.Name,
		Description: req.Description,
		Options:     opts,
	}, nil
}

// RegisterModelHandler handles POST /api/model/register.
func RegisterModelHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RegisterRequest
		if err := httputil.DecodeBody(r, &body); err != nil {
			d.fail(w, r, err, "register_model")
			return
		}
		req, err := body.toBackend()
		if err != nil {
			d.fail(w, r, err, "register_model")
			return
		}
		list, err := d.Engine.Register(r.Context(), req)
		if err != nil {
			d.fail(w, r, err, "register_model")
			return
		}
		httputil.WriteJSONResponse(w, d.logger(r), list)
	}
}

// ListModelsHandler handles GET /api/model.
func ListModelsHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONResponse(w, d.logger(r), d.Engine.Store().Registered())
	}
}

// LoadedListHandler handles GET /api/model/loadedList.
func LoadedListHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONResponse(w, d.logger(r), d.Engine.Store().Loaded())
	}
}

// LoadModelHandler handles POST /api/model/{key}/load.
func LoadModelHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if err := d.Engine.Load(r.Context(), key); err != nil {
			d.fail(w, r, err, "load_model")
			return
		}
		d.logger(r).Info("Model loaded", zap.String("model_key", key))
		ok(w)
	}
}

// UnloadModelHandler handles PUT /api/model/{key}/unload.
func UnloadModelHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Engine.Unload(r.Context(), r.PathValue("key")); err != nil {
			d.fail(w, r, err, "unload_model")
			return
		}
		ok(w)
	}
}

// DeregisterModelHandler handles DELETE /api/model/{key}.
func DeregisterModelHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Engine.Deregister(r.Context(), r.PathValue("key")); err != nil {
			d.fail(w, r, err, "deregister_model")
			return
		}
		ok(w)
	}
}

// ModelQueryHandler handles GET /api/model/{key}/{action}. The routes share
// one pattern because /api/model/predict/progress would otherwise overlap
// with /api/model/{key}/predict.
func ModelQueryHandler(d *Deps) http.HandlerFunc {
	predict := PredictImageHandler(d)
	tags := TagsHandler(d)
	cachelist := CacheListHandler(d)
	progress := ProgressHandler(d)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("action") {
		case "predict":
			predict(w, r)
		case "tags":
			tags(w, r)
		case "cachelist":
			cachelist(w, r)
		case "progress":
			if r.PathValue("key") == "predict" {
				progress(w, r)
				return
			}
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

// PredictImageHandler handles GET /api/model/{key}/predict.
func PredictImageHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := engine.ParsePredictQuery(r.URL.Query(), false)
		if err != nil {
			d.fail(w, r, err, "predict_single_image")
			return
		}
		body, err := d.Engine.PredictImage(r.Context(), r.PathValue("key"), q)
		if err != nil {
			d.fail(w, r, err, "predict_single_image")
			return
		}
		httputil.WriteRawJSON(w, d.logger(r), body)
	}
}

// PredictVideoHandler handles GET /api/model/{key}/predict/video.
func PredictVideoHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := engine.ParsePredictQuery(r.URL.Query(), true)
		if err != nil {
			d.fail(w, r, err, "predict_video")
			return
		}
		body, err := d.Engine.PredictVideo(r.Context(), r.PathValue("key"), q)
		if err != nil {
			d.fail(w, r, err, "predict_video")
			return
		}
		httputil.WriteRawJSON(w, d.logger(r), body)
	}
}

// KillVideoHandler handles POST /api/model/predict/video/kill. It succeeds
// whether or not a video prediction was running.
func KillVideoHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Engine.KillVideo() {
			d.logger(r).Info("Video prediction stop requested")
		}
		ok(w)
	}
}

// TagsHandler handles GET /api/model/{key}/tags.
func TagsHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tags, err := d.Engine.Tags(r.PathValue("key"))
		if err != nil {
			d.fail(w, r, err, "get_tag")
			return
		}
		httputil.WriteJSONResponse(w, d.logger(r), tags)
	}
}

// CacheListHandler handles GET /api/model/{key}/cachelist. Paths are
// returned URL-encoded.
func CacheListHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assets := d.Engine.Store().PredictedAssets(r.PathValue("key"))
		out := make([]string, len(assets))
		for i, a := range assets {
			out[i] = url.PathEscape(a)
		}
		httputil.WriteJSONResponse(w, d.logger(r), out)
	}
}

// ClearCacheListHandler handles DELETE /api/model/{key}/cachelist.
func ClearCacheListHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Engine.Store().ClearPredictions(r.Context(), r.PathValue("key"))
		ok(w)
	}
}

// ProgressHandler handles GET /api/model/predict/progress.
func ProgressHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONResponse(w, d.logger(r), d.Engine.Progress().Current())
	}
}
