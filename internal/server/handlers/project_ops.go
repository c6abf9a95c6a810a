package handlers

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/assets"
	"github.com/nmxmxh/portal-engine/internal/media"
	"github.com/nmxmxh/portal-engine/internal/server/httputil"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

type folderRequest struct {
	Directory string `json:"directory"`
}

func decodeFolder(r *http.Request) (string, error) {
	var body folderRequest
	if err := httputil.DecodeBody(r, &body); err != nil {
		return "", err
	}
	if body.Directory == "" {
		return "", graceful.New(graceful.InvalidRequest, "directory is required")
	}
	return filepath.Clean(body.Directory), nil
}

// RegisterFolderHandler handles POST /api/project/register.
func RegisterFolderHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dir, err := decodeFolder(r)
		if err != nil {
			d.fail(w, r, err, "register_images")
			return
		}
		if err := d.Engine.Store().AddFolder(r.Context(), dir); err != nil {
			d.fail(w, r, err, "register_images")
			return
		}
		d.foldersChanged()
		d.logger(r).Info("Folder registered", zap.String("path", dir))
		httputil.WriteText(w, d.logger(r), "Successfully registered the targeted folder")
	}
}

// SyncFolderHandler handles POST /api/project/sync.
func SyncFolderHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dir, err := decodeFolder(r)
		if err != nil {
			d.fail(w, r, err, "sync_images")
			return
		}
		err = d.Engine.Store().SyncFolder(r.Context(), dir)
		d.foldersChanged()
		if err != nil {
			d.fail(w, r, err, "sync_images")
			return
		}
		httputil.WriteText(w, d.logger(r), "Sync was successful")
	}
}

// DeleteFolderHandler handles DELETE /api/project/{folder}, where folder is
// the URL-encoded path.
func DeleteFolderHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folder := r.PathValue("folder")
		if folder == "" {
			d.fail(w, r, graceful.New(graceful.MissingRequestBody, "folder path is required"), "delete_folder")
			return
		}
		d.Engine.Store().DeleteFolder(filepath.Clean(folder))
		d.foldersChanged()
		httputil.WriteText(w, d.logger(r), "Deletion was successful")
	}
}

// AssetsHandler handles GET /api/project/assets.
func AssetsHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONResponse(w, d.logger(r), d.Engine.Store().Assets().Flatten())
	}
}

// AssetTreeHandler handles GET /api/project/assets/tree.
func AssetTreeHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONResponse(w, d.logger(r), d.Engine.Store().Assets().Tree())
	}
}

// assetPath decodes the filepath query of the asset routes and checks that it
// names an existing file.
func assetPath(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("filepath")
	if raw == "" {
		return "", graceful.New(graceful.InvalidQueryParameter, "filepath is a compulsory query")
	}
	p, err := url.PathUnescape(raw)
	if err != nil {
		p = raw
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", graceful.Newf(graceful.InvalidFilePath, "file path %s does not exist", p)
	}
	if !assets.IsAllowed(p) {
		return "", graceful.Newf(graceful.InvalidFileType, "%s is not an allowed asset type", p)
	}
	return p, nil
}

// AssetImageHandler handles GET /api/project/assets/image.
func AssetImageHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := assetPath(r)
		if err != nil {
			d.fail(w, r, err, "get_image")
			return
		}
		http.ServeFile(w, r, p)
	}
}

// ThumbnailHandler handles GET /api/project/assets/thumbnail.
func ThumbnailHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := assetPath(r)
		if err != nil {
			d.fail(w, r, err, "get_thumbnail")
			return
		}
		img, err := media.LoadImage(p)
		if err != nil {
			d.fail(w, r, err, "get_thumbnail")
			return
		}
		thumb, err := media.Thumbnail(img, media.ThumbnailSize)
		if err != nil {
			d.fail(w, r, err, "get_thumbnail")
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(thumb); err != nil {
			d.logger(r).Error("Failed to write thumbnail", zap.Error(err))
		}
	}
}
