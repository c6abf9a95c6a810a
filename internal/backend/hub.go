package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

func (f *Factory) registerHub(ctx context.Context, req Request) (*registry.Record, error) {
	if req.Options.ModelKey == "" || req.Options.ProjectSecret == "" {
		return nil, graceful.New(graceful.InvalidRequest, "hub models need a model key and a project secret")
	}
	dir := req.Directory
	if dir == "" {
		dir = filepath.Join(f.cfg.ModelDir, req.Options.ModelKey)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := f.download(ctx, req.Options, dir); err != nil {
			return nil, err
		}
	}

	rec, err := f.registerLocal(dir, req)
	if err != nil {
		if graceful.Is(err, graceful.InvalidFilePath) {
			return nil, graceful.WrapErr(graceful.NotFound, "downloaded hub model is incomplete", err)
		}
		return nil, err
	}
	return rec, nil
}

// download fetches the model archive and unpacks it into dir.
func (f *Factory) download(ctx context.Context, opts registry.Options, dir string) error {
	url := strings.TrimRight(f.cfg.HubURL, "/") + "/model/" + opts.ModelKey
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return graceful.WrapErr(graceful.HubError, "invalid hub url", err)
	}
	req.Header.Set("Authorization", "Bearer "+opts.ProjectSecret)

	f.log.Info("Downloading hub model", zap.String("model_key", opts.ModelKey), zap.String("url", url))
	resp, err := f.client.Do(req)
	if err != nil {
		return graceful.WrapErr(graceful.HubError, "hub request failed", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return graceful.Newf(graceful.NotFound, "hub model %s was not found", opts.ModelKey)
	case resp.StatusCode != http.StatusOK:
		return graceful.Newf(graceful.HubError, "hub responded with %s", resp.Status)
	}

	tmp, err := os.CreateTemp("", "portal-hub-*.zip")
	if err != nil {
		return graceful.WrapErr(graceful.HubError, "could not stage hub archive", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return graceful.WrapErr(graceful.HubError, "hub download interrupted", err)
	}
	if err := tmp.Close(); err != nil {
		return graceful.WrapErr(graceful.HubError, "could not stage hub archive", err)
	}

	if err := extract(tmp.Name(), dir); err != nil {
		os.RemoveAll(dir)
		return graceful.WrapErr(graceful.HubError, "could not unpack hub archive", err)
	}
	return nil
}

func extract(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	root := filepath.Clean(dir) + string(os.PathSeparator)
	for _, zf := range zr.File {
		target := filepath.Join(dir, zf.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("archive entry %q escapes the model directory", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(zf, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
