package backend

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/postprocess"
	"github.com/nmxmxh/portal-engine/internal/registry"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
)

const defaultModelType = "tensorflow"

func (f *Factory) registerLocal(dir string, req Request) (*registry.Record, error) {
	if dir == "" {
		return nil, graceful.New(graceful.NoFilePath, "model directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, graceful.WrapErr(graceful.InvalidFilePath, "invalid model directory", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, graceful.Newf(graceful.InvalidFilePath, "%s is not a directory", abs)
	}

	labels, err := registry.LoadLabelMap(abs)
	if os.IsNotExist(err) {
		return nil, graceful.Newf(graceful.InvalidFilePath, "%s is not found in given directory", registry.LabelMapFile)
	}
	if err != nil {
		return nil, graceful.WrapErr(graceful.InvalidFilePath, "could not read label map", err)
	}
	desc, err := registry.LoadDescriptor(abs)
	if err != nil {
		return nil, graceful.WrapErr(graceful.InvalidFilePath, "could not read model descriptor", err)
	}
	key, err := registry.HashDirectory(abs)
	if err != nil {
		return nil, graceful.WrapErr(graceful.InvalidFilePath, "could not hash model directory", err)
	}

	rec := &registry.Record{
		Key:         key,
		Kind:        req.Kind,
		ModelType:   firstNonEmpty(req.ModelType, desc.Type, defaultModelType),
		Directory:   abs,
		Name:        req.Name,
		Description: req.Description,
		Height:      firstPositive(req.Options.Height, desc.Height),
		Width:       firstPositive(req.Options.Width, desc.Width),
		Labels:      labels,
		Options:     req.Options,
	}
	if rec.Options.Runner == "" {
		rec.Options.Runner = desc.Runner
	}
	return rec, nil
}

// Runner predicts by running an external inference command per image. The
// command receives the model directory and a JPEG path and prints raw
// detections as JSON on stdout.
type Runner struct {
	command string
	rec     *registry.Record
	log     *zap.Logger
}

func (f *Factory) newRunner(rec *registry.Record) (*Runner, error) {
	if _, err := os.Stat(filepath.Join(rec.Directory, registry.LabelMapFile)); err != nil {
		return nil, graceful.Newf(graceful.InvalidFilePath, "%s is not found in %s", registry.LabelMapFile, rec.Directory)
	}
	command := firstNonEmpty(rec.Options.Runner, f.cfg.Runner)
	if _, err := exec.LookPath(command); err != nil {
		return nil, graceful.WrapErr(graceful.FailedPrediction, "model runner is not available", err)
	}
	return &Runner{command: command, rec: rec, log: f.log.With(zap.String("model_key", rec.Key))}, nil
}

func (r *Runner) Labels() postprocess.Labels { return r.rec.Labels }

func (r *Runner) Close() error { return nil }

// Predict writes img to a temporary JPEG and hands it to the runner.
func (r *Runner) Predict(ctx context.Context, img image.Image) (postprocess.Detections, error) {
	var d postprocess.Detections

	tmp, err := os.CreateTemp("", "portal-frame-*.jpg")
	if err != nil {
		return d, graceful.WrapErr(graceful.FailedPrediction, "could not stage image", err)
	}
	defer os.Remove(tmp.Name())
	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: 95}); err != nil {
		tmp.Close()
		return d, graceful.WrapErr(graceful.FailedPrediction, "could not stage image", err)
	}
	if err := tmp.Close(); err != nil {
		return d, graceful.WrapErr(graceful.FailedPrediction, "could not stage image", err)
	}

	args := []string{"--model", r.rec.Directory, "--type", r.rec.ModelType, "--image", tmp.Name()}
	if r.rec.Height > 0 && r.rec.Width > 0 {
		args = append(args, "--height", strconv.Itoa(r.rec.Height), "--width", strconv.Itoa(r.rec.Width))
	}
	cmd := exec.CommandContext(ctx, r.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		r.log.Warn("Model runner failed", zap.String("stderr", strings.TrimSpace(stderr.String())), zap.Error(err))
		return d, graceful.WrapErr(graceful.FailedPrediction, "model runner failed", err)
	}
	if err := json.Unmarshal(stdout.Bytes(), &d); err != nil {
		return d, graceful.WrapErr(graceful.FailedPrediction, "model runner returned malformed detections", err)
	}
	if err := d.Validate(); err != nil {
		return d, graceful.WrapErr(graceful.FailedPrediction, "model runner returned malformed detections", err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
