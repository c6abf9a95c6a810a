package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.PNG")
	writePNG(t, p, 12, 7)

	img, err := LoadImage(p)
	require.NoError(t, err)
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 7, img.Bounds().Dy())

	_, err = LoadImage(filepath.Join(dir, "missing.png"))
	assert.Equal(t, graceful.InvalidFilePath, graceful.KindOf(err))

	_, err = LoadImage(filepath.Join(dir, "notes.txt"))
	assert.Equal(t, graceful.InvalidFileType, graceful.KindOf(err))

	broken := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(broken, []byte("not a jpeg"), 0o644))
	_, err = LoadImage(broken)
	assert.Equal(t, graceful.InvalidFileType, graceful.KindOf(err))
}

func TestThumbnail(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape", 1000, 600, 500, 300},
		{"portrait", 300, 1500, 100, 500},
		{"small", 40, 30, 40, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := image.NewUniform(color.RGBA{10, 20, 30, 255})
			src := image.NewRGBA(image.Rect(0, 0, tt.w, tt.h))
			for y := 0; y < tt.h; y++ {
				for x := 0; x < tt.w; x++ {
					src.Set(x, y, img.C)
				}
			}
			out, err := Thumbnail(src, ThumbnailSize)
			require.NoError(t, err)
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, cfg.Width)
			assert.Equal(t, tt.wantH, cfg.Height)
		})
	}
}

func TestParseProbe(t *testing.T) {
	raw := []byte(`{"streams":[{"width":640,"height":360,"r_frame_rate":"30/1","avg_frame_rate":"30000/1001","nb_read_packets":"90"}]}`)
	info, err := parseProbe(raw)
	require.NoError(t, err)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 360, info.Height)
	assert.InDelta(t, 29.97, info.FPS, 0.01)
	assert.Equal(t, 90, info.Frames)

	info, err = parseProbe([]byte(`{"streams":[{"width":2,"height":2,"r_frame_rate":"25/1","avg_frame_rate":"0/0","nb_frames":"10"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 25.0, info.FPS)
	assert.Equal(t, 10, info.Frames)

	for _, bad := range []string{`{"streams":[]}`, `{"streams":[{"width":0,"height":2,"r_frame_rate":"25/1"}]}`, `{"streams":[{"width":2,"height":2}]}`, `nope`} {
		_, err := parseProbe([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestSamplingArithmetic(t *testing.T) {
	info := VideoInfo{FPS: 30, Frames: 95}
	assert.Equal(t, 10, info.Sampled(10))
	assert.Equal(t, 95, info.Sampled(1))
	assert.Equal(t, 0, info.Sampled(0))

	assert.Equal(t, 0, info.Timestamp(0, 10))
	assert.Equal(t, 333, info.Timestamp(1, 10))
	assert.Equal(t, 3000, info.Timestamp(9, 10))
}

func TestVideoRejectsBadPaths(t *testing.T) {
	v := NewVideo("ffmpeg", "ffprobe", nil)
	ctx := context.Background()

	_, err := v.Probe(ctx, filepath.Join(t.TempDir(), "clip.mp4"))
	assert.Equal(t, graceful.InvalidFilePath, graceful.KindOf(err))

	_, err = v.Probe(ctx, "clip.gif")
	assert.Equal(t, graceful.InvalidFileType, graceful.KindOf(err))

	err = v.Frames(ctx, "clip.mp4", VideoInfo{}, 0, nil)
	assert.Equal(t, graceful.InvalidQueryParameter, graceful.KindOf(err))
}

func TestVideoFrames(t *testing.T) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	ffprobe, err := exec.LookPath("ffprobe")
	if err != nil {
		t.Skip("ffprobe not installed")
	}

	clip := filepath.Join(t.TempDir(), "clip.mp4")
	gen := exec.Command(ffmpeg, "-v", "error", "-f", "lavfi", "-i", "testsrc=size=64x48:rate=10:duration=2",
		"-pix_fmt", "yuv420p", clip)
	require.NoError(t, gen.Run())

	v := NewVideo(ffmpeg, ffprobe, nil)
	ctx := context.Background()
	info, err := v.Probe(ctx, clip)
	require.NoError(t, err)
	assert.Equal(t, 64, info.Width)
	assert.Equal(t, 48, info.Height)
	assert.Equal(t, 20, info.Frames)

	var indices []int
	err = v.Frames(ctx, clip, info, 5, func(index int, img image.Image) error {
		assert.Equal(t, 64, img.Bounds().Dx())
		indices = append(indices, index)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, indices)

	stop := graceful.New(graceful.StoppedByUser, "stopped")
	err = v.Frames(ctx, clip, info, 5, func(index int, img image.Image) error {
		if index == 1 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
}
