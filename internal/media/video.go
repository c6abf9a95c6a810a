package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/portal-engine/internal/assets"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/json"
)

// VideoInfo describes the first video stream of a file.
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64
	Frames int
}

// Sampled returns how many frames a sampling interval visits.
func (v VideoInfo) Sampled(interval int) int {
	if interval < 1 || v.Frames < 1 {
		return 0
	}
	return (v.Frames + interval - 1) / interval
}

// Timestamp returns the position of sample index in milliseconds.
func (v VideoInfo) Timestamp(index, interval int) int {
	if v.FPS <= 0 {
		return 0
	}
	return int(float64(index*interval) / v.FPS * 1000)
}

// Video samples frames with ffprobe and ffmpeg.
type Video struct {
	ffmpeg  string
	ffprobe string
	log     *zap.Logger
}

func NewVideo(ffmpeg, ffprobe string, log *zap.Logger) *Video {
	if log == nil {
		log = zap.NewNop()
	}
	return &Video{ffmpeg: ffmpeg, ffprobe: ffprobe, log: log}
}

type probeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

func checkVideo(path string) error {
	if !assets.IsVideo(path) {
		return graceful.Newf(graceful.InvalidFileType, "%s is not a supported video", path)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return graceful.Newf(graceful.InvalidFilePath, "%s does not exist", path)
	}
	return nil
}

// Probe reads the stream geometry, frame rate and frame count of path.
func (v *Video) Probe(ctx context.Context, path string) (VideoInfo, error) {
	if err := checkVideo(path); err != nil {
		return VideoInfo{}, err
	}
	cmd := exec.CommandContext(ctx, v.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,nb_read_packets",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		v.log.Warn("ffprobe failed", zap.String("path", path), zap.String("stderr", strings.TrimSpace(stderr.String())), zap.Error(err))
		return VideoInfo{}, graceful.WrapErr(graceful.InvalidFileType, "could not probe video", err)
	}
	info, err := parseProbe(out)
	if err != nil {
		return VideoInfo{}, graceful.WrapErr(graceful.InvalidFileType, "could not probe video", err)
	}
	return info, nil
}

func parseProbe(raw []byte) (VideoInfo, error) {
	var p probeOutput
	if err := json.Unmarshal(raw, &p); err != nil {
		return VideoInfo{}, err
	}
	if len(p.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("no video stream")
	}
	s := p.Streams[0]
	info := VideoInfo{Width: s.Width, Height: s.Height}
	if info.Width <= 0 || info.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("video stream has no dimensions")
	}
	info.FPS = parseRate(s.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	if info.FPS <= 0 {
		return VideoInfo{}, fmt.Errorf("video stream has no frame rate")
	}
	for _, n := range []string{s.NbReadPackets, s.NbFrames} {
		if frames, err := strconv.Atoi(n); err == nil && frames > 0 {
			info.Frames = frames
			break
		}
	}
	return info, nil
}

// parseRate reads ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Frames decodes every interval-th frame of path and calls fn with its
// sample index. Returning an error from fn stops decoding.
func (v *Video) Frames(ctx context.Context, path string, info VideoInfo, interval int, fn func(index int, img image.Image) error) error {
	if interval < 1 {
		return graceful.New(graceful.InvalidQueryParameter, "frame interval must be positive")
	}
	if err := checkVideo(path); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(runCtx, v.ffmpeg,
		"-v", "error",
		"-i", path,
		"-vf", fmt.Sprintf("select=not(mod(n\\,%d))", interval),
		"-vsync", "0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return graceful.WrapErr(graceful.FailedPrediction, "could not start ffmpeg", err)
	}

	r := bufio.NewReaderSize(stdout, info.Width*info.Height*4)
	var fnErr, readErr error
	for index := 0; ; index++ {
		img := image.NewRGBA(image.Rect(0, 0, info.Width, info.Height))
		if _, err := io.ReadFull(r, img.Pix); err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
		if fnErr = fn(index, img); fnErr != nil {
			cancel()
			break
		}
	}
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	switch {
	case fnErr != nil:
		return fnErr
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		v.log.Warn("ffmpeg failed", zap.String("path", path), zap.String("stderr", strings.TrimSpace(stderr.String())), zap.Error(waitErr))
		return graceful.WrapErr(graceful.FailedPrediction, "could not decode video", waitErr)
	case readErr != nil:
		return graceful.WrapErr(graceful.FailedPrediction, "truncated video frame", readErr)
	}
	return nil
}
