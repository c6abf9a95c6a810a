// Package media decodes images, samples video frames and renders
// thumbnails.
package media

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	"github.com/nmxmxh/portal-engine/internal/assets"
	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

// ThumbnailSize is the longer side of a thumbnail in pixels.
const ThumbnailSize = 500

// LoadImage decodes a png or jpeg file.
func LoadImage(path string) (image.Image, error) {
	if !assets.IsImage(path) {
		return nil, graceful.Newf(graceful.InvalidFileType, "%s is not a supported image", path)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, graceful.Newf(graceful.InvalidFilePath, "%s does not exist", path)
		}
		return nil, graceful.WrapErr(graceful.InvalidFilePath, "could not open image", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, graceful.WrapErr(graceful.InvalidFileType, "could not decode image", err)
	}
	return img, nil
}

// Thumbnail scales img so its longer side is at most size and encodes it as
// JPEG. Smaller images are encoded unscaled.
func Thumbnail(img image.Image, size int) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > size || h > size {
		if w >= h {
			h = max(1, h*size/w)
			w = size
		} else {
			w = max(1, w*size/h)
			h = size
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
