package postprocess

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	maskAlpha     = 0.4
	lineWidth     = 2
	labelHeight   = 15
	renderQuality = 90
)

var palette = []color.RGBA{
	{255, 56, 56, 255}, {255, 157, 151, 255}, {255, 112, 31, 255}, {255, 178, 29, 255},
	{207, 210, 49, 255}, {72, 249, 10, 255}, {146, 204, 23, 255}, {61, 219, 134, 255},
	{26, 147, 52, 255}, {0, 212, 187, 255}, {44, 153, 168, 255}, {0, 194, 255, 255},
	{52, 69, 147, 255}, {100, 115, 255, 255}, {0, 24, 236, 255}, {132, 56, 255, 255},
}

func classColor(class int) color.RGBA {
	i := (class - 1) % len(palette)
	if i < 0 {
		i += len(palette)
	}
	return palette[i]
}

// Render draws masks, boxes and labels of s onto a copy of src.
func Render(src image.Image, s Suppressed, labels Labels) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	w, h := b.Dx(), b.Dy()

	for i := range s.Scores {
		c := classColor(s.Classes[i])
		if s.Masks != nil && s.Masks[i].W == w && s.Masks[i].H == h {
			blendMask(dst, s.Masks[i], c)
		}

		box := s.Boxes[i]
		x0, y0 := int(box.XMin()*float64(w)), int(box.YMin()*float64(h))
		x1, y1 := int(box.XMax()*float64(w)), int(box.YMax()*float64(h))
		strokeRect(dst, x0, y0, x1, y1, c)
		fillRect(dst, image.Rect(x0, y1, x1, y1+labelHeight), c)

		text := fmt.Sprintf("%s: %d%%", labels.Tag(s.Classes[i]).Name, int(s.Scores[i]*100))
		d := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.White),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(x0+2, y1+labelHeight-3),
		}
		d.DrawString(text)
	}
	return dst
}

func blendMask(dst *image.RGBA, m Bitmap, c color.RGBA) {
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if !m.At(x, y) {
				continue
			}
			o := dst.RGBAAt(x, y)
			dst.SetRGBA(x, y, color.RGBA{
				R: blend(o.R, c.R),
				G: blend(o.G, c.G),
				B: blend(o.B, c.B),
				A: 255,
			})
		}
	}
}

func blend(under, over uint8) uint8 {
	return uint8(float64(under)*(1-maskAlpha) + float64(over)*maskAlpha)
}

func strokeRect(dst *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	fillRect(dst, image.Rect(x0, y0, x1, y0+lineWidth), c)
	fillRect(dst, image.Rect(x0, y1-lineWidth, x1, y1), c)
	fillRect(dst, image.Rect(x0, y0, x0+lineWidth, y1), c)
	fillRect(dst, image.Rect(x1-lineWidth, y0, x1, y1), c)
}

func fillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

// EncodeJPEGBase64 encodes img as a base64 JPEG.
func EncodeJPEGBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: renderQuality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
