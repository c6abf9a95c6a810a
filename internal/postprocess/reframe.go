package postprocess

import "math"

// minBoxExtent floors box height and width when mapping the unit square into
// box-relative coordinates.
const minBoxExtent = 1e-4

// ReframeBoxMask places a box-relative mask into a width×height image. The
// unit square is expressed relative to the box and the mask is sampled with
// bilinear crop-and-resize; samples that fall outside the mask are zero.
func ReframeBoxMask(mask Grid, box Box, width, height int) Grid {
	dy := math.Max(box[2]-box[0], minBoxExtent)
	dx := math.Max(box[3]-box[1], minBoxExtent)
	crop := Box{
		(0 - box[0]) / dy,
		(0 - box[1]) / dx,
		(1 - box[0]) / dy,
		(1 - box[1]) / dx,
	}
	return cropAndResize(mask, crop, width, height)
}

// cropAndResize samples the region crop (normalized to mask) into an
// outW×outH grid using bilinear interpolation with zero extrapolation.
func cropAndResize(mask Grid, crop Box, outW, outH int) Grid {
	out := NewGrid(outW, outH)
	ih, iw := float64(mask.H-1), float64(mask.W-1)

	for y := 0; y < outH; y++ {
		var inY float64
		if outH > 1 {
			inY = crop[0]*ih + float64(y)*(crop[2]-crop[0])*ih/float64(outH-1)
		} else {
			inY = 0.5 * (crop[0] + crop[2]) * ih
		}
		if inY < 0 || inY > ih {
			continue
		}
		top := int(math.Floor(inY))
		bottom := int(math.Ceil(inY))
		yLerp := inY - float64(top)

		for x := 0; x < outW; x++ {
			var inX float64
			if outW > 1 {
				inX = crop[1]*iw + float64(x)*(crop[3]-crop[1])*iw/float64(outW-1)
			} else {
				inX = 0.5 * (crop[1] + crop[3]) * iw
			}
			if inX < 0 || inX > iw {
				continue
			}
			left := int(math.Floor(inX))
			right := int(math.Ceil(inX))
			xLerp := inX - float64(left)

			tl, tr := mask.At(left, top), mask.At(right, top)
			bl, br := mask.At(left, bottom), mask.At(right, bottom)
			t := tl + (tr-tl)*xLerp
			b := bl + (br-bl)*xLerp
			out.Set(x, y, t+(b-t)*yLerp)
		}
	}
	return out
}

// Binarize sets every cell strictly above threshold.
func Binarize(g Grid, threshold float64) Bitmap {
	out := NewBitmap(g.W, g.H)
	for i, v := range g.Data {
		if v > threshold {
			out.Pix[i] = 1
		}
	}
	return out
}
