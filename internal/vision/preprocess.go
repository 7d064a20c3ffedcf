package vision

import (
	"image"
	"math"
)

// planarTensor converts img into NCHW float32 data of the given size,
// applying (pixel-mean)/scale per channel. Bilinear sampling; good enough
// for inference preprocessing and keeps the package free of native deps.
func planarTensor(img image.Image, width, height int, mean, scale float32) []float32 {
	out := make([]float32, 3*width*height)
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW == 0 || srcH == 0 {
		return out
	}

	xRatio := float64(srcW) / float64(width)
	yRatio := float64(srcH) / float64(height)
	plane := width * height

	for y := 0; y < height; y++ {
		sy := (float64(y)+0.5)*yRatio - 0.5
		for x := 0; x < width; x++ {
			sx := (float64(x)+0.5)*xRatio - 0.5
			r, g, bl := bilinear(img, sx, sy)
			i := y*width + x
			out[i] = (r - mean) / scale
			out[plane+i] = (g - mean) / scale
			out[2*plane+i] = (bl - mean) / scale
		}
	}
	return out
}

func bilinear(img image.Image, x, y float64) (r, g, b float32) {
	bounds := img.Bounds()
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := float32(x - float64(x0))
	fy := float32(y - float64(y0))

	r00, g00, b00 := pixelAt(img, bounds, x0, y0)
	r10, g10, b10 := pixelAt(img, bounds, x0+1, y0)
	r01, g01, b01 := pixelAt(img, bounds, x0, y0+1)
	r11, g11, b11 := pixelAt(img, bounds, x0+1, y0+1)

	r = lerp(lerp(r00, r10, fx), lerp(r01, r11, fx), fy)
	g = lerp(lerp(g00, g10, fx), lerp(g01, g11, fx), fy)
	b = lerp(lerp(b00, b10, fx), lerp(b01, b11, fx), fy)
	return
}

func pixelAt(img image.Image, bounds image.Rectangle, x, y int) (float32, float32, float32) {
	x = clampInt(x, 0, bounds.Dx()-1)
	y = clampInt(y, 0, bounds.Dy()-1)
	r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
	return float32(r >> 8), float32(g >> 8), float32(b >> 8)
}

func lerp(a, b, t float32) float32 { return a + (b-a)*t }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// cropRegion returns the sub-image for a normalized detection box, expanded
// by margin on each side so the embedder sees the full face.
func cropRegion(img image.Image, d Detection, margin float64) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	mx, my := d.W*margin, d.H*margin
	grown := Detection{X: d.X - mx, Y: d.Y - my, W: d.W + 2*mx, H: d.H + 2*my}
	rect := grown.Rect(w, h).Add(b.Min)
	if rect.Empty() {
		return img
	}

	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(rect)
	}
	return img
}
