// Package overlay draws detection boxes, identity labels and tripwire lines
// onto preview frames, and synthesizes placeholder frames for sources with
// no signal.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/track"
)

var (
	knownColor    = color.RGBA{0, 255, 0, 255}
	unknownColor  = color.RGBA{255, 165, 0, 255}
	tripwireColor = color.RGBA{255, 64, 64, 255}
	labelBack     = color.RGBA{0, 0, 0, 180}
	placeholderBg = color.RGBA{24, 24, 28, 255}
	placeholderFg = color.RGBA{200, 200, 200, 255}
)

// Annotate draws the active tracks and tripwires onto img in place.
func Annotate(img *image.RGBA, tracks []*track.Track, tws []camera.Tripwire) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	for _, tw := range tws {
		drawTripwire(img, tw, w, h)
	}

	for _, t := range tracks {
		rect := t.Box.Rect(w, h)
		boxColor := unknownColor
		label := fmt.Sprintf("track %d", t.ID)
		if t.Known() {
			boxColor = knownColor
			label = fmt.Sprintf("%s %.0f%%", t.EmployeeID, t.Score*100)
		}
		drawBox(img, rect, boxColor, 2)
		drawLabel(img, rect.Min.X, rect.Min.Y-5, label, boxColor)
	}
}

func drawTripwire(img *image.RGBA, tw camera.Tripwire, w, h int) {
	// Spacing doubles as the display width of the line band.
	if tw.Orientation == camera.Horizontal {
		y := int(tw.Position * float64(h))
		band := maxInt(1, int(tw.Spacing*float64(h)/2))
		for dy := -band; dy <= band; dy += maxInt(1, band) {
			drawHLine(img, y+dy, tripwireColor)
		}
		drawLabel(img, 4, y-5, tw.Name, tripwireColor)
	} else {
		x := int(tw.Position * float64(w))
		band := maxInt(1, int(tw.Spacing*float64(w)/2))
		for dx := -band; dx <= band; dx += maxInt(1, band) {
			drawVLine(img, x+dx, tripwireColor)
		}
		drawLabel(img, x+4, 12, tw.Name, tripwireColor)
	}
}

func drawHLine(img *image.RGBA, y int, c color.RGBA) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	for x := b.Min.X; x < b.Max.X; x++ {
		img.Set(x, y, c)
	}
}

func drawVLine(img *image.RGBA, x int, c color.RGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		img.Set(x, y, c)
	}
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	b := img.Bounds()
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			setIn(img, b, x, r.Min.Y+t, c)
			setIn(img, b, x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			setIn(img, b, r.Min.X+t, y, c)
			setIn(img, b, r.Max.X-1-t, y, c)
		}
	}
}

func setIn(img *image.RGBA, b image.Rectangle, x, y int, c color.RGBA) {
	if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
		img.Set(x, y, c)
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if label == "" {
		return
	}
	b := img.Bounds()
	if y < b.Min.Y+10 {
		y = b.Min.Y + 10
	}
	if x < b.Min.X {
		x = b.Min.X
	}

	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			setIn(img, b, x+dx, y+dy, labelBack)
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// Placeholder synthesizes a dark frame with centered text lines, used for
// "no signal" and capture-failure previews.
func Placeholder(width, height int, lines ...string) *image.RGBA {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, placeholderBg)
		}
	}

	startY := height/2 - len(lines)*8
	for i, line := range lines {
		x := width/2 - len(line)*7/2
		if x < 4 {
			x = 4
		}
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(placeholderFg),
			Face: basicfont.Face7x13,
			Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(startY + i*16)},
		}
		d.DrawString(line)
	}
	return img
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
