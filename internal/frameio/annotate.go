package frameio

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Annotation colors, matching the reference overlays.
var (
	ColorStone = color.RGBA{R: 255, A: 255}
	ColorGold  = color.RGBA{R: 255, G: 215, A: 255}
	ColorAcid  = color.RGBA{R: 255, G: 165, A: 255}
	ColorText  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	ColorOK    = color.RGBA{G: 255, A: 255}
)

// DrawBox outlines r on img with a 2px border.
func DrawBox(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < 2; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, clampY(img, r.Min.Y+t), c)
			img.SetRGBA(x, clampY(img, r.Max.Y-1-t), c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(clampX(img, r.Min.X+t), y, c)
			img.SetRGBA(clampX(img, r.Max.X-1-t), y, c)
		}
	}
}

// FillDot marks a centroid with a small filled square.
func FillDot(img *image.RGBA, p image.Point, c color.RGBA) {
	r := image.Rect(p.X-3, p.Y-3, p.X+3, p.Y+3).Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// DrawLabel renders text at the given baseline position.
func DrawLabel(img *image.RGBA, text string, x, y int, c color.RGBA) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// Banner draws a stage banner across the top-left of the frame on a dark
// backing strip so it stays readable over any scene.
func Banner(img *image.RGBA, text string) {
	w := basicfont.Face7x13.Advance*len(text) + 12
	strip := image.Rect(4, 4, 4+w, 24).Intersect(img.Bounds())
	for y := strip.Min.Y; y < strip.Max.Y; y++ {
		for x := strip.Min.X; x < strip.Max.X; x++ {
			img.SetRGBA(x, y, color.RGBA{A: 255})
		}
	}
	DrawLabel(img, text, 10, 18, ColorText)
}

func clampX(img *image.RGBA, x int) int {
	b := img.Bounds()
	if x < b.Min.X {
		return b.Min.X
	}
	if x >= b.Max.X {
		return b.Max.X - 1
	}
	return x
}

func clampY(img *image.RGBA, y int) int {
	b := img.Bounds()
	if y < b.Min.Y {
		return b.Min.Y
	}
	if y >= b.Max.Y {
		return b.Max.Y - 1
	}
	return y
}
