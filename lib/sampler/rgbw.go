package sampler

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

type RGBW struct {
	R, G, B, W uint8
}

// FromRGB extracts the shared white component and scales every channel by
// brightness, which is clamped to [0,1].
func FromRGB(r, g, b uint8, brightness float64) RGBW {
	w := min(r, g, b)
	c := RGBW{R: r - w, G: g - w, B: b - w, W: w}
	if brightness >= 1 {
		return c
	}
	if !(brightness > 0) {
		return RGBW{}
	}
	return RGBW{
		R: scale(c.R, brightness),
		G: scale(c.G, brightness),
		B: scale(c.B, brightness),
		W: scale(c.W, brightness),
	}
}

func scale(v uint8, k float64) uint8 {
	return uint8(math.Round(float64(v) * k))
}

// Display approximates the emitted colour on screen by adding the white
// channel to each primary.
func (c RGBW) Display() colorful.Color {
	w := float64(c.W) / 255
	return colorful.Color{
		R: float64(c.R)/255 + w,
		G: float64(c.G)/255 + w,
		B: float64(c.B)/255 + w,
	}.Clamped()
}

// Average mixes colours in linear light. No colours average to black.
func Average(colors []RGBW) colorful.Color {
	if len(colors) == 0 {
		return colorful.Color{}
	}
	var r, g, b float64
	for _, c := range colors {
		lr, lg, lb := c.Display().LinearRgb()
		r += lr
		g += lg
		b += lb
	}
	n := float64(len(colors))
	return colorful.LinearRgb(r/n, g/n, b/n).Clamped()
}

// Bilinear samples f at (u,v) where v = 0 is the bottom row. Coordinates
// outside [0,1] take the colour of the nearest edge.
func Bilinear(f *Frame, u, v float64) (r, g, b uint8) {
	w, h := f.Width, f.Height

	fx := u*float64(w) - 0.5
	fy := (1-v)*float64(h) - 0.5

	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	x1 := clamp(x0+1, 0, w-1)
	y1 := clamp(y0+1, 0, h-1)
	x0 = clamp(x0, 0, w-1)
	y0 = clamp(y0, 0, h-1)

	r00, g00, b00 := f.RGB(x0, y0)
	r10, g10, b10 := f.RGB(x1, y0)
	r01, g01, b01 := f.RGB(x0, y1)
	r11, g11, b11 := f.RGB(x1, y1)

	r = lerp2D(r00, r10, r01, r11, tx, ty)
	g = lerp2D(g00, g10, g01, g11, tx, ty)
	b = lerp2D(b00, b10, b01, b11, tx, ty)
	return r, g, b
}

func lerp2D(v00, v10, v01, v11 uint8, tx, ty float64) uint8 {
	top := float64(v00) + (float64(v10)-float64(v00))*tx
	bottom := float64(v01) + (float64(v11)-float64(v01))*tx
	return uint8(math.Round(top + (bottom-top)*ty))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
