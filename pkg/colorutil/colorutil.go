// Package colorutil provides shared color utilities for overlays and test frames.
package colorutil

import (
	"image/color"
)

// Common overlay colors used throughout the application.
var (
	Black   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Cyan    = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Blue    = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	Green   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Yellow  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// Cycle returns a color from a fixed palette, wrapping around.
func Cycle(i int) color.RGBA {
	palette := []color.RGBA{Green, Cyan, Magenta, Yellow, Blue}
	n := len(palette)
	return palette[((i%n)+n)%n]
}
