package ui

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"runtime"
	"sync"
)

// Icon states.
const (
	IconReady    = "ready"
	IconApplying = "applying"
	IconError    = "error"
	IconOffline  = "offline"
)

var (
	iconMu    sync.Mutex
	iconCache = make(map[string][]byte)
)

// GetIcon returns the tray icon for a state: PNG, wrapped in an ICO
// container on Windows.
func GetIcon(state string) []byte {
	iconMu.Lock()
	defer iconMu.Unlock()
	if data, ok := iconCache[state]; ok {
		return data
	}

	data := encodePNG(drawSwitch(32, stateColor(state), state == IconReady))
	if runtime.GOOS == "windows" {
		data = wrapICO(32, data)
	}
	iconCache[state] = data
	return data
}

func stateColor(state string) color.RGBA {
	switch state {
	case IconReady:
		return color.RGBA{30, 200, 90, 255} // green
	case IconApplying:
		return color.RGBA{240, 190, 30, 255} // amber
	case IconError:
		return color.RGBA{220, 55, 55, 255} // red
	default:
		return color.RGBA{160, 160, 160, 255}
	}
}

// drawSwitch renders a rounded toggle with its knob left or right.
func drawSwitch(size int, fill color.RGBA, on bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	s := float64(size)

	top, bottom := s*0.28, s*0.72
	left, right := s*0.06, s*0.94
	radius := (bottom - top) / 2
	cy := (top + bottom) / 2

	knobR := radius * 0.72
	knobX := left + radius
	if on {
		knobX = right - radius
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5

			// distance outside the pill, negative inside
			cx := math.Max(left+radius, math.Min(px, right-radius))
			d := math.Hypot(px-cx, py-cy) - radius
			a := coverage(d)
			if a == 0 {
				continue
			}
			col := color.NRGBA{fill.R, fill.G, fill.B, uint8(a * 255)}

			if k := coverage(math.Hypot(px-knobX, py-cy) - knobR); k > 0 {
				col.R = blend(col.R, 255, k)
				col.G = blend(col.G, 255, k)
				col.B = blend(col.B, 255, k)
			}
			img.SetNRGBA(x, y, col)
		}
	}
	return img
}

// coverage turns a signed distance into a one pixel anti-aliased alpha.
func coverage(d float64) float64 {
	switch {
	case d <= -0.5:
		return 1
	case d >= 0.5:
		return 0
	}
	return 0.5 - d
}

func blend(a, b uint8, t float64) uint8 {
	return uint8(float64(a)*(1-t) + float64(b)*t)
}

func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

// wrapICO stores a PNG as the single image of an ICO file.
func wrapICO(size int, pngData []byte) []byte {
	const headerSize = 6 + 16
	buf := make([]byte, headerSize, headerSize+len(pngData))

	// ICONDIR
	binary.LittleEndian.PutUint16(buf[2:], 1) // type: icon
	binary.LittleEndian.PutUint16(buf[4:], 1) // one image

	// ICONDIRENTRY
	buf[6] = byte(size)
	buf[7] = byte(size)
	binary.LittleEndian.PutUint16(buf[10:], 1)  // planes
	binary.LittleEndian.PutUint16(buf[12:], 32) // bpp
	binary.LittleEndian.PutUint32(buf[14:], uint32(len(pngData)))
	binary.LittleEndian.PutUint32(buf[18:], headerSize)

	return append(buf, pngData...)
}
