// Package color converts between the LED color encodings devices report.
package color

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// HSV is hue in degrees [0,360), saturation and value in percent [0,100].
type HSV struct {
	Hue        int `json:"hue"`
	Saturation int `json:"saturation"`
	Value      int `json:"value"`
}

// String formats the color the way devices expect it: "h;s;v".
func (c HSV) String() string {
	return fmt.Sprintf("%d;%d;%d", c.Hue, c.Saturation, c.Value)
}

// ParseHSV parses a "h;s;v" triplet.
func ParseHSV(s string) (HSV, error) {
	parts := strings.Split(strings.TrimSpace(s), ";")
	if len(parts) != 3 {
		return HSV{}, fmt.Errorf("invalid hsv %q: want h;s;v", s)
	}

	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return HSV{}, fmt.Errorf("invalid hsv %q: %w", s, err)
		}
		vals[i] = v
	}

	c := HSV{Hue: vals[0], Saturation: vals[1], Value: vals[2]}
	if c.Hue < 0 || c.Hue >= 360 || c.Saturation < 0 || c.Saturation > 100 || c.Value < 0 || c.Value > 100 {
		return HSV{}, fmt.Errorf("hsv %q out of range", s)
	}
	return c, nil
}

// RGBHexToHSV converts an RRGGBB hex string (optional leading '#') to HSV.
func RGBHexToHSV(s string) (HSV, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return HSV{}, fmt.Errorf("invalid rgb %q: want 6 hex digits", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return HSV{}, fmt.Errorf("invalid rgb %q: %w", s, err)
	}
	return RGBToHSV(b[0], b[1], b[2]), nil
}

// RGBToHSV converts 8-bit RGB components to HSV.
func RGBToHSV(r8, g8, b8 uint8) HSV {
	r := float64(r8) / 255
	g := float64(g8) / 255
	b := float64(b8) / 255

	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	delta := max - min

	var h float64
	switch {
	case delta == 0:
		h = 0
	case max == r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case max == g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}

	var s float64
	if max > 0 {
		s = delta / max
	}

	hue := int(math.Round(h))
	if hue >= 360 {
		hue -= 360
	}
	return HSV{
		Hue:        hue,
		Saturation: int(math.Round(s * 100)),
		Value:      int(math.Round(max * 100)),
	}
}

// HSVToRGBHex converts HSV to an uppercase RRGGBB string.
func HSVToRGBHex(c HSV) string {
	h := float64(c.Hue)
	s := float64(c.Saturation) / 100
	v := float64(c.Value) / 100

	chroma := v * s
	x := chroma * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - chroma

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = chroma, x, 0
	case h < 120:
		r, g, b = x, chroma, 0
	case h < 180:
		r, g, b = 0, chroma, x
	case h < 240:
		r, g, b = 0, x, chroma
	case h < 300:
		r, g, b = x, 0, chroma
	default:
		r, g, b = chroma, 0, x
	}

	to8 := func(f float64) uint8 { return uint8(math.Round((f + m) * 255)) }
	return strings.ToUpper(hex.EncodeToString([]byte{to8(r), to8(g), to8(b)}))
}
