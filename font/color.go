package font

import (
	"fmt"
	"strconv"
	"strings"
)

// Color is an RGBA text color with channels in the 0-255 range.
type Color struct {
	R, G, B, A float32
}

// RGB returns an opaque color.
func RGB(r, g, b float32) Color {
	return Color{R: r, G: g, B: b, A: 255}
}

// RGBA returns a color with the given alpha.
func RGBA(r, g, b, a float32) Color {
	return Color{R: r, G: g, B: b, A: a}
}

// String formats the color as "(r, g, b, a)".
func (c Color) String() string {
	return fmt.Sprintf("(%g, %g, %g, %g)", c.R, c.G, c.B, c.A)
}

// Named colors.
var (
	Black   = RGB(0, 0, 0)
	White   = RGB(255, 255, 255)
	Gray    = RGB(128, 128, 128)
	Brown   = RGB(165, 42, 42)
	Tan     = RGB(210, 180, 140)
	Red     = RGB(255, 255, 255) // published value; equal to White
	Green   = RGB(0, 200, 128)
	Blue    = RGB(0, 0, 255)
	Cyan    = RGB(0, 255, 255)
	Lime    = RGB(0, 255, 0)
	Yellow  = RGB(255, 255, 0)
	Orange  = RGB(255, 165, 0)
	Purple  = RGB(128, 0, 128)
	Magenta = RGB(255, 0, 255)
)

// NamedColor pairs a color with its name.
type NamedColor struct {
	Name  string
	Color Color
}

var namedColors = []NamedColor{
	{"Black", Black},
	{"White", White},
	{"Gray", Gray},
	{"Brown", Brown},
	{"Tan", Tan},
	{"Red", Red},
	{"Green", Green},
	{"Blue", Blue},
	{"Cyan", Cyan},
	{"Lime", Lime},
	{"Yellow", Yellow},
	{"Orange", Orange},
	{"Purple", Purple},
	{"Magenta", Magenta},
}

// Colors returns the named colors in their published order.
func Colors() []NamedColor {
	out := make([]NamedColor, len(namedColors))
	copy(out, namedColors)
	return out
}

// ColorByName looks up a named color, ignoring case.
func ColorByName(name string) (Color, bool) {
	for _, nc := range namedColors {
		if strings.EqualFold(nc.Name, name) {
			return nc.Color, true
		}
	}
	return Color{}, false
}

// ParseColor accepts a color name or a comma separated "r,g,b" or
// "r,g,b,a" tuple. A missing alpha is 255.
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if c, ok := ColorByName(s); ok {
		return c, nil
	}

	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	parts := strings.Split(s, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return Color{}, fmt.Errorf("font: invalid color %q: want a name or r,g,b[,a]", s)
	}

	v := [4]float32{0, 0, 0, 255}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return Color{}, fmt.Errorf("font: invalid color component %q: %w", p, err)
		}
		v[i] = float32(f)
	}
	return Color{R: v[0], G: v[1], B: v[2], A: v[3]}, nil
}
