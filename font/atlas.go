package font

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/charmap"

	guda "github.com/LynnColeArt/guda-utils"
	"github.com/LynnColeArt/guda-utils/imageio"
)

// DefaultGrid is the number of glyph cells per row and column of an atlas
// without a metrics file. The cells hold character codes 0-255 in order.
const DefaultGrid = 16

// ErrInvalidMetrics is wrapped by errors for metrics that do not describe
// the atlas bitmap.
var ErrInvalidMetrics = errors.New("font: invalid atlas metrics")

// Metrics describes the glyph grid of an atlas bitmap. Glyph code c lives
// in cell c-FirstChar, counted row-major from the top-left corner.
//
// Baseline is informational: the compositor places text by the top edge
// of its cells and never reads it. It is carried for callers that align
// text to a baseline themselves. Zero means unset and reads back as
// CellHeight, so a baseline on the cell's top row cannot be stored.
type Metrics struct {
	Columns    int `json:"columns"`
	Rows       int `json:"rows"`
	FirstChar  int `json:"first_char"`
	GlyphCount int `json:"glyph_count"`
	CellWidth  int `json:"cell_width"`
	CellHeight int `json:"cell_height"`
	Advance    int `json:"advance,omitempty"`  // pen step per character; defaults to CellWidth
	Baseline   int `json:"baseline,omitempty"` // rows from cell top to the baseline; defaults to CellHeight
}

// DefaultMetrics returns the 16x16 grid metrics for a bitmap of the given
// size.
func DefaultMetrics(width, height int) Metrics {
	cw, ch := width/DefaultGrid, height/DefaultGrid
	return Metrics{
		Columns:    DefaultGrid,
		Rows:       DefaultGrid,
		FirstChar:  0,
		GlyphCount: DefaultGrid * DefaultGrid,
		CellWidth:  cw,
		CellHeight: ch,
		Advance:    cw,
		Baseline:   ch,
	}
}

// withDefaults fills the optional fields.
func (m Metrics) withDefaults() Metrics {
	if m.Advance == 0 {
		m.Advance = m.CellWidth
	}
	if m.Baseline == 0 {
		m.Baseline = m.CellHeight
	}
	if m.GlyphCount == 0 {
		m.GlyphCount = m.Columns * m.Rows
	}
	return m
}

// Validate checks m against a bitmap of the given size.
func (m Metrics) Validate(width, height int) error {
	switch {
	case m.Columns <= 0 || m.Rows <= 0:
		return fmt.Errorf("%w: grid %dx%d", ErrInvalidMetrics, m.Columns, m.Rows)
	case m.CellWidth <= 0 || m.CellHeight <= 0:
		return fmt.Errorf("%w: cell %dx%d", ErrInvalidMetrics, m.CellWidth, m.CellHeight)
	case m.Columns*m.CellWidth > width || m.Rows*m.CellHeight > height:
		return fmt.Errorf("%w: %dx%d cells of %dx%d exceed %dx%d bitmap", ErrInvalidMetrics,
			m.Columns, m.Rows, m.CellWidth, m.CellHeight, width, height)
	case m.FirstChar < 0 || m.GlyphCount <= 0 || m.GlyphCount > m.Columns*m.Rows:
		return fmt.Errorf("%w: %d glyphs from code %d in %d cells", ErrInvalidMetrics,
			m.GlyphCount, m.FirstChar, m.Columns*m.Rows)
	case m.Advance < 1:
		return fmt.Errorf("%w: advance %d", ErrInvalidMetrics, m.Advance)
	case m.Baseline < 0 || m.Baseline > m.CellHeight:
		return fmt.Errorf("%w: baseline %d", ErrInvalidMetrics, m.Baseline)
	}
	return nil
}

// MetricsPath returns the metrics file that accompanies a bitmap: the same
// path with a .json extension.
func MetricsPath(bitmapPath string) string {
	return strings.TrimSuffix(bitmapPath, filepath.Ext(bitmapPath)) + ".json"
}

// LoadMetrics reads a metrics file.
func LoadMetrics(path string) (Metrics, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Metrics{}, err
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return Metrics{}, fmt.Errorf("font: parse %s: %w", path, err)
	}
	return m.withDefaults(), nil
}

// Atlas is a glyph bitmap converted to a coverage plane in [0, 1], one
// float32 per pixel, held in mapped memory. It is read-only once built.
type Atlas struct {
	handle   *guda.Handle
	coverage []float32
	width    int
	height   int
	metrics  Metrics
}

// LoadAtlas decodes the bitmap at path into an atlas. If m is nil the
// metrics come from MetricsPath(path) when that file exists, and from
// DefaultMetrics otherwise.
func LoadAtlas(reg *guda.Registry, path string, m *Metrics) (*Atlas, error) {
	const op = "font.LoadAtlas"

	img, err := imageio.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if m == nil {
		sidecar := MetricsPath(path)
		loaded, err := LoadMetrics(sidecar)
		switch {
		case err == nil:
			guda.Logger().Debug("using atlas metrics file", "path", sidecar)
			m = &loaded
		case !errors.Is(err, os.ErrNotExist):
			return nil, guda.NewResourceError(op, "read metrics "+sidecar, err)
		}
	}
	return NewAtlas(reg, img, m)
}

// NewAtlas converts img into an atlas. Coverage is taken from alpha when
// the image has any transparent pixel and from luminance otherwise. A nil
// m selects DefaultMetrics.
func NewAtlas(reg *guda.Registry, img image.Image, m *Metrics) (*Atlas, error) {
	const op = "font.NewAtlas"
	if reg == nil {
		reg = guda.DefaultRegistry()
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var metrics Metrics
	if m != nil {
		metrics = m.withDefaults()
	} else {
		metrics = DefaultMetrics(w, h)
	}
	if err := metrics.Validate(w, h); err != nil {
		return nil, guda.NewResourceError(op, "atlas metrics", err)
	}

	handle, err := reg.AllocateMapped(w * h * 4)
	if err != nil {
		return nil, err
	}
	coverage := handle.Ptr().Float32()

	useAlpha := hasTransparency(img)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			var v uint16
			if useAlpha {
				v = color.Alpha16Model.Convert(c).(color.Alpha16).A
			} else {
				v = color.Gray16Model.Convert(c).(color.Gray16).Y
			}
			coverage[y*w+x] = float32(v) / 0xffff
		}
	}

	return &Atlas{
		handle:   handle,
		coverage: coverage,
		width:    w,
		height:   h,
		metrics:  metrics,
	}, nil
}

func hasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

// Width returns the bitmap width in pixels.
func (a *Atlas) Width() int { return a.width }

// Height returns the bitmap height in pixels.
func (a *Atlas) Height() int { return a.height }

// Metrics returns the glyph grid.
func (a *Atlas) Metrics() Metrics { return a.metrics }

// Handle returns the memory holding the coverage plane.
func (a *Atlas) Handle() *guda.Handle { return a.handle }

// Coverage returns the coverage at atlas pixel (x, y), or 0 outside the
// bitmap.
func (a *Atlas) Coverage(x, y int) float32 {
	if x < 0 || y < 0 || x >= a.width || y >= a.height {
		return 0
	}
	return a.coverage[y*a.width+x]
}

// Code maps r to its atlas code. Runes that Latin-1 cannot encode, and
// codes outside the atlas range, report false.
func (a *Atlas) Code(r rune) (int, bool) {
	b, ok := charmap.ISO8859_1.EncodeRune(r)
	if !ok {
		return 0, false
	}
	code := int(b)
	if code < a.metrics.FirstChar || code >= a.metrics.FirstChar+a.metrics.GlyphCount {
		return 0, false
	}
	return code, true
}

// Cell returns the atlas rectangle of glyph code.
func (a *Atlas) Cell(code int) image.Rectangle {
	m := a.metrics
	i := code - m.FirstChar
	x := (i % m.Columns) * m.CellWidth
	y := (i / m.Columns) * m.CellHeight
	return image.Rect(x, y, x+m.CellWidth, y+m.CellHeight)
}

// Release frees the coverage plane.
func (a *Atlas) Release() {
	a.coverage = nil
	a.handle.Release()
}
