package font

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"unicode"

	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/encoding/charmap"

	"github.com/LynnColeArt/guda-utils/imageio"
)

// GenerateAtlas renders Latin-1 codes 0-255 of face into a 16x16 grid of
// white glyphs on a transparent background. Codes that are control
// characters or missing from face leave their cell empty. A nil face
// uses basicfont.Face7x13.
func GenerateAtlas(face xfont.Face) (*image.NRGBA, Metrics) {
	if face == nil {
		face = basicfont.Face7x13
	}

	fm := face.Metrics()
	ascent := fm.Ascent.Ceil()
	cellH := ascent + fm.Descent.Ceil()
	cellW := 0
	for code := 0; code < DefaultGrid*DefaultGrid; code++ {
		r := charmap.ISO8859_1.DecodeByte(byte(code))
		if adv, ok := face.GlyphAdvance(r); ok && adv.Ceil() > cellW {
			cellW = adv.Ceil()
		}
	}
	if cellW == 0 {
		cellW = cellH / 2
	}

	m := Metrics{
		Columns:    DefaultGrid,
		Rows:       DefaultGrid,
		FirstChar:  0,
		GlyphCount: DefaultGrid * DefaultGrid,
		CellWidth:  cellW,
		CellHeight: cellH,
		Advance:    cellW,
		Baseline:   ascent,
	}
	img := image.NewNRGBA(image.Rect(0, 0, DefaultGrid*cellW, DefaultGrid*cellH))

	for code := 0; code < m.GlyphCount; code++ {
		r := charmap.ISO8859_1.DecodeByte(byte(code))
		if unicode.IsControl(r) {
			continue
		}
		if _, _, ok := face.GlyphBounds(r); !ok {
			continue
		}
		x := (code % DefaultGrid) * cellW
		y := (code / DefaultGrid) * cellH
		cell := img.SubImage(image.Rect(x, y, x+cellW, y+cellH)).(*image.NRGBA)

		d := &xfont.Drawer{
			Dst:  cell,
			Src:  image.White,
			Face: face,
			Dot:  fixed.P(x, y+ascent),
		}
		d.DrawString(string(r))
	}
	return img, m
}

// OpenTypeFace parses a TrueType or OpenType font file and returns a face
// at the given pixel size.
func OpenTypeFace(data []byte, size float64) (xfont.Face, error) {
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("font: parse: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: xfont.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("font: new face: %w", err)
	}
	return face, nil
}

// WriteAtlas writes img to path and m to MetricsPath(path).
func WriteAtlas(path string, img image.Image, m Metrics) error {
	if err := imageio.WriteFile(path, img); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(MetricsPath(path)), append(data, '\n'), 0o644)
}
