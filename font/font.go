// Package font draws text onto RGBA float images in guda memory using a
// bitmap glyph atlas.
//
// An atlas is a single bitmap split into a grid of equally sized glyph
// cells. By default the grid is 16x16 and holds character codes 0-255;
// a JSON metrics file next to the bitmap can describe other layouts.
// Text is composited one logical thread per destination pixel, so
// overlapping glyphs blend in string order without races.
//
// Example:
//
//	f, err := font.Create("")
//	if err != nil {
//		return err
//	}
//	defer f.Close()
//
//	err = f.Overlay(img.Ptr(), img.Width, img.Height, "hello",
//		font.At(10, 10), font.WithColor(font.Yellow))
package font

import (
	"errors"
	"fmt"
	"image"
	"os"
	"runtime"
	"sync"
	"unsafe"

	guda "github.com/LynnColeArt/guda-utils"
)

// DefaultBitmap is the atlas loaded when Create is given an empty path. When
// it is absent from the working directory Create generates a 7x13 atlas.
const DefaultBitmap = "fontmapA.png"

// Block edge of the 2D launch over the text band.
const blockEdge = 16

// Font renders text from a glyph atlas. A Font is safe for concurrent use;
// concurrent renders into the same output buffer must be serialized by
// the caller.
type Font struct {
	mu    sync.RWMutex
	atlas *Atlas
	ctx   *guda.Context
	path  string
}

// Option configures Create.
type Option func(*options)

type options struct {
	reg     *guda.Registry
	ctx     *guda.Context
	metrics *Metrics
}

// WithRegistry allocates the atlas from reg. The default is the registry
// of the font's context.
func WithRegistry(reg *guda.Registry) Option {
	return func(o *options) { o.reg = reg }
}

// WithContext runs the overlay kernels on ctx instead of the default
// context.
func WithContext(ctx *guda.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithMetrics overrides the atlas grid instead of reading a metrics file
// or deriving the default grid.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = &m }
}

// Create loads the atlas bitmap at path. An empty path loads
// DefaultBitmap from the working directory; when that file is absent the
// atlas is generated from the built-in 7x13 face instead. Any other path
// must exist. It fails with a resource error when the bitmap cannot be
// read or decoded and with a memory error when the atlas cannot be
// allocated; no Font is returned on failure.
func Create(path string, opts ...Option) (*Font, error) {
	if path == "" {
		path = DefaultBitmap
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.ctx == nil {
		o.ctx = guda.DefaultContext()
	}
	if o.reg == nil {
		o.reg = o.ctx.Registry()
	}

	var (
		atlas *Atlas
		err   error
	)
	if path == DefaultBitmap && missing(path) {
		img, m := GenerateAtlas(nil)
		atlas, err = NewAtlas(o.reg, img, &m)
		path = "basicfont 7x13"
	} else {
		atlas, err = LoadAtlas(o.reg, path, o.metrics)
	}
	if err != nil {
		return nil, err
	}

	m := atlas.Metrics()
	guda.Logger().Info("created font", "path", path,
		"atlas", fmt.Sprintf("%dx%d", atlas.Width(), atlas.Height()),
		"cell", fmt.Sprintf("%dx%d", m.CellWidth, m.CellHeight),
		"glyphs", m.GlyphCount)

	return &Font{atlas: atlas, ctx: o.ctx, path: path}, nil
}

func missing(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, os.ErrNotExist)
}

// NewFromAtlas builds a Font over an existing atlas, which the Font then
// owns. A nil ctx means the default context.
func NewFromAtlas(atlas *Atlas, ctx *guda.Context) *Font {
	if ctx == nil {
		ctx = guda.DefaultContext()
	}
	return &Font{atlas: atlas, ctx: ctx}
}

// Close releases the atlas. Later calls on the Font fail; closing twice is
// a no-op.
func (f *Font) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.atlas != nil {
		f.atlas.Release()
		f.atlas = nil
		guda.Logger().Debug("closed font", "path", f.path)
	}
	return nil
}

// Metrics returns the atlas grid, or the zero Metrics after Close.
func (f *Font) Metrics() Metrics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.atlas == nil {
		return Metrics{}
	}
	return f.atlas.Metrics()
}

// Atlas returns the glyph atlas, or nil after Close.
func (f *Font) Atlas() *Atlas {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.atlas
}

// TextExtents returns the size of the box text occupies: one advance per
// character except the last, which takes a full cell.
func (f *Font) TextExtents(text string) (width, height int) {
	m := f.Metrics()
	n := 0
	for range text {
		n++
	}
	if n == 0 || m.CellWidth == 0 {
		return 0, 0
	}
	return (n-1)*m.Advance + m.CellWidth, m.CellHeight
}

// TextItem is one string of a batch render.
type TextItem struct {
	Text string
	X, Y int
}

// RenderOverlay composites text with its top-left corner at (x, y) onto
// input and writes the result to output. A nil output renders in place.
// When output differs from input, all of input is copied to output first,
// even for empty text.
//
// For each covered pixel inside the image the result is
//
//	a   = coverage * color.A / 255
//	rgb = a*color.rgb + (1-a)*background.rgb
//
// and the background alpha is kept. Pixels outside the image are clipped.
// Characters without a glyph draw nothing but still advance the pen.
//
// Only invalid arguments or a closed Font produce errors.
func (f *Font) RenderOverlay(input, output guda.DevicePtr, width, height int, text string, x, y int, color Color) error {
	return f.RenderOverlayBatch(input, output, width, height, []TextItem{{Text: text, X: x, Y: y}}, color)
}

// RenderOverlayBatch composites several strings in order, as if each were
// drawn by RenderOverlay onto the result of the previous one.
func (f *Font) RenderOverlayBatch(input, output guda.DevicePtr, width, height int, items []TextItem, color Color) error {
	const op = "font.RenderOverlay"

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.atlas == nil {
		return guda.NewInvalidArgError(op, "invalid font instance")
	}
	need, ok := guda.ImageSize(width, height)
	if !ok {
		return guda.NewInvalidArgError(op, fmt.Sprintf("invalid image dimensions %dx%d", width, height))
	}
	if input.IsNil() {
		return guda.NewInvalidArgError(op, "nil input image")
	}
	if output.IsNil() {
		output = input
	}
	for _, p := range []guda.DevicePtr{input, output} {
		if !p.HostAccessible() {
			return guda.NewInvalidArgError(op, "image buffer is device-only memory the host cannot address")
		}
		if p.Size() != 0 && p.Size() < need {
			return guda.NewInvalidArgError(op,
				fmt.Sprintf("buffer of %d bytes too small for %dx%d image", p.Size(), width, height))
		}
	}

	if output.Pointer() != input.Pointer() {
		if err := f.ctx.Memcpy(output, input, need, guda.MemcpyDeviceToDevice); err != nil {
			return err
		}
	}

	pixels := unsafe.Slice((*float32)(output.Pointer()), need/4)
	defer runtime.KeepAlive(output)
	for _, item := range items {
		if err := f.composite(pixels, width, height, item, color); err != nil {
			return err
		}
	}
	return nil
}

// layout is a string placed on the image: one atlas code per character
// slot, -1 for slots without a glyph.
type layout struct {
	codes []int
	x, y  int
}

func (f *Font) layout(item TextItem) layout {
	l := layout{x: item.X, y: item.Y}
	for _, r := range item.Text {
		code, ok := f.atlas.Code(r)
		if !ok {
			code = -1
		}
		l.codes = append(l.codes, code)
	}
	return l
}

// band returns the image region the layout can touch.
func (l layout) band(m Metrics, width, height int) image.Rectangle {
	if len(l.codes) == 0 {
		return image.Rectangle{}
	}
	r := image.Rect(l.x, l.y, l.x+(len(l.codes)-1)*m.Advance+m.CellWidth, l.y+m.CellHeight)
	return r.Intersect(image.Rect(0, 0, width, height))
}

func (f *Font) composite(pixels []float32, width, height int, item TextItem, color Color) error {
	atlas := f.atlas
	m := atlas.Metrics()
	l := f.layout(item)

	band := l.band(m, width, height)
	if band.Empty() {
		return nil
	}

	cells := make([]image.Rectangle, len(l.codes))
	for i, code := range l.codes {
		if code >= 0 {
			cells[i] = atlas.Cell(code)
		}
	}
	alpha := color.A / 255

	kernel := func(tid guda.ThreadID, args ...interface{}) {
		px := band.Min.X + tid.GlobalX()
		py := band.Min.Y + tid.GlobalY()
		if px >= band.Max.X || py >= band.Max.Y {
			return
		}
		ly := py - l.y

		// Slots whose cell spans column px, in string order
		first := floorDiv(px-l.x-m.CellWidth, m.Advance) + 1
		last := floorDiv(px-l.x, m.Advance)
		if first < 0 {
			first = 0
		}
		if last >= len(l.codes) {
			last = len(l.codes) - 1
		}

		i := (py*width + px) * guda.PixelChannels
		for slot := first; slot <= last; slot++ {
			if l.codes[slot] < 0 {
				continue
			}
			cell := cells[slot]
			lx := px - (l.x + slot*m.Advance)
			cov := atlas.Coverage(cell.Min.X+lx, cell.Min.Y+ly)
			if cov <= 0 {
				continue
			}
			a := cov * alpha
			pixels[i+0] = a*color.R + (1-a)*pixels[i+0]
			pixels[i+1] = a*color.G + (1-a)*pixels[i+1]
			pixels[i+2] = a*color.B + (1-a)*pixels[i+2]
		}
	}

	grid := guda.Dim3{
		X: (band.Dx() + blockEdge - 1) / blockEdge,
		Y: (band.Dy() + blockEdge - 1) / blockEdge,
		Z: 1,
	}
	block := guda.Dim3{X: blockEdge, Y: blockEdge, Z: 1}

	guda.Logger().Debug("font overlay", "text", item.Text, "band", band)
	if err := f.ctx.LaunchFuncWait(kernel, grid, block); err != nil {
		return guda.NewExecutionError("font.RenderOverlay", "overlay kernel", err)
	}
	return nil
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// RenderOption configures Overlay.
type RenderOption func(*renderConfig)

type renderConfig struct {
	x, y   int
	color  Color
	output guda.DevicePtr
}

// At sets the top-left corner of the text. The default is (0, 0).
func At(x, y int) RenderOption {
	return func(c *renderConfig) { c.x, c.y = x, y }
}

// WithColor sets the text color. The default is Black.
func WithColor(color Color) RenderOption {
	return func(c *renderConfig) { c.color = color }
}

// WithOutput writes the result to output instead of rendering in place.
func WithOutput(output guda.DevicePtr) RenderOption {
	return func(c *renderConfig) { c.output = output }
}

// Overlay is RenderOverlay with defaults: text at (0, 0) in Black, drawn in
// place.
func (f *Font) Overlay(input guda.DevicePtr, width, height int, text string, opts ...RenderOption) error {
	c := renderConfig{color: Black}
	for _, opt := range opts {
		opt(&c)
	}
	return f.RenderOverlay(input, c.output, width, height, text, c.x, c.y, c.color)
}
