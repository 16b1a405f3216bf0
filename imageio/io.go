// Package imageio moves bitmaps between files and 4-channel float32 buffers
// held in guda memory. Pixels are stored row-major as R, G, B, A in the
// 0-255 range, 16 bytes per pixel.
//
// Decoding supports PNG, JPEG, GIF, BMP, TIFF and WebP. Encoding supports
// PNG, JPEG, BMP and TIFF, chosen by file extension.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // register WebP decoder

	guda "github.com/LynnColeArt/guda-utils"
)

// I/O errors.
var (
	// ErrUnsupportedFormat is returned when a file extension has no encoder.
	ErrUnsupportedFormat = errors.New("imageio: unsupported format")

	// ErrEmptyImage is returned for images with no pixels.
	ErrEmptyImage = errors.New("imageio: empty image")
)

// DefaultJPEGQuality is used by Save for .jpg and .jpeg files.
const DefaultJPEGQuality = 95

// Image is a float RGBA image in registry memory.
type Image struct {
	Handle *guda.Handle
	Width  int
	Height int
}

// Ptr returns the pixel buffer.
func (im *Image) Ptr() guda.DevicePtr {
	return im.Handle.Ptr()
}

// Pixels returns the pixel buffer as float32s, four per pixel.
func (im *Image) Pixels() []float32 {
	return im.Handle.Ptr().Float32()
}

// Release frees the pixel buffer.
func (im *Image) Release() {
	im.Handle.Release()
}

// ReadFile opens and decodes an image file into a standard image.
func ReadFile(path string) (image.Image, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, guda.NewResourceError("imageio.ReadFile", "open "+path, err)
	}
	defer func() { _ = f.Close() }()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, guda.NewResourceError("imageio.ReadFile", "decode "+path, err)
	}
	guda.Logger().Debug("decoded image", "path", path, "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return img, nil
}

// Load decodes the image at path into mapped memory from reg. A nil
// registry means guda.DefaultRegistry().
//
// Example:
//
//	img, err := imageio.Load(nil, "street.jpg")
//	if err != nil {
//		return err
//	}
//	defer img.Release()
func Load(reg *guda.Registry, path string) (*Image, error) {
	img, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromImage(reg, img)
}

// Decode reads an image of any registered format from r into mapped memory.
func Decode(reg *guda.Registry, r io.Reader) (*Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, guda.NewResourceError("imageio.Decode", "decode image", err)
	}
	return FromImage(reg, img)
}

// FromImage converts img to straight-alpha float RGBA in mapped memory.
func FromImage(reg *guda.Registry, img image.Image) (*Image, error) {
	if reg == nil {
		reg = guda.DefaultRegistry()
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, guda.NewResourceError("imageio.FromImage", "image has no pixels", ErrEmptyImage)
	}

	handle, err := reg.AllocateMapped(guda.ImageBytes(w, h))
	if err != nil {
		return nil, err
	}
	px := handle.Ptr().Float32()

	for y := 0; y < h; y++ {
		row := px[y*w*guda.PixelChannels:]
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := x * guda.PixelChannels
			row[i+0] = float32(c.R)
			row[i+1] = float32(c.G)
			row[i+2] = float32(c.B)
			row[i+3] = float32(c.A)
		}
	}
	return &Image{Handle: handle, Width: w, Height: h}, nil
}

// ToImage converts a float RGBA buffer into an 8-bit image, clamping each
// channel to [0, 255].
func ToImage(ptr guda.DevicePtr, width, height int) (*image.NRGBA, error) {
	need, ok := guda.ImageSize(width, height)
	if !ok {
		return nil, guda.NewInvalidArgError("imageio.ToImage", fmt.Sprintf("invalid size %dx%d", width, height))
	}
	px := ptr.Float32()
	if len(px) < need/4 {
		return nil, guda.NewInvalidArgError("imageio.ToImage",
			fmt.Sprintf("buffer of %d bytes too small for %dx%d", ptr.Size(), width, height))
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < need/4; i++ {
		out.Pix[i] = clamp8(px[i])
	}
	runtime.KeepAlive(ptr)
	return out, nil
}

// Save writes a float RGBA buffer to path, choosing the encoder from the
// file extension.
func Save(path string, ptr guda.DevicePtr, width, height int) error {
	img, err := ToImage(ptr, width, height)
	if err != nil {
		return err
	}
	return WriteFile(path, img)
}

// WriteFile encodes img to path, choosing the encoder from the extension.
func WriteFile(path string, img image.Image) error {
	format := FormatFromPath(path)
	if format == "" {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("imageio: create file: %w", err)
	}
	if err := Encode(f, format, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// FormatFromPath returns the encoder name for a file extension, or "" if
// none is available.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "png"
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".bmp":
		return "bmp"
	case ".tif", ".tiff":
		return "tiff"
	default:
		return ""
	}
}

// Encode writes img to w in the named format.
func Encode(w io.Writer, format string, img image.Image) error {
	var err error
	switch format {
	case "png":
		err = png.Encode(w, img)
	case "jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: DefaultJPEGQuality})
	case "bmp":
		err = bmp.Encode(w, img)
	case "tiff":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return fmt.Errorf("imageio: encode %s: %w", format, err)
	}
	return nil
}

func clamp8(v float32) uint8 {
	switch {
	case v <= 0 || v != v:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
