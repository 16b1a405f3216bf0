// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fontmap writes a glyph atlas bitmap and its metrics file for use
// with font.Create.
//
// Usage:
//
//	fontmap [-o fontmapA.png] [-ttf file.ttf | -gomono] [-size 13]
//
// Without -ttf or -gomono the built-in 7x13 bitmap face is used.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"

	guda "github.com/LynnColeArt/guda-utils"
	"github.com/LynnColeArt/guda-utils/font"
)

func main() {
	var (
		output  = flag.String("o", font.DefaultBitmap, "Output bitmap (.png, .bmp or .tiff)")
		ttfPath = flag.String("ttf", "", "TrueType or OpenType font to rasterize")
		useMono = flag.Bool("gomono", false, "Rasterize the Go Mono font")
		size    = flag.Float64("size", 13, "Pixel size for -ttf and -gomono")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *verbose {
		guda.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	face, err := loadFace(*ttfPath, *useMono, *size)
	if err != nil {
		log.Fatalf("Failed to load face: %v", err)
	}
	if face != nil {
		defer face.Close()
	}

	img, m := font.GenerateAtlas(face)
	if err := font.WriteAtlas(*output, img, m); err != nil {
		log.Fatalf("Failed to write atlas: %v", err)
	}

	fmt.Printf("Wrote %s (%dx%d, %dx%d cells) and %s\n",
		*output, img.Bounds().Dx(), img.Bounds().Dy(), m.CellWidth, m.CellHeight, font.MetricsPath(*output))
}

// loadFace returns nil for the built-in face.
func loadFace(ttfPath string, useMono bool, size float64) (xfont.Face, error) {
	switch {
	case ttfPath != "":
		data, err := os.ReadFile(ttfPath)
		if err != nil {
			return nil, err
		}
		return font.OpenTypeFace(data, size)
	case useMono:
		return font.OpenTypeFace(gomono.TTF, size)
	default:
		return nil, nil
	}
}
