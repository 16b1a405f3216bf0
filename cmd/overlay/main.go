// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command overlay draws text onto an image with a bitmap font.
//
// Usage:
//
//	overlay -i in.jpg -o out.png -text "hello" [-x 10 -y 10] [-color yellow]
//
// Lines in -text separated by "\n" are stacked one cell height apart.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	guda "github.com/LynnColeArt/guda-utils"
	"github.com/LynnColeArt/guda-utils/cudart"
	"github.com/LynnColeArt/guda-utils/font"
	"github.com/LynnColeArt/guda-utils/imageio"
)

func main() {
	var (
		input    = flag.String("i", "", "Input image")
		output   = flag.String("o", "overlay.png", "Output image (.png, .jpg, .bmp or .tiff)")
		text     = flag.String("text", "", "Text to draw; \\n starts a new line")
		x        = flag.Int("x", 0, "Left edge of the text")
		y        = flag.Int("y", 0, "Top edge of the text")
		colorArg = flag.String("color", "black", "Color name or r,g,b[,a]")
		fontPath = flag.String("font", font.DefaultBitmap, "Glyph atlas bitmap")
		useCUDA  = flag.Bool("cuda", false, "Allocate buffers through the CUDA runtime")
		version  = flag.Bool("version", false, "Print version and exit")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *version {
		v := guda.Version()
		if v == "" {
			v = "devel"
		}
		fmt.Println("overlay", v)
		return
	}
	if *verbose {
		guda.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		printDevice()
	}
	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	color, err := font.ParseColor(*colorArg)
	if err != nil {
		log.Fatal(err)
	}

	reg := guda.DefaultRegistry()
	if *useCUDA {
		rt, err := cudart.NewRuntime()
		if err != nil {
			log.Fatalf("Failed to load CUDA runtime: %v", err)
		}
		reg = guda.NewRegistry(rt)
	}

	img, err := imageio.Load(reg, *input)
	if err != nil {
		log.Fatalf("Failed to load image: %v", err)
	}
	defer img.Release()

	f, err := font.Create(*fontPath, font.WithRegistry(reg))
	if err != nil {
		log.Fatalf("Failed to create font: %v", err)
	}
	defer f.Close()

	lineHeight := f.Metrics().CellHeight
	var items []font.TextItem
	for i, line := range strings.Split(strings.ReplaceAll(*text, `\n`, "\n"), "\n") {
		items = append(items, font.TextItem{Text: line, X: *x, Y: *y + i*lineHeight})
	}

	if err := f.RenderOverlayBatch(img.Ptr(), guda.DevicePtr{}, img.Width, img.Height, items, color); err != nil {
		log.Fatalf("Failed to render overlay: %v", err)
	}
	if err := imageio.Save(*output, img.Ptr(), img.Width, img.Height); err != nil {
		log.Fatalf("Failed to save image: %v", err)
	}

	if *verbose {
		stats := reg.Stats()
		fmt.Fprintf(os.Stderr, "registry: %d live, %d allocations, %d releases\n",
			stats.Live, stats.Allocations, stats.Releases)
	}
	fmt.Printf("Wrote %s (%dx%d)\n", *output, img.Width, img.Height)
}

func printDevice() {
	dev := guda.GetDevice()
	fmt.Fprintf(os.Stderr, "Device %d: %s, %d cores, %d MB, features %v\n",
		dev.ID, dev.Name, dev.NumCores, dev.TotalMem>>20, dev.Features)
	if err := cudart.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "CUDA runtime: %v\n", err)
		return
	}
	if n, err := cudart.DeviceCount(); err == nil {
		fmt.Fprintf(os.Stderr, "CUDA devices: %d\n", n)
	}
}
