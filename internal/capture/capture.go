// Package capture encodes frames read back from the GPU to image files.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// Format is an image file encoding.
type Format uint8

const (
	FormatNone Format = iota
	FormatPNG
	FormatBMP
	FormatTIFF
)

func (f Format) String() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatBMP:
		return "bmp"
	case FormatTIFF:
		return "tiff"
	default:
		return "none"
	}
}

// ErrFormat is returned for file extensions without an encoder.
var ErrFormat = errors.New("capture: unsupported image format")

// FormatFor returns the format for a file extension, with or without the
// leading dot.
func FormatFor(ext string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return FormatPNG, nil
	case "bmp":
		return FormatBMP, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	}
	return FormatNone, fmt.Errorf("%w: %q", ErrFormat, ext)
}

// Scale returns img resized by factor with Catmull-Rom filtering. A factor
// of 1 or less than or equal to 0 returns img unchanged.
func Scale(img image.Image, factor float64) image.Image {
	if factor <= 0 || factor == 1 {
		return img
	}
	b := img.Bounds()
	w := max(int(float64(b.Dx())*factor+0.5), 1)
	h := max(int(float64(b.Dy())*factor+0.5), 1)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Write encodes img to w in format f.
func Write(w io.Writer, img image.Image, f Format) error {
	switch f {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatBMP:
		return bmp.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %s", ErrFormat, f)
	}
}

// Save writes img to path, scaled by factor, in the format named by the
// path's extension.
func Save(path string, img image.Image, factor float64) (err error) {
	f, err := FormatFor(filepath.Ext(path))
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(file)
	if err := Write(bw, Scale(img, factor), f); err != nil {
		return fmt.Errorf("capture: encode %s: %w", path, err)
	}
	return bw.Flush()
}
