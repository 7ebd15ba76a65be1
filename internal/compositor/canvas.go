package compositor

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

// Canvas is the raster surface a detail page is drawn on.
type Canvas interface {
	Fill(c color.Color)
	DrawText(x, baseline int, s string, f font.Face, c color.Color)
	DrawImage(img image.Image, x, y int)
	Encode(w io.Writer, format string, quality int) error
}

// CanvasFactory acquires a canvas of the given size.
type CanvasFactory func(width, height int) (Canvas, error)

// rasterCanvas draws into an in-memory RGBA image.
type rasterCanvas struct {
	img *image.RGBA
}

// maxCanvasPixels bounds a single allocation (about 1 GiB of RGBA).
const maxCanvasPixels = 256 << 20

// NewRasterCanvas allocates an RGBA canvas.
func NewRasterCanvas(width, height int) (Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrCanvas, width, height)
	}
	if int64(width)*int64(height) > maxCanvasPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel budget", ErrCanvas, width, height)
	}
	return &rasterCanvas{img: image.NewRGBA(image.Rect(0, 0, width, height))}, nil
}

func (c *rasterCanvas) Fill(col color.Color) {
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(col), image.Point{}, draw.Src)
}

func (c *rasterCanvas) DrawText(x, baseline int, s string, f font.Face, col color.Color) {
	d := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(col),
		Face: f,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(s)
}

func (c *rasterCanvas) DrawImage(img image.Image, x, y int) {
	b := img.Bounds()
	draw.Draw(c.img, image.Rect(x, y, x+b.Dx(), y+b.Dy()), img, b.Min, draw.Over)
}

func (c *rasterCanvas) Encode(w io.Writer, format string, quality int) error {
	switch format {
	case "png":
		return png.Encode(w, c.img)
	case "jpeg", "jpg", "":
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		return jpeg.Encode(w, c.img, &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
