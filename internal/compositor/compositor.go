// Package compositor renders a marketplace detail page: title, editor copy
// and the selected detail images stacked into one tall raster.
package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"strings"
	"time"

	"github.com/nfnt/resize"
	"golang.org/x/image/font/opentype"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

var (
	// ErrCanvas means no canvas of the required size could be acquired.
	ErrCanvas = errors.New("canvas unavailable")
	// ErrEmptyComposition means there was no text and no image survived loading.
	ErrEmptyComposition = errors.New("nothing to compose")
)

var (
	background   = color.White
	titleColor   = color.RGBA{R: 0x11, G: 0x11, B: 0x11, A: 0xff}
	commentColor = color.RGBA{R: 0x44, G: 0x44, B: 0x44, A: 0xff}
)

// Input is one compose request.
type Input struct {
	Title     string
	Comment   string
	ImageURLs []string
}

// Output is the encoded page.
type Output struct {
	Filename      string
	ContentType   string
	Data          []byte
	Width         int
	Height        int
	ImagesUsed    int
	ImagesSkipped int
	Truncated     bool
}

// Compositor lays out and rasterizes detail pages. It is safe for concurrent
// use: font faces hold glyph buffers, so each Compose call sizes its own.
type Compositor struct {
	cfg       config.CompositorConfig
	font      *opentype.Font
	titleSize float64
	bodySize  float64
	tokenizer Tokenizer
	loader    ImageLoader
	newCanvas CanvasFactory
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a compositor from configuration.
func New(cfg config.CompositorConfig, loader ImageLoader, logger *slog.Logger) (*Compositor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Width <= 2*cfg.Padding {
		return nil, fmt.Errorf("compositor width %d must exceed twice the padding %d", cfg.Width, cfg.Padding)
	}
	if cfg.MaxHeight <= 0 {
		return nil, fmt.Errorf("compositor max height must be positive")
	}
	f, err := loadFont(cfg.FontPath)
	if err != nil {
		return nil, err
	}
	c := &Compositor{
		cfg:       cfg,
		font:      f,
		titleSize: orFloat(cfg.TitleSize, 34),
		bodySize:  orFloat(cfg.CommentSize, 22),
		tokenizer: TokenizerFor(cfg.Locale),
		loader:    loader,
		newCanvas: NewRasterCanvas,
		logger:    logger,
		now:       time.Now,
	}
	// Fail fast on sizes the font cannot be rendered at.
	title, body, err := c.faces()
	if err != nil {
		return nil, err
	}
	_ = title.Close()
	_ = body.Close()
	return c, nil
}

// faces sizes fresh title and body faces for one composition.
func (c *Compositor) faces() (title, body *face, err error) {
	if title, err = newFace(c.font, c.titleSize, c.cfg.LineSpacing); err != nil {
		return nil, nil, err
	}
	if body, err = newFace(c.font, c.bodySize, c.cfg.LineSpacing); err != nil {
		return nil, nil, err
	}
	return title, body, nil
}

func orFloat(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}

type placed struct {
	img image.Image
	y   int
}

// Compose measures the text, loads images one at a time until the next one
// would cross the height ceiling, then draws and encodes the page. Images
// that fail to load are skipped.
func (c *Compositor) Compose(ctx context.Context, in Input) (*Output, error) {
	logger := c.logger.With("images_requested", len(in.ImageURLs))
	titleFace, bodyFace, err := c.faces()
	if err != nil {
		return nil, err
	}
	defer titleFace.Close()
	defer bodyFace.Close()

	gap := c.cfg.Padding / 2
	p := measure(in.Title, in.Comment, c.cfg.Width, c.cfg.Padding, gap, titleFace, bodyFace, c.tokenizer)

	urls := in.ImageURLs
	if c.cfg.MaxImages > 0 && len(urls) > c.cfg.MaxImages {
		urls = urls[:c.cfg.MaxImages]
	}

	var (
		images    []placed
		skipped   int
		truncated bool
		y         = p.imageTop
		bottom    = p.imageTop - gap
	)
	if p.title.height() == 0 && p.comment.height() == 0 {
		bottom = p.padding
	}
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		img, err := c.loader.Load(ctx, u)
		if err != nil {
			skipped++
			logger.Debug("detail image skipped", "image_url", u, "error", err)
			continue
		}
		b := img.Bounds()
		if b.Dx() <= 0 || b.Dy() <= 0 {
			skipped++
			continue
		}
		h := scaledHeight(b.Dx(), b.Dy(), p.contentWidth)
		if y+h+p.padding > c.cfg.MaxHeight {
			truncated = true
			break
		}
		images = append(images, placed{img: resize.Resize(uint(p.contentWidth), uint(h), img, resize.Lanczos3), y: y})
		bottom = y + h
		y = bottom + c.cfg.ImageSpacing
	}

	if len(images) == 0 && strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Comment) == "" {
		return nil, ErrEmptyComposition
	}

	height := bottom + p.padding
	if height > c.cfg.MaxHeight {
		return nil, fmt.Errorf("%w: text alone needs %d px, ceiling is %d", ErrCanvas, height, c.cfg.MaxHeight)
	}
	canvas, err := c.newCanvas(c.cfg.Width, height)
	if err != nil {
		if errors.Is(err, ErrCanvas) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCanvas, err)
	}

	canvas.Fill(background)
	c.drawBlock(canvas, p.title, p.titleTop, p.padding, titleFace, titleColor)
	c.drawBlock(canvas, p.comment, p.commentTop, p.padding, bodyFace, commentColor)
	for _, pl := range images {
		canvas.DrawImage(pl.img, p.padding, pl.y)
	}

	format := c.cfg.Format
	if format == "" {
		format = "jpeg"
	}
	var buf bytes.Buffer
	if err := canvas.Encode(&buf, format, c.cfg.JPEGQuality); err != nil {
		return nil, fmt.Errorf("encode detail page: %w", err)
	}

	out := &Output{
		Filename:      Filename(c.now(), format),
		ContentType:   contentType(format),
		Data:          buf.Bytes(),
		Width:         c.cfg.Width,
		Height:        height,
		ImagesUsed:    len(images),
		ImagesSkipped: skipped,
		Truncated:     truncated,
	}
	logger.Info("detail page composed", "height", height, "images_used", out.ImagesUsed,
		"images_skipped", skipped, "truncated", truncated, "bytes", len(out.Data))
	return out, nil
}

func (c *Compositor) drawBlock(canvas Canvas, b block, top, left int, f *face, col color.Color) {
	for i, line := range b.lines {
		if line == "" {
			continue
		}
		baseline := top + i*b.lineHeight + f.ascent
		canvas.DrawText(left, baseline, line, f.Face, col)
	}
}

func scaledHeight(w, h, targetWidth int) int {
	scaled := (h*targetWidth + w/2) / w
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// Filename is the download name for a page composed at t.
func Filename(t time.Time, format string) string {
	ext := "jpg"
	if format == "png" {
		ext = "png"
	}
	return fmt.Sprintf("detail_page_%s.%s", t.Format("20060102_150405"), ext)
}

func contentType(format string) string {
	if format == "png" {
		return "image/png"
	}
	return "image/jpeg"
}
