package compositor

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

// face is a sized font plus the metrics layout needs.
type face struct {
	font.Face
	lineHeight int
	ascent     int
}

// Measure returns the advance width of s in whole pixels.
func (f *face) Measure(s string) int {
	return font.MeasureString(f.Face, s).Ceil()
}

// loadFont parses the TrueType/OpenType file at path, or the embedded Go font
// when path is empty. The Go font has no Hangul glyphs, so Korean deployments
// point font_path at a Hangul-capable font.
func loadFont(path string) (*opentype.Font, error) {
	data := goregular.TTF
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read font %s: %w", path, err)
		}
		data = raw
	}
	parsed, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return parsed, nil
}

func newFace(f *opentype.Font, size, lineSpacing float64) (*face, error) {
	ff, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}
	if lineSpacing <= 0 {
		lineSpacing = 1
	}
	metrics := ff.Metrics()
	return &face{
		Face:       ff,
		lineHeight: int(math.Ceil(float64(metrics.Height.Ceil()) * lineSpacing)),
		ascent:     metrics.Ascent.Ceil(),
	}, nil
}
