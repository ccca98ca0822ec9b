package annotate

import (
	"fmt"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// Measurer reports the pixel size of a rendered label
type Measurer interface {
	Measure(text string) (w, h float64)
}

// FontMeasurer measures labels with the same embedded face the renderer
// draws them with.
type FontMeasurer struct {
	mu sync.Mutex
	dc *gg.Context
}

// NewFontMeasurer loads Go Regular at the given point size
func NewFontMeasurer(size float64) (*FontMeasurer, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	dc := gg.NewContext(1, 1)
	dc.SetFontFace(truetype.NewFace(f, &truetype.Options{Size: size}))
	return &FontMeasurer{dc: dc}, nil
}

// Measure implements Measurer
func (m *FontMeasurer) Measure(text string) (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dc.MeasureString(text)
}

// FixedMeasurer sizes every character the same. Useful where no font is loaded.
type FixedMeasurer struct {
	CharWidth float64
	Height    float64
}

// Measure implements Measurer
func (m FixedMeasurer) Measure(text string) (float64, float64) {
	return float64(len([]rune(text))) * m.CharWidth, m.Height
}
