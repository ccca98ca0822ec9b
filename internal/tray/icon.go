// Package tray renders the tray icon and the tooltip text
package tray

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"runtime"
	"strings"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/models"
)

const (
	osWindows    = "windows"
	historySize  = 24 // two hours of five-minute readings
	colorUnknown = "#808080"
	colorStale   = "#9ca3af"
)

// IconGenerator draws tray icons colored by glucose status and keeps a short
// value history for the tooltip sparkline.
type IconGenerator struct {
	mu      sync.Mutex
	colors  config.ChartSettings
	history []float64
	face    *truetype.Font
	goos    string
}

// NewIconGenerator creates a generator using the chart colors
func NewIconGenerator(colors config.ChartSettings) *IconGenerator {
	f, _ := truetype.Parse(goregular.TTF)
	return &IconGenerator{
		colors:  colors,
		history: make([]float64, 0, historySize),
		face:    f,
		goos:    runtime.GOOS,
	}
}

// SetColors replaces the status colors
func (g *IconGenerator) SetColors(colors config.ChartSettings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.colors = colors
}

// SetHistory replaces the sparkline history with the newest values
func (g *IconGenerator) SetHistory(values []float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(values) > historySize {
		values = values[len(values)-historySize:]
	}
	g.history = append(g.history[:0], values...)
}

// AddHistory appends one value, dropping the oldest beyond two hours
func (g *IconGenerator) AddHistory(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, v)
	if len(g.history) > historySize {
		g.history = g.history[1:]
	}
}

// ClearHistory empties the sparkline history
func (g *IconGenerator) ClearHistory() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = g.history[:0]
}

// Label is the short text shown next to the icon
func Label(status *models.GlucoseStatus) string {
	if status == nil {
		return "---"
	}
	return fmt.Sprintf("%.1f %s", status.ValueMmol, status.Trend)
}

// Tooltip is the hover text of the tray icon. extra lines (IOB, COB, temp
// basal, sensor age) are appended as given.
func (g *IconGenerator) Tooltip(status *models.GlucoseStatus, extra ...string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if status == nil {
		return "Nightscout Chart - Loading..."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%.1f mmol/L %s  %s\n", status.ValueMmol, status.Trend, status.Delta)
	if spark := g.sparkline(); spark != "" {
		b.WriteString(spark)
		b.WriteByte('\n')
	}
	for _, line := range extra {
		if line != "" {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "%s, %s", formatStatus(status.Status), formatAge(status.StaleMinutes))
	if status.IsStale {
		b.WriteString(" ⚠")
	}
	if status.FetchError != "" {
		b.WriteString("\nNo fresh data (check connection)")
	}
	// Windows limits tooltips to 128 UTF-16 units
	if g.goos == osWindows {
		if r := []rune(b.String()); len(r) > 127 {
			return string(r[:127])
		}
	}
	return b.String()
}

func formatStatus(status string) string {
	switch status {
	case config.StatusUrgentLow:
		return "Urgent Low"
	case config.StatusUrgentHigh:
		return "Urgent High"
	case config.StatusLow:
		return "Low"
	case config.StatusHigh:
		return "High"
	case config.StatusNormal:
		return "In Range"
	}
	return status
}

func formatAge(minutes int) string {
	switch {
	case minutes < 1:
		return "just now"
	case minutes < 60:
		return fmt.Sprintf("%dm ago", minutes)
	}
	return fmt.Sprintf("%dh ago", minutes/60)
}

// sparkline draws the history as one row of braille bars
func (g *IconGenerator) sparkline() string {
	if len(g.history) < 2 {
		return ""
	}
	lo, hi := g.history[0], g.history[0]
	for _, v := range g.history {
		lo, hi = min(lo, v), max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	bars := []rune{'⣀', '⣤', '⣶', '⣿'}
	var b strings.Builder
	for _, v := range g.history {
		idx := int((v - lo) / span * float64(len(bars)-1))
		b.WriteRune(bars[idx])
	}
	return b.String()
}

// GenerateIcon renders the value and trend arrow on the status color. The
// result is ICO on Windows and PNG elsewhere.
func (g *IconGenerator) GenerateIcon(status *models.GlucoseStatus) []byte {
	const (
		width  = 64
		height = 64
		radius = 16
	)
	g.mu.Lock()
	bg := g.statusColor(status)
	face := g.face
	goos := g.goos
	g.mu.Unlock()

	dc := gg.NewContext(width, height)
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	r, gr, b := parseHexColor(bg)
	dc.SetRGB255(int(r), int(gr), int(b))
	dc.DrawRoundedRectangle(0, 0, width, height, radius)
	dc.Fill()

	// Dark text on light backgrounds
	if (int(r)*299+int(gr)*587+int(b)*114)/1000 > 128 {
		dc.SetColor(color.Black)
	} else {
		dc.SetColor(color.White)
	}

	text, trend := "---", models.TrendUnknown
	if status != nil {
		text = fmt.Sprintf("%.1f", status.ValueMmol)
		trend, _ = models.ParseDirection(status.Direction)
	}
	if face != nil {
		size := 34.0
		if len(text) > 3 {
			size = 28
		}
		dc.SetFontFace(truetype.NewFace(face, &truetype.Options{Size: size}))
		dc.DrawStringAnchored(text, width/2, height/2-12, 0.5, 0.5)
	}
	drawArrow(dc, width/2, height-16, 24, trend)

	if goos == osWindows {
		return imageToICO(dc.Image())
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil
	}
	return buf.Bytes()
}

// statusColor is gray when there is no reading or it is stale
func (g *IconGenerator) statusColor(status *models.GlucoseStatus) string {
	if status == nil {
		return colorUnknown
	}
	if status.IsStale {
		return colorStale
	}
	switch status.Status {
	case config.StatusUrgentLow, config.StatusUrgentHigh:
		return g.colors.ColorUrgent
	case config.StatusLow:
		return g.colors.ColorLow
	case config.StatusHigh:
		return g.colors.ColorHigh
	}
	return g.colors.ColorInRange
}

// arrowAngle is the clockwise rotation from straight up, false for no arrow
func arrowAngle(d models.TrendDirection) (float64, bool) {
	switch d {
	case models.TrendDoubleUp, models.TrendUp:
		return 0, true
	case models.TrendFlat:
		return 90, true
	case models.TrendDown, models.TrendDoubleDown:
		return 180, true
	}
	return 0, false
}

func drawArrow(dc *gg.Context, x, y, size float64, d models.TrendDirection) {
	angle, ok := arrowAngle(d)
	if !ok {
		return
	}
	dc.Push()
	defer dc.Pop()
	dc.Translate(x, y)
	dc.Rotate(gg.Radians(angle))

	if d == models.TrendDoubleUp || d == models.TrendDoubleDown {
		drawSingleArrow(dc, 0, -size/4, size*0.8)
		drawSingleArrow(dc, 0, size/4, size*0.8)
		return
	}
	drawSingleArrow(dc, 0, 0, size)
}

// drawSingleArrow fills an upward arrow of height s centered at ox, oy
func drawSingleArrow(dc *gg.Context, ox, oy, s float64) {
	w := s * 0.5
	dc.NewSubPath()
	dc.MoveTo(ox, oy-s/2)
	dc.LineTo(ox+w/2, oy)
	dc.LineTo(ox+w/6, oy)
	dc.LineTo(ox+w/6, oy+s/2)
	dc.LineTo(ox-w/6, oy+s/2)
	dc.LineTo(ox-w/6, oy)
	dc.LineTo(ox-w/2, oy)
	dc.ClosePath()
	dc.Fill()
}

// parseHexColor parses "#rrggbb"; anything else is black
func parseHexColor(hex string) (r, g, b byte) {
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	}
	return
}

// imageToICO wraps a PNG-encoded image in a single-entry ICO container
func imageToICO(img image.Image) []byte {
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		return nil
	}
	data := pngBuf.Bytes()

	var buf bytes.Buffer
	// ICONDIR: reserved, type 1 (icon), one image
	_ = binary.Write(&buf, binary.LittleEndian, [3]uint16{0, 1, 1})

	bounds := img.Bounds()
	dim := func(n int) byte {
		if n >= 256 {
			return 0
		}
		return byte(n)
	}
	// ICONDIRENTRY: size, no palette, 1 plane, 32 bpp, data length, offset 22
	buf.Write([]byte{dim(bounds.Dx()), dim(bounds.Dy()), 0, 0})
	_ = binary.Write(&buf, binary.LittleEndian, [2]uint16{1, 32})
	// #nosec G115 -- icon PNGs are far below 4 GiB
	_ = binary.Write(&buf, binary.LittleEndian, [2]uint32{uint32(len(data)), 22})
	buf.Write(data)
	return buf.Bytes()
}
