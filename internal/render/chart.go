// Package render draws a pipeline snapshot as a PNG chart: glucose plot with
// treatment labels on top, basal panel below.
package render

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/samber/lo"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/nightscout-chart/internal/annotate"
	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/derive"
	"github.com/mrcode/nightscout-chart/internal/models"
	"github.com/mrcode/nightscout-chart/internal/pipeline"
)

// LabelSize is the point size of treatment labels. The annotation engine must
// measure with the same size for the boxes to match what is drawn.
const LabelSize = 9.0

// Frame around the plot areas, in pixels
const (
	marginLeft   = 40.0
	marginRight  = 12.0
	headerHeight = 24.0
	panelGap     = 10.0
	footerHeight = 18.0
	// basal panel to glucose plot height ratio
	basalRatio = 2.0 / 3.0
)

const (
	colorBackground = "#121212"
	colorPlot       = "#0f0f0f"
	colorGrid       = "#444444"
	colorText       = "#cfcfcf"
	colorGlucose    = "#1f77b4"
	colorTarget     = "#2a3b4d"
	colorCarbs      = "#2ca02c"
	colorBolus      = "#d62728"
	colorBasal      = "#2ca02c"
	colorScheduled  = "#555555"
	colorDeviation  = "#ff7f0e48"
	colorLabelFill  = "#111111"
	colorNow        = "#e0e0e0"
	colorCursor     = "#f0f0f0"
)

// Options configures a Renderer
type Options struct {
	Colors     config.ChartSettings
	ShowTarget bool
	ShowNow    bool
}

// OptionsFromSettings takes the chart settings
func OptionsFromSettings(s *config.Settings) Options {
	c := s.Clone()
	return Options{Colors: c.Chart, ShowTarget: c.Chart.ShowTarget, ShowNow: c.Chart.ShowNow}
}

// Renderer draws snapshots. It holds parsed fonts only and is safe for
// concurrent use.
type Renderer struct {
	opts Options
	font *truetype.Font
}

// New parses the embedded font
func New(opts Options) (*Renderer, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return &Renderer{opts: opts, font: f}, nil
}

func (r *Renderer) face(size float64) font.Face {
	return truetype.NewFace(r.font, &truetype.Options{Size: size})
}

// frame is the pixel geometry of one drawing
type frame struct {
	axis   annotate.Axis
	plotX  float64
	plotY  float64
	basalY float64
	basalH float64
	width  int
	height int
}

func newFrame(axis annotate.Axis) frame {
	if axis.Width <= 0 || axis.Height <= 0 {
		axis.Width, axis.Height = 900, 420
	}
	f := frame{axis: axis, plotX: marginLeft, plotY: headerHeight}
	f.basalH = math.Round(axis.Height * basalRatio)
	f.basalY = f.plotY + axis.Height + panelGap
	f.width = int(marginLeft + axis.Width + marginRight)
	f.height = int(f.basalY + f.basalH + footerHeight)
	return f
}

// x maps a time onto the canvas
func (f frame) x(t time.Time) float64 { return f.plotX + f.axis.X(t) }

// y maps a glucose value onto the canvas
func (f frame) y(v float64) float64 { return f.plotY + f.axis.Y(v) }

// Render draws the snapshot. cursor, when non-nil, draws the hover line and
// the values under it.
func (r *Renderer) Render(snap *pipeline.Snapshot, cursor *time.Time) image.Image {
	f := newFrame(snap.Axis)
	dc := gg.NewContext(f.width, f.height)
	dc.SetHexColor(colorBackground)
	dc.Clear()

	r.drawHeader(dc, f, snap)
	r.drawGlucosePanel(dc, f, snap)
	r.drawBasalPanel(dc, f, snap)
	r.drawTimeAxis(dc, f)
	if r.opts.ShowNow {
		r.drawNow(dc, f, snap.Generated)
	}
	if cursor != nil {
		r.drawCursor(dc, f, snap, *cursor)
	}
	return dc.Image()
}

// WritePNG renders the snapshot as PNG into w
func (r *Renderer) WritePNG(w io.Writer, snap *pipeline.Snapshot, cursor *time.Time) error {
	if err := png.Encode(w, r.Render(snap, cursor)); err != nil {
		return fmt.Errorf("failed to encode chart: %w", err)
	}
	return nil
}

// Summary is the one-line context text drawn above the plot
func Summary(snap *pipeline.Snapshot) string {
	parts := []string{}
	if snap.HasLatest {
		parts = append(parts, fmt.Sprintf("%.1f %s  %s", snap.Latest.Value, snap.Latest.Trend.Arrow(), derive.DeltaText(snap.Latest)))
	} else {
		parts = append(parts, "---")
	}
	ctx := snap.Context
	if ctx.IOB.State != models.NotApplicable {
		parts = append(parts, derive.IOBText(ctx.IOB))
	}
	if ctx.COB.State != models.NotApplicable {
		parts = append(parts, derive.COBText(ctx.COB))
	}
	if tb := derive.TempBasalText(ctx.TempBasal); tb != "" {
		parts = append(parts, tb)
	}
	if ctx.SensorAge.State != models.NotApplicable {
		parts = append(parts, derive.SensorAgeText(ctx.SensorAge))
	}
	if snap.Stale() {
		parts = append(parts, "stale")
	}
	return strings.Join(parts, "  |  ")
}

func (r *Renderer) drawHeader(dc *gg.Context, f frame, snap *pipeline.Snapshot) {
	dc.SetFontFace(r.face(11))
	dc.SetHexColor(colorText)
	if snap.HasLatest && !snap.Stale() {
		dc.SetHexColor(r.valueColor(snap.Latest.Value, snap))
	}
	dc.DrawStringAnchored(Summary(snap), f.plotX, headerHeight/2, 0, 0.5)
}

func (r *Renderer) valueColor(v float64, snap *pipeline.Snapshot) string {
	switch {
	case v < snap.TargetLow:
		return r.opts.Colors.ColorLow
	case v > snap.TargetHigh:
		return r.opts.Colors.ColorHigh
	}
	return r.opts.Colors.ColorInRange
}

func (r *Renderer) drawGlucosePanel(dc *gg.Context, f frame, snap *pipeline.Snapshot) {
	a := f.axis
	dc.SetHexColor(colorPlot)
	dc.DrawRectangle(f.plotX, f.plotY, a.Width, a.Height)
	dc.Fill()

	if r.opts.ShowTarget && snap.TargetHigh > snap.TargetLow {
		top := math.Max(f.y(snap.TargetHigh), f.plotY)
		bottom := math.Min(f.y(snap.TargetLow), f.plotY+a.Height)
		dc.SetHexColor(colorTarget)
		dc.DrawRectangle(f.plotX, top, a.Width, bottom-top)
		dc.Fill()
	}

	// horizontal grid every whole mmol/L step that keeps at most eight lines
	step := math.Max(1, math.Ceil((a.YMax-a.YMin)/8))
	dc.SetFontFace(r.face(8))
	for v := math.Ceil(a.YMin/step) * step; v <= a.YMax; v += step {
		y := f.y(v)
		dc.SetHexColor(colorGrid)
		dc.SetLineWidth(0.5)
		dc.DrawLine(f.plotX, y, f.plotX+a.Width, y)
		dc.Stroke()
		dc.SetHexColor(colorText)
		dc.DrawStringAnchored(fmt.Sprintf("%.0f", v), f.plotX-4, y, 1, 0.5)
	}

	dc.Push()
	dc.DrawRectangle(f.plotX, f.plotY, a.Width, a.Height)
	dc.Clip()
	r.drawGlucoseLine(dc, f, snap.Readings)
	r.drawMarkers(dc, f, snap.Annotation.Markers)
	dc.Pop()

	// labels may extend into the header when the axis could not grow enough
	r.drawLabels(dc, f, snap.Annotation.Labels)
}

func (r *Renderer) drawGlucoseLine(dc *gg.Context, f frame, readings []models.Reading) {
	if len(readings) == 0 {
		return
	}
	dc.SetHexColor(colorGlucose)
	dc.SetLineWidth(1.6)
	for i, rd := range readings {
		if i == 0 {
			dc.MoveTo(f.x(rd.Time), f.y(rd.Value))
			continue
		}
		dc.LineTo(f.x(rd.Time), f.y(rd.Value))
	}
	dc.Stroke()
	last := readings[len(readings)-1]
	dc.DrawCircle(f.x(last.Time), f.y(last.Value), 3)
	dc.Fill()
}

// drawMarkers draws SMB boluses as small downward triangles near the floor
func (r *Renderer) drawMarkers(dc *gg.Context, f frame, markers []annotate.Placement) {
	dc.SetHexColor(colorGlucose)
	for _, m := range markers {
		x, y := f.plotX+m.X, f.plotY+m.Y
		dc.MoveTo(x-3, y-3)
		dc.LineTo(x+3, y-3)
		dc.LineTo(x, y+2)
		dc.ClosePath()
		dc.Fill()
	}
}

func (r *Renderer) drawLabels(dc *gg.Context, f frame, labels []annotate.Placement) {
	dc.SetFontFace(r.face(LabelSize))
	for _, p := range labels {
		edge := colorCarbs
		if p.Treatment.Kind == models.KindBolus {
			edge = colorBolus
		}
		box := p.Box
		x0, y0 := f.plotX+box.X0, f.plotY+box.Y0
		w, h := box.X1-box.X0, box.Y1-box.Y0

		// leader from the anchor to the nearest box edge
		ax, ay := f.plotX+p.X, f.plotY+p.Y
		dc.SetHexColor(edge)
		dc.SetLineWidth(0.6)
		if p.Below {
			dc.DrawLine(ax, ay, ax, y0)
		} else {
			dc.DrawLine(ax, ay, ax, y0+h)
		}
		dc.Stroke()

		dc.DrawRoundedRectangle(x0, y0, w, h, 2)
		dc.SetHexColor(colorLabelFill)
		dc.FillPreserve()
		dc.SetHexColor(edge)
		dc.Stroke()

		dc.SetHexColor("#f0f0f0")
		dc.DrawStringAnchored(p.Label, x0+w/2, y0+h/2, 0.5, 0.35)
	}
}

func (r *Renderer) drawBasalPanel(dc *gg.Context, f frame, snap *pipeline.Snapshot) {
	a := f.axis
	dc.SetHexColor(colorPlot)
	dc.DrawRectangle(f.plotX, f.basalY, a.Width, f.basalH)
	dc.Fill()

	dc.SetFontFace(r.face(8))
	dc.SetHexColor(colorText)
	if len(snap.Basal) == 0 {
		dc.DrawStringAnchored("Basal n/a", f.plotX+a.Width/2, f.basalY+f.basalH/2, 0.5, 0.5)
		return
	}
	top := BasalTop(snap.Basal)
	by := func(rate float64) float64 { return f.basalY + f.basalH - rate/top*f.basalH }
	dc.DrawStringAnchored(fmt.Sprintf("%.1f U/h", top), f.plotX-4, f.basalY+6, 1, 0.5)

	dc.Push()
	dc.DrawRectangle(f.plotX, f.basalY, a.Width, f.basalH)
	dc.Clip()

	// deviation fill between scheduled and effective, one column per sample
	dc.SetHexColor(colorDeviation)
	for i, s := range snap.Basal {
		if !s.Deviation {
			continue
		}
		x0, x1 := f.x(s.Time), f.x(sampleEnd(snap.Basal, i))
		y0, y1 := by(s.Scheduled), by(s.Effective)
		dc.DrawRectangle(x0, math.Min(y0, y1), x1-x0, math.Abs(y1-y0))
	}
	dc.Fill()

	dc.SetHexColor(colorScheduled)
	dc.SetLineWidth(1.2)
	dc.SetDash(4, 3)
	strokeSteps(dc, f, snap.Basal, func(s models.BasalSample) float64 { return by(s.Scheduled) })
	dc.SetDash()

	dc.SetHexColor(colorBasal)
	dc.SetLineWidth(1.6)
	strokeSteps(dc, f, snap.Basal, func(s models.BasalSample) float64 { return by(s.Effective) })
	dc.Pop()
}

// BasalTop is the basal panel's upper bound: 20% above the highest rate,
// at least 0.5 U/h
func BasalTop(samples []models.BasalSample) float64 {
	peak := lo.Max(lo.Map(samples, func(s models.BasalSample, _ int) float64 {
		return math.Max(s.Scheduled, s.Effective)
	}))
	return math.Max(peak*1.2, 0.5)
}

func sampleEnd(samples []models.BasalSample, i int) time.Time {
	if i+1 < len(samples) {
		return samples[i+1].Time
	}
	return samples[i].Time.Add(time.Minute)
}

// strokeSteps draws a post-step line through the samples
func strokeSteps(dc *gg.Context, f frame, samples []models.BasalSample, y func(models.BasalSample) float64) {
	for i, s := range samples {
		x, yy := f.x(s.Time), y(s)
		if i == 0 {
			dc.MoveTo(x, yy)
		} else {
			dc.LineTo(x, yy)
		}
		dc.LineTo(f.x(sampleEnd(samples, i)), yy)
	}
	dc.Stroke()
}

// drawTimeAxis labels the shared time axis below the basal panel
func (r *Renderer) drawTimeAxis(dc *gg.Context, f frame) {
	a := f.axis
	span := a.End.Sub(a.Start)
	if span <= 0 {
		return
	}
	tick := 15 * time.Minute
	for span/tick > 8 {
		tick *= 2
	}
	dc.SetFontFace(r.face(8))
	bottom := f.basalY + f.basalH
	for t := a.Start.Truncate(tick); !t.After(a.End); t = t.Add(tick) {
		if t.Before(a.Start) {
			continue
		}
		x := f.x(t)
		dc.SetHexColor(colorGrid)
		dc.SetLineWidth(0.5)
		dc.DrawLine(x, f.plotY, x, f.plotY+a.Height)
		dc.DrawLine(x, f.basalY, x, bottom)
		dc.Stroke()
		dc.SetHexColor(colorText)
		dc.DrawStringAnchored(t.Format("15:04"), x, bottom+footerHeight/2, 0.5, 0.5)
	}
}

func (r *Renderer) drawNow(dc *gg.Context, f frame, now time.Time) {
	if now.Before(f.axis.Start) || now.After(f.axis.End) {
		return
	}
	x := f.x(now)
	dc.SetHexColor(colorNow)
	dc.SetLineWidth(0.8)
	dc.SetDash(2, 2)
	dc.DrawLine(x, f.plotY, x, f.basalY+f.basalH)
	dc.Stroke()
	dc.SetDash()
}

// drawCursor draws the shared hover line through both panels and the values
// the snapshot resolves for that instant
func (r *Renderer) drawCursor(dc *gg.Context, f frame, snap *pipeline.Snapshot, at time.Time) {
	if at.Before(f.axis.Start) || at.After(f.axis.End) {
		return
	}
	m := snap.Hover(at)
	x := f.x(at)
	dc.SetHexColor(colorCursor)
	dc.SetLineWidth(0.8)
	dc.DrawLine(x, f.plotY, x, f.basalY+f.basalH)
	dc.Stroke()

	lines := []string{at.Format("15:04")}
	if m.Reading != nil {
		lines = append(lines, fmt.Sprintf("%.1f mmol/L", m.Reading.Value))
		dc.DrawCircle(f.x(m.Reading.Time), f.y(m.Reading.Value), 3.5)
		dc.Fill()
	}
	if m.Basal != nil {
		lines = append(lines, fmt.Sprintf("Basal %.2f U/h", m.Basal.Effective))
	}
	if m.Group != nil {
		for _, t := range m.Group.Treatments {
			if l := annotate.Label(t); l != "" {
				lines = append(lines, l)
			}
		}
	}

	dc.SetFontFace(r.face(8))
	tx := x + 6
	if tx+90 > f.plotX+f.axis.Width {
		tx = x - 96
	}
	for i, l := range lines {
		dc.DrawStringAnchored(l, tx, f.plotY+10+float64(i)*11, 0, 0.5)
	}
}
