// Package annotate places treatment labels on the glucose plot
package annotate

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mrcode/nightscout-chart/internal/models"
)

// Layout defaults, in pixels unless noted
const (
	DefaultTolerance = 60 * time.Second
	DefaultOffset    = 8.0
	DefaultGap       = 2.0
	DefaultPadding   = 3.0
	// MarkerFraction places SMB markers this far up from the plot floor
	MarkerFraction = 0.02
	maxFitPasses   = 5
)

// Axis maps data coordinates onto the plot area. Pixel y grows downward.
type Axis struct {
	Start  time.Time
	End    time.Time
	YMin   float64
	YMax   float64
	Width  float64
	Height float64
}

// X returns the pixel column for t
func (a Axis) X(t time.Time) float64 {
	span := a.End.Sub(a.Start)
	if span <= 0 {
		return 0
	}
	return float64(t.Sub(a.Start)) / float64(span) * a.Width
}

// Y returns the pixel row for a glucose value
func (a Axis) Y(v float64) float64 {
	if a.YMax <= a.YMin {
		return a.Height
	}
	return a.Height - (v-a.YMin)/(a.YMax-a.YMin)*a.Height
}

// Rect is a label box in pixels
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// Overlaps reports whether two boxes share any area
func (r Rect) Overlaps(o Rect) bool {
	return r.X0 < o.X1 && o.X0 < r.X1 && r.Y0 < o.Y1 && o.Y0 < r.Y1
}

// Placement is one drawable label or marker
type Placement struct {
	Group     int              `json:"group"`
	Treatment models.Treatment `json:"treatment"`
	X         float64          `json:"x"`
	Y         float64          `json:"y"`
	Label     string           `json:"label,omitempty"`
	// Offset is the signed pixel distance from the anchor to the nearest
	// edge of the label box; negative is above.
	Offset float64 `json:"offset"`
	Box    Rect    `json:"box"`
	Below  bool    `json:"below"`
	Marker bool    `json:"marker"`
}

// Result is a complete layout pass
type Result struct {
	Groups  []models.AnnotationGroup `json:"groups"`
	Labels  []Placement              `json:"labels"`
	Markers []Placement              `json:"markers"`
	// YMax is the plot top needed to fit every label; equal to the axis top
	// when nothing clips.
	YMax float64 `json:"yMax"`
	// Clipped is set when some label still extends past the plot
	Clipped bool `json:"clipped"`
}

// Engine lays out annotation groups
type Engine struct {
	measure   Measurer
	tolerance time.Duration
	offset    float64
	gap       float64
	padding   float64
	log       zerolog.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithTolerance sets the coincidence window for grouping
func WithTolerance(d time.Duration) Option {
	return func(e *Engine) { e.tolerance = d }
}

// WithLogger enables debug output for grouping decisions
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates a layout engine
func NewEngine(m Measurer, opts ...Option) *Engine {
	e := &Engine{
		measure:   m,
		tolerance: DefaultTolerance,
		offset:    DefaultOffset,
		gap:       DefaultGap,
		padding:   DefaultPadding,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Label returns the text drawn for a treatment, "" for unlabeled kinds
func Label(t models.Treatment) string {
	switch t.Kind {
	case models.KindCarbs:
		return fmt.Sprintf("C %dg", int(math.Round(t.Amount)))
	case models.KindBolus:
		return fmt.Sprintf("B %.1f U", t.Amount)
	}
	return ""
}

// kindRank orders labels inside a group from the top down
func kindRank(k models.TreatmentKind) int {
	switch k {
	case models.KindCarbs:
		return 0
	case models.KindBolus:
		return 1
	}
	return 2
}

// Group merges treatments whose timestamps fall within tolerance of the first
// event of the running group. Treatments are ordered by kind rank within each
// group. Input order does not matter.
func Group(treatments []models.Treatment, tolerance time.Duration) []models.AnnotationGroup {
	sorted := slices.Clone(treatments)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var groups []models.AnnotationGroup
	for _, t := range sorted {
		n := len(groups)
		if n > 0 && t.Time.Sub(groups[n-1].Anchor) <= tolerance {
			groups[n-1].Treatments = append(groups[n-1].Treatments, t)
			continue
		}
		groups = append(groups, models.AnnotationGroup{Anchor: t.Time, Treatments: []models.Treatment{t}})
	}
	for i := range groups {
		sort.SliceStable(groups[i].Treatments, func(a, b int) bool {
			return kindRank(groups[i].Treatments[a].Kind) < kindRank(groups[i].Treatments[b].Kind)
		})
	}
	return groups
}

// AnchorValue is the glucose value at or before t, or the first reading after
// it when none precedes. Readings must be sorted.
func AnchorValue(readings []models.Reading, t time.Time) (float64, bool) {
	if len(readings) == 0 {
		return 0, false
	}
	i := sort.Search(len(readings), func(i int) bool { return readings[i].Time.After(t) })
	if i == 0 {
		return readings[0].Value, true
	}
	return readings[i-1].Value, true
}

// Layout places the window's treatments against the given axis. SMB boluses
// become baseline markers; bolus and carb labels are grouped and stacked.
func (e *Engine) Layout(treatments []models.Treatment, readings []models.Reading, axis Axis) Result {
	inWindow := lo.Filter(treatments, func(t models.Treatment, _ int) bool {
		return !t.Time.Before(axis.Start) && !t.Time.After(axis.End)
	})
	smb := lo.Filter(inWindow, func(t models.Treatment, _ int) bool {
		return t.Kind == models.KindBolus && t.SMB
	})
	labeled := lo.Filter(inWindow, func(t models.Treatment, _ int) bool {
		return !t.SMB && (t.Kind == models.KindBolus || t.Kind == models.KindCarbs)
	})

	res := Result{YMax: axis.YMax}
	markerY := axis.Y(axis.YMin + (axis.YMax-axis.YMin)*MarkerFraction)
	for _, t := range smb {
		res.Markers = append(res.Markers, Placement{Group: -1, Treatment: t, X: axis.X(t.Time), Y: markerY, Marker: true})
	}

	groups := Group(labeled, e.tolerance)
	var placed []Rect
	for gi := range groups {
		g := &groups[gi]
		value, ok := AnchorValue(readings, g.Anchor)
		if !ok {
			value = axis.YMin
			e.log.Debug().Time("anchor", g.Anchor).Msg("no glucose value, anchoring group at the baseline")
		}
		x, y := axis.X(g.Anchor), axis.Y(value)
		sizes := make([][2]float64, len(g.Treatments))
		for i, t := range g.Treatments {
			w, h := e.measure.Measure(Label(t))
			sizes[i] = [2]float64{w + 2*e.padding, h + 2*e.padding}
		}

		boxes, below, slot, clipped := e.place(x, y, sizes, placed, axis)
		g.Slot = slot
		placed = append(placed, boxes...)
		if clipped {
			res.Clipped = true
			extent := y - boxes[0].Y0
			res.YMax = math.Max(res.YMax, requiredTop(axis, value, extent))
		}
		for i, t := range g.Treatments {
			off := boxes[i].Y1 - y
			if below {
				off = boxes[i].Y0 - y
			}
			res.Labels = append(res.Labels, Placement{
				Group: gi, Treatment: t, X: x, Y: y, Label: Label(t),
				Offset: off, Box: boxes[i], Below: below,
			})
		}
		e.log.Debug().Time("anchor", g.Anchor).Int("events", len(g.Treatments)).
			Int("slot", slot).Bool("below", below).Bool("clipped", clipped).Msg("annotation group placed")
	}
	res.Groups = groups
	return res
}

// place tries above then below, bumping the stack one slot at a time away from
// the anchor until it overlaps nothing already placed and stays inside the
// plot. When neither side fits, the stack goes above and is reported clipped
// so the caller can raise the plot top.
func (e *Engine) place(x, y float64, sizes [][2]float64, placed []Rect, axis Axis) ([]Rect, bool, int, bool) {
	limit := len(placed) + 4
	for _, below := range []bool{false, true} {
		for slot := 0; slot < limit; slot++ {
			boxes := e.stack(x, y, sizes, below, slot)
			if fits(boxes, axis) && !collides(boxes, placed) {
				return boxes, below, slot, false
			}
		}
	}
	for slot := 0; ; slot++ {
		boxes := e.stack(x, y, sizes, false, slot)
		if !collides(boxes, placed) {
			return boxes, false, slot, !fits(boxes, axis)
		}
	}
}

// stack builds the boxes for one group, top-ranked treatment first. Above the
// anchor the stack grows upward from its last entry; below it grows downward
// from its first.
func (e *Engine) stack(x, y float64, sizes [][2]float64, below bool, slot int) []Rect {
	step := 0.0
	for _, s := range sizes {
		step = math.Max(step, s[1])
	}
	shift := float64(slot) * (step + e.gap)

	boxes := make([]Rect, len(sizes))
	if below {
		top := y + e.offset + shift
		for i, s := range sizes {
			boxes[i] = Rect{X0: x - s[0]/2, Y0: top, X1: x + s[0]/2, Y1: top + s[1]}
			top += s[1] + e.gap
		}
		return boxes
	}
	bottom := y - e.offset - shift
	for i := len(sizes) - 1; i >= 0; i-- {
		s := sizes[i]
		boxes[i] = Rect{X0: x - s[0]/2, Y0: bottom - s[1], X1: x + s[0]/2, Y1: bottom}
		bottom -= s[1] + e.gap
	}
	return boxes
}

func fits(boxes []Rect, axis Axis) bool {
	for _, b := range boxes {
		if b.Y0 < 0 || b.Y1 > axis.Height {
			return false
		}
	}
	return true
}

func collides(boxes []Rect, placed []Rect) bool {
	for _, b := range boxes {
		for _, p := range placed {
			if b.Overlaps(p) {
				return true
			}
		}
	}
	return false
}

// requiredTop is the plot top at which a stack reaching extent pixels above a
// point at value just fits. Label sizes are fixed in pixels, so the point
// has to move down the plot instead.
func requiredTop(axis Axis, value, extent float64) float64 {
	h := axis.Height
	extent = math.Min(extent, 0.8*h)
	above := value - axis.YMin
	if above <= 0 {
		above = 0.1 * (axis.YMax - axis.YMin)
	}
	return axis.YMin + above*h/(h-extent)
}

// Fit lays out repeatedly, raising the plot top until every label fits. A
// stack taller than the headroom can buy stays Clipped in the result.
func (e *Engine) Fit(treatments []models.Treatment, readings []models.Reading, axis Axis) (Result, Axis) {
	res := e.Layout(treatments, readings, axis)
	for pass := 1; pass < maxFitPasses && res.YMax > axis.YMax; pass++ {
		e.log.Debug().Float64("from", axis.YMax).Float64("to", res.YMax).Msg("growing plot headroom")
		axis.YMax = res.YMax + 0.05
		res = e.Layout(treatments, readings, axis)
	}
	if res.Clipped {
		e.log.Warn().Float64("y_max", axis.YMax).Float64("height", axis.Height).Msg("annotation labels do not fit the plot")
	}
	return res, axis
}
