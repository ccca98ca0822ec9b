package derive

import (
	"fmt"
	"math"
	"time"

	"github.com/mrcode/nightscout-chart/internal/models"
)

// TempBasal finds the temp basal covering now. When several overlap the most
// recently started one wins. A nil value means none is running.
func TempBasal(in Inputs) models.Field[*models.TempBasalState] {
	if !in.HaveTreatments {
		return models.Missing[*models.TempBasalState]()
	}

	var active *models.Treatment
	for i := range in.Treatments {
		t := &in.Treatments[i]
		if !t.Kind.IsTempBasal() || t.Duration <= 0 || !t.Active(in.Now) {
			continue
		}
		if active == nil || t.Time.After(active.Time) {
			active = t
		}
	}
	if active == nil {
		return models.Known[*models.TempBasalState](nil, "treatments")
	}
	return models.Known(&models.TempBasalState{
		Kind:      active.Kind,
		Magnitude: active.Amount,
		Remaining: active.Duration - in.Now.Sub(active.Time),
		Started:   active.Time,
	}, "treatments")
}

// Device reads pump and uploader readouts from the devicestatus
func Device(status models.Record) models.DeviceStatus {
	out := models.DeviceStatus{
		PumpBattery:     models.Missing[string](),
		Reservoir:       models.Missing[float64](),
		UploaderBattery: models.Missing[float64](),
	}
	if status == nil {
		return out
	}
	if pump, ok := status.Map("pump"); ok {
		if battery, ok := pump.Map("battery"); ok {
			if pct, ok := battery.Number("percent"); ok {
				out.PumpBattery = models.Known(fmt.Sprintf("%d%%", int(pct)), "pump.battery.percent")
			} else if volts, ok := battery.Number("voltage"); ok {
				out.PumpBattery = models.Known(fmt.Sprintf("%.2f V", volts), "pump.battery.voltage")
			}
		}
		if res, ok := pump.Number("reservoir"); ok {
			out.Reservoir = models.Known(res, "pump.reservoir")
		}
	}
	if uploader, ok := status.Map("uploader"); ok {
		if pct, ok := uploader.Number("battery"); ok {
			out.UploaderBattery = models.Known(pct, "uploader.battery")
		}
	} else if pct, ok := status.Number("uploaderBattery"); ok {
		out.UploaderBattery = models.Known(pct, "uploaderBattery")
	}
	return out
}

// TempBasalText formats the active temp basal, or "" when none is running
func TempBasalText(f models.Field[*models.TempBasalState]) string {
	if !f.Ok() || f.Value == nil {
		return ""
	}
	tb := f.Value
	rem := int(math.Ceil(tb.Remaining.Minutes()))
	if tb.Kind == models.KindTempBasalPercent {
		return fmt.Sprintf("Temp %d%% · %d min", int(math.Round(tb.Magnitude)), rem)
	}
	return fmt.Sprintf("Temp %.2f U/h · %d min", tb.Magnitude, rem)
}

// SensorAgeText formats sensor age as days and hours
func SensorAgeText(f models.Field[float64]) string {
	if !f.Ok() {
		return "Sensor –"
	}
	d := time.Duration(f.Value * float64(time.Hour))
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	if days == 0 {
		return fmt.Sprintf("Sensor %dh", hours)
	}
	return fmt.Sprintf("Sensor %dd %dh", days, hours)
}

// IOBText formats insulin on board
func IOBText(f models.Field[models.IOB]) string {
	if !f.Ok() {
		return "IOB –"
	}
	if f.Value.HasBasal {
		return fmt.Sprintf("IOB %.2f U (%.2f + %.2f)", f.Value.Total, f.Value.Bolus, f.Value.Basal)
	}
	return fmt.Sprintf("IOB %.2f U", f.Value.Total)
}

// COBText formats carbs on board
func COBText(f models.Field[float64]) string {
	if !f.Ok() {
		return "COB –"
	}
	return fmt.Sprintf("COB %.0f g", f.Value)
}

// DeltaText formats a reading's delta with an explicit sign
func DeltaText(r models.Reading) string {
	if !r.HasDelta {
		return "Δ –"
	}
	return fmt.Sprintf("Δ %+.1f", r.Delta)
}
