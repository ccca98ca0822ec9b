package derive

import (
	"math"
	"time"

	"github.com/mrcode/nightscout-chart/internal/models"
)

// IOB prefers the devicestatus breakdown when it is internally consistent and
// otherwise decays the treatment log.
func (d *Deriver) IOB(in Inputs) models.Field[models.IOB] {
	if iob, ok := d.upstreamIOB(in.Status); ok {
		return models.Known(iob, "devicestatus")
	}
	if !in.HaveTreatments {
		return models.Missing[models.IOB]()
	}

	iob := models.IOB{Bolus: round2(d.bolusIOB(in.Treatments, in.Now))}
	if len(in.Basal) > 0 {
		iob.Basal = round2(d.basalIOB(in.Basal, in.Now))
		iob.HasBasal = true
	}
	iob.Total = round2(iob.Bolus + iob.Basal)
	return models.Known(iob, "computed")
}

func (d *Deriver) upstreamIOB(status models.Record) (models.IOB, bool) {
	if status == nil {
		return models.IOB{}, false
	}
	var node models.Record
	if loop, ok := status.Map("openaps", "loop"); ok {
		node = iobNode(loop)
	}
	if node == nil {
		if total, ok := status.Number("iob"); ok {
			return models.IOB{Total: total, Bolus: total}, true
		}
		node = iobNode(status)
	}
	if node == nil {
		return models.IOB{}, false
	}

	total, okTotal := node.Number("iob")
	basal, okBasal := node.Number("basaliob", "basal_iob", "basalIOB")
	bolus, okBolus := node.Number("bolusiob", "bolus_iob", "bolusIOB")
	switch {
	case okTotal && okBasal && okBolus:
		if math.Abs(bolus+basal-total) > d.cfg.IOBTolerance {
			d.log.Debug().Float64("total", total).Float64("bolus", bolus).Float64("basal", basal).
				Msg("upstream IOB breakdown inconsistent, computing locally")
			return models.IOB{}, false
		}
		return models.IOB{Total: total, Bolus: bolus, Basal: basal, HasBasal: true}, true
	case okTotal && okBasal:
		return models.IOB{Total: total, Bolus: total - basal, Basal: basal, HasBasal: true}, true
	case okTotal:
		return models.IOB{Total: total, Bolus: total}, true
	}
	return models.IOB{}, false
}

// iobNode finds the IOB object under "iob"; OpenAPS reports a list whose
// first element is current.
func iobNode(parent models.Record) models.Record {
	if m, ok := parent.Map("iob"); ok {
		return m
	}
	if list, ok := parent["iob"].([]any); ok && len(list) > 0 {
		if m, ok := list[0].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func (d *Deriver) bolusIOB(treatments []models.Treatment, now time.Time) float64 {
	var total float64
	for _, t := range treatments {
		if t.Kind != models.KindBolus || t.Time.After(now) {
			continue
		}
		total += t.Amount * d.cfg.Curve.Remaining(now.Sub(t.Time))
	}
	return total
}

// basalIOB decays the insulin delivered above or below schedule, one minute
// of deviation at a time. Reduced temps give negative basal IOB.
func (d *Deriver) basalIOB(samples []models.BasalSample, now time.Time) float64 {
	var total float64
	for _, s := range samples {
		if !s.Deviation || s.Time.After(now) {
			continue
		}
		delivered := (s.Effective - s.Scheduled) / 60
		total += delivered * d.cfg.Curve.Remaining(now.Sub(s.Time))
	}
	return total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
