package derive

import "github.com/mrcode/nightscout-chart/internal/models"

type cobResolver struct {
	name    string
	resolve func(d *Deriver, in Inputs) (float64, bool)
}

// Tried in order; the first present, non-stale value wins.
var cobResolvers = []cobResolver{
	{name: "loop.cob", resolve: statusCOB(loopCOB)},
	{name: "loop.suggested", resolve: statusCOB(suggestedCOB)},
	{name: "status.cob", resolve: statusCOB(topLevelCOB)},
	{name: "loop.deep", resolve: statusCOB(deepCOB)},
	{name: "treatments", resolve: (*Deriver).treatmentCOB},
}

// COB walks the resolver chain and returns the first value found
func (d *Deriver) COB(in Inputs) models.Field[float64] {
	for _, r := range cobResolvers {
		if v, ok := r.resolve(d, in); ok {
			return models.Known(v, r.name)
		}
	}
	return models.Missing[float64]()
}

// statusCOB only consults a devicestatus younger than COBStaleAfter
func statusCOB(find func(models.Record) (float64, bool)) func(*Deriver, Inputs) (float64, bool) {
	return func(d *Deriver, in Inputs) (float64, bool) {
		if in.Status == nil {
			return 0, false
		}
		if !in.StatusTime.IsZero() && in.Now.Sub(in.StatusTime) > d.cfg.COBStaleAfter {
			return 0, false
		}
		v, ok := find(in.Status)
		if !ok || v < 0 {
			return 0, false
		}
		return v, true
	}
}

func loopCOB(status models.Record) (float64, bool) {
	loop, ok := status.Map("openaps", "loop")
	if !ok {
		return 0, false
	}
	if obj, ok := loop.Map("cob"); ok {
		return obj.Number("cob", "grams", "amount")
	}
	return loop.Number("cob")
}

func suggestedCOB(status models.Record) (float64, bool) {
	loop, ok := status.Map("openaps", "loop")
	if !ok {
		return 0, false
	}
	if suggested, ok := loop.Map("suggested"); ok {
		return suggested.Number("cob", "COB")
	}
	return 0, false
}

func topLevelCOB(status models.Record) (float64, bool) {
	if v, ok := status.Number("cob", "COB"); ok {
		return v, true
	}
	if obj, ok := status.Map("cob", "COB"); ok {
		return obj.Number("cob", "grams")
	}
	return 0, false
}

func deepCOB(status models.Record) (float64, bool) {
	loop, ok := status.Map("openaps", "loop")
	if !ok {
		return 0, false
	}
	return loop.FindNumber(3, "cob")
}

// treatmentCOB sums what is left of every carb entry still being absorbed,
// assuming linear absorption over CarbAbsorption.
func (d *Deriver) treatmentCOB(in Inputs) (float64, bool) {
	if !in.HaveTreatments {
		return 0, false
	}
	absorption := d.cfg.CarbAbsorption
	var total float64
	for _, t := range in.Treatments {
		if t.Kind != models.KindCarbs || t.Time.After(in.Now) {
			continue
		}
		elapsed := in.Now.Sub(t.Time)
		if elapsed >= absorption {
			continue
		}
		total += t.Amount * (1 - float64(elapsed)/float64(absorption))
	}
	return models.Round1(total), true
}
