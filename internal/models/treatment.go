package models

import (
	"strings"
	"time"
)

// TreatmentKind classifies a treatment for derivation and layout
type TreatmentKind int

const (
	KindOther TreatmentKind = iota
	KindBolus
	KindCarbs
	KindTempBasalAbsolute
	KindTempBasalPercent
	KindSensorChange
)

func (k TreatmentKind) String() string {
	switch k {
	case KindBolus:
		return "Bolus"
	case KindCarbs:
		return "Carbs"
	case KindTempBasalAbsolute:
		return "TempBasalAbsolute"
	case KindTempBasalPercent:
		return "TempBasalPercent"
	case KindSensorChange:
		return "SensorChange"
	}
	return "Other"
}

// MarshalText encodes the kind by name
func (k TreatmentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsTempBasal reports whether the kind overrides the scheduled basal rate
func (k TreatmentKind) IsTempBasal() bool {
	return k == KindTempBasalAbsolute || k == KindTempBasalPercent
}

// Treatment is one classified entry of the treatment log. A single upstream
// record carrying both insulin and carbs yields two treatments.
type Treatment struct {
	ID        string        `json:"id,omitempty"`
	Time      time.Time     `json:"time"`
	Kind      TreatmentKind `json:"kind"`
	Amount    float64       `json:"amount"` // U, g, U/h or percent of scheduled depending on Kind
	Duration  time.Duration `json:"duration"`
	SMB       bool          `json:"smb,omitempty"`
	EventType string        `json:"eventType,omitempty"`
}

// End returns the end of the treatment's effect. Zero-duration treatments end
// where they start.
func (t Treatment) End() time.Time {
	return t.Time.Add(t.Duration)
}

// Active reports whether the treatment's [start, start+duration) interval covers at
func (t Treatment) Active(at time.Time) bool {
	return !at.Before(t.Time) && at.Before(t.End())
}

// TreatmentEventTypes contains common Nightscout event types
var TreatmentEventTypes = struct {
	SnackBolus      string
	MealBolus       string
	CorrectionBolus string
	CarbCorrection  string
	ComboBolus      string
	SMB             string
	SensorStart     string
	SensorChange    string
	TempBasal       string
	BolusWizard     string
}{
	SnackBolus:      "Snack Bolus",
	MealBolus:       "Meal Bolus",
	CorrectionBolus: "Correction Bolus",
	CarbCorrection:  "Carb Correction",
	ComboBolus:      "Combo Bolus",
	SMB:             "SMB",
	SensorStart:     "Sensor Start",
	SensorChange:    "Sensor Change",
	TempBasal:       "Temp Basal",
	BolusWizard:     "Bolus Wizard",
}

var insulinKeys = []string{"insulin", "insulinInUnits", "amount", "units", "value"}

// IsSensorChangeEvent reports whether eventType marks a new sensor session
func IsSensorChangeEvent(eventType string) bool {
	et := strings.ToLower(strings.TrimSpace(eventType))
	return et == strings.ToLower(TreatmentEventTypes.SensorChange) ||
		et == strings.ToLower(TreatmentEventTypes.SensorStart)
}

// ClassifyTreatment turns one upstream treatment record into zero or more
// treatments stamped with at, which the caller has already normalized.
func ClassifyTreatment(rec Record, at time.Time) []Treatment {
	id, _ := rec.String("_id", "identifier")
	eventType, _ := rec.String("eventType")
	base := Treatment{ID: id, Time: at, EventType: eventType}
	et := strings.ToLower(eventType)

	switch {
	case et == strings.ToLower(TreatmentEventTypes.TempBasal):
		return classifyTempBasal(rec, base)
	case IsSensorChangeEvent(eventType):
		base.Kind = KindSensorChange
		return []Treatment{base}
	}

	var out []Treatment
	if grams, ok := rec.Number("carbs", "carb_input"); ok && grams > 0 {
		c := base
		c.Kind = KindCarbs
		c.Amount = grams
		out = append(out, c)
	}
	if units, ok := insulinUnits(rec); ok && units > 0 {
		b := base
		b.Kind = KindBolus
		b.Amount = units
		b.SMB = isSMB(rec, et)
		out = append(out, b)
	}
	if len(out) == 0 {
		base.Kind = KindOther
		out = append(out, base)
	}
	return out
}

func classifyTempBasal(rec Record, t Treatment) []Treatment {
	if minutes, ok := rec.Number("duration"); ok && minutes > 0 {
		t.Duration = time.Duration(minutes * float64(time.Minute))
	}
	if rate, ok := rec.Number("absolute", "rate"); ok {
		t.Kind = KindTempBasalAbsolute
		t.Amount = rate
		return []Treatment{t}
	}
	if pct, ok := rec.Number("percent"); ok {
		t.Kind = KindTempBasalPercent
		t.Amount = pct
		return []Treatment{t}
	}
	t.Kind = KindOther
	return []Treatment{t}
}

func insulinUnits(rec Record) (float64, bool) {
	if u, ok := rec.Number(insulinKeys...); ok {
		return u, true
	}
	if bolus, ok := rec.Map("bolus"); ok {
		return bolus.Number("normal", "extended", "immediate")
	}
	return 0, false
}

func isSMB(rec Record, eventType string) bool {
	if strings.Contains(eventType, "smb") {
		return true
	}
	if typ, ok := rec.String("type"); ok && strings.Contains(strings.ToLower(typ), "smb") {
		return true
	}
	if v, ok := rec["isSMB"].(bool); ok && v {
		return true
	}
	for _, tag := range rec.Strings("tags") {
		if strings.Contains(strings.ToLower(tag), "smb") {
			return true
		}
	}
	return false
}
