package models

import "time"

// Availability describes whether a derived field could be resolved
type Availability int

const (
	Unavailable Availability = iota
	Available
	// NotApplicable is reported when the active reading source cannot carry the field
	NotApplicable
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case NotApplicable:
		return "not_applicable"
	}
	return "unavailable"
}

// MarshalText encodes the availability by name
func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Field is a derived value tagged with its availability and where it came from
type Field[T any] struct {
	Value  T            `json:"value"`
	State  Availability `json:"state"`
	Source string       `json:"source,omitempty"`
}

// Known returns an available field
func Known[T any](v T, source string) Field[T] {
	return Field[T]{Value: v, State: Available, Source: source}
}

// Missing returns an unavailable field
func Missing[T any]() Field[T] {
	return Field[T]{State: Unavailable}
}

// Inapplicable returns a not-applicable field
func Inapplicable[T any]() Field[T] {
	return Field[T]{State: NotApplicable}
}

// Ok reports whether the field holds a value
func (f Field[T]) Ok() bool {
	return f.State == Available
}

// IOB is insulin on board split into its bolus and basal parts
type IOB struct {
	Total    float64 `json:"total"`
	Bolus    float64 `json:"bolus"`
	Basal    float64 `json:"basal"`
	HasBasal bool    `json:"hasBasal"`
}

// TempBasalState describes the temp basal active at the derivation time
type TempBasalState struct {
	Kind      TreatmentKind `json:"kind"`
	Magnitude float64       `json:"magnitude"` // U/h or percent of scheduled
	Remaining time.Duration `json:"remaining"`
	Started   time.Time     `json:"started"`
}

// DeviceStatus holds pump and uploader readouts from the latest devicestatus
type DeviceStatus struct {
	PumpBattery     Field[string]  `json:"pumpBattery"`
	Reservoir       Field[float64] `json:"reservoir"`
	UploaderBattery Field[float64] `json:"uploaderBattery"`
}

// DerivedContext is recomputed wholesale on every refresh
type DerivedContext struct {
	At        time.Time              `json:"at"`
	IOB       Field[IOB]             `json:"iob"`
	COB       Field[float64]         `json:"cob"`
	SensorAge Field[float64]         `json:"sensorAgeHours"`
	TempBasal Field[*TempBasalState] `json:"tempBasal"`
	Device    DeviceStatus           `json:"device"`
}

// BasalSample is one minute of the reconstructed basal curve
type BasalSample struct {
	Time      time.Time `json:"time"`
	Scheduled float64   `json:"scheduled"`
	Effective float64   `json:"effective"`
	Deviation bool      `json:"deviation"`
}

// AnnotationGroup is a set of coincident treatments drawn at one anchor
type AnnotationGroup struct {
	Anchor     time.Time   `json:"anchor"`
	Treatments []Treatment `json:"treatments"`
	Slot       int         `json:"slot"`
}
