// Package event defines the seismic event data model shared by every
// quakerelay component.
//
// An event moves through three lifecycle stages, each delivered by one wire
// message kind:
//
//   - add_event        -> Detection
//   - update_location  -> Location
//   - update_focal     -> FocalMechanism
//
// Payloads form a closed set: Detection, Location and FocalMechanism are the
// only implementations of Payload, so a switch over them is exhaustive.
package event

import (
	"fmt"
)

// Kind is the top-level envelope key of a wire message.
type Kind string

// Wire message kinds.
const (
	KindAddEvent       Kind = "add_event"
	KindUpdateLocation Kind = "update_location"
	KindUpdateFocal    Kind = "update_focal"
)

// Kinds lists every wire kind in lifecycle order.
var Kinds = []Kind{KindAddEvent, KindUpdateLocation, KindUpdateFocal}

// Valid reports whether k is a known wire kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAddEvent, KindUpdateLocation, KindUpdateFocal:
		return true
	}
	return false
}

// Stage is the lifecycle snapshot a message contributes.
type Stage int

const (
	StageDetection Stage = iota + 1
	StageLocation
	StageFocalMechanism
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageDetection:
		return "Detection"
	case StageLocation:
		return "Location"
	case StageFocalMechanism:
		return "FocalMechanism"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Kind returns the wire kind that carries this stage.
func (s Stage) Kind() Kind {
	switch s {
	case StageDetection:
		return KindAddEvent
	case StageLocation:
		return KindUpdateLocation
	case StageFocalMechanism:
		return KindUpdateFocal
	}
	return ""
}

// StageOf returns the stage carried by a wire kind.
func StageOf(k Kind) (Stage, bool) {
	switch k {
	case KindAddEvent:
		return StageDetection, true
	case KindUpdateLocation:
		return StageLocation, true
	case KindUpdateFocal:
		return StageFocalMechanism, true
	}
	return 0, false
}

// State is the lifecycle state of an event in the store.
type State int

const (
	StateUnknown State = iota
	StateDetected
	StateLocated
	StateMechanized
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateDetected:
		return "Detected"
	case StateLocated:
		return "Located"
	case StateMechanized:
		return "Mechanized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Polarity is the first motion of a P arrival.
type Polarity string

const (
	PolarityUp            Polarity = "+"
	PolarityDown          Polarity = "-"
	PolarityIndeterminate Polarity = "x"
)

// Valid reports whether p is one of the three wire symbols.
func (p Polarity) Valid() bool {
	switch p {
	case PolarityUp, PolarityDown, PolarityIndeterminate:
		return true
	}
	return false
}

// IsFirstMotion reports whether p records a usable up or down motion.
func (p Polarity) IsFirstMotion() bool {
	return p == PolarityUp || p == PolarityDown
}

// PolarityFromCode maps picker polarity codes (U, D, anything else) to
// wire symbols.
func PolarityFromCode(code string) Polarity {
	switch code {
	case "U", "u", "+":
		return PolarityUp
	case "D", "d", "-":
		return PolarityDown
	default:
		return PolarityIndeterminate
	}
}

// Payload is the body of a wire message. The set of implementations is
// closed: Detection, Location and FocalMechanism.
type Payload interface {
	Kind() Kind
	Stage() Stage
	ID() int64

	isPayload()
}

// PPick is a P arrival at one station.
type PPick struct {
	PhaseTime  string   `json:"phase_time"`
	PhaseScore float64  `json:"phase_score"`
	Polarity   Polarity `json:"polarity"`
}

// SPick is an S arrival at one station.
type SPick struct {
	PhaseTime  string  `json:"phase_time"`
	PhaseScore float64 `json:"phase_score"`
}

// StationPicks holds the optional P and S picks of a station. At least one
// is non-nil for every station in a valid Detection.
type StationPicks struct {
	P *PPick `json:"P,omitempty"`
	S *SPick `json:"S,omitempty"`
}

// Detection is the add_event payload.
type Detection struct {
	EventID         int64                   `json:"event_id"`
	EventTime       string                  `json:"event_time"`
	Longitude       float64                 `json:"longitude"`
	Latitude        float64                 `json:"latitude"`
	DepthKm         float64                 `json:"depth_km"`
	Magnitude       *float64                `json:"magnitude"`
	NumPicks        int                     `json:"num_picks"`
	NumPPicks       int                     `json:"num_p_picks"`
	NumSPicks       int                     `json:"num_s_picks"`
	AssociatedPicks map[string]StationPicks `json:"associated_picks"`
}

func (Detection) Kind() Kind   { return KindAddEvent }
func (Detection) Stage() Stage { return StageDetection }
func (d Detection) ID() int64  { return d.EventID }
func (Detection) isPayload()   {}

// LocatedPhase is the source-receiver geometry of one phase after relocation.
type LocatedPhase struct {
	DistanceKm   float64  `json:"distance_km"`
	Azimuth      float64  `json:"azimuth"`
	TakeoffAngle float64  `json:"takeoff_angle"`
	Magnitude    *float64 `json:"magnitude"`
}

// LocatedStation holds the optional P and S geometry of a station.
type LocatedStation struct {
	P *LocatedPhase `json:"P,omitempty"`
	S *LocatedPhase `json:"S,omitempty"`
}

// Location is the update_location payload.
type Location struct {
	EventID         int64                     `json:"event_id"`
	Longitude       float64                   `json:"longitude"`
	Latitude        float64                   `json:"latitude"`
	DepthKm         float64                   `json:"depth_km"`
	Magnitude       float64                   `json:"magnitude"`
	AssociatedPicks map[string]LocatedStation `json:"associated_picks"`
}

func (Location) Kind() Kind   { return KindUpdateLocation }
func (Location) Stage() Stage { return StageLocation }
func (l Location) ID() int64  { return l.EventID }
func (Location) isPayload()   {}

// FocalMechanism is the update_focal payload.
type FocalMechanism struct {
	EventID       int64   `json:"event_id"`
	Strike        float64 `json:"strike"`
	StrikeErr     float64 `json:"strike_err"`
	Dip           float64 `json:"dip"`
	DipErr        float64 `json:"dip_err"`
	Rake          float64 `json:"rake"`
	RakeErr       float64 `json:"rake_err"`
	QualityIndex  int     `json:"quality_index"`
	NumOfPolarity int     `json:"num_of_polarity"`
}

func (FocalMechanism) Kind() Kind   { return KindUpdateFocal }
func (FocalMechanism) Stage() Stage { return StageFocalMechanism }
func (f FocalMechanism) ID() int64  { return f.EventID }
func (FocalMechanism) isPayload()   {}

// Compile-time interface checks.
var (
	_ Payload = Detection{}
	_ Payload = Location{}
	_ Payload = FocalMechanism{}
)
