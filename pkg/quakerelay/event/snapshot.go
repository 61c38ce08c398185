package event

import (
	"maps"
	"time"
)

// Snapshot is the accumulated state of one event.
//
// Detection is kept as first accepted. Location and Focal hold the latest
// accepted refinement of their stage, nil until that stage is reached.
type Snapshot struct {
	EventID      int64           `json:"event_id"`
	State        State           `json:"state"`
	Revision     uint64          `json:"revision"`
	Detection    Detection       `json:"detection"`
	Location     *Location       `json:"location,omitempty"`
	Focal        *FocalMechanism `json:"focal_mechanism,omitempty"`
	FocalUpdates int             `json:"focal_updates"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Longitude returns the most refined longitude.
func (s Snapshot) Longitude() float64 {
	if s.Location != nil {
		return s.Location.Longitude
	}
	return s.Detection.Longitude
}

// Latitude returns the most refined latitude.
func (s Snapshot) Latitude() float64 {
	if s.Location != nil {
		return s.Location.Latitude
	}
	return s.Detection.Latitude
}

// DepthKm returns the most refined depth.
func (s Snapshot) DepthKm() float64 {
	if s.Location != nil {
		return s.Location.DepthKm
	}
	return s.Detection.DepthKm
}

// Magnitude returns the most refined magnitude. It is nil only while the
// event is Detected and the detection carried no magnitude.
func (s Snapshot) Magnitude() *float64 {
	if s.Location != nil {
		m := s.Location.Magnitude
		return &m
	}
	if s.Detection.Magnitude == nil {
		return nil
	}
	m := *s.Detection.Magnitude
	return &m
}

// PolarityPicks counts the P picks with an up or down first motion.
func (s Snapshot) PolarityPicks() int {
	n := 0
	for _, st := range s.Detection.AssociatedPicks {
		if st.P != nil && st.P.Polarity.IsFirstMotion() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Detection = CloneDetection(s.Detection)
	if s.Location != nil {
		l := CloneLocation(*s.Location)
		c.Location = &l
	}
	if s.Focal != nil {
		f := *s.Focal
		c.Focal = &f
	}
	return c
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CloneDetection deep-copies a detection payload.
func CloneDetection(d Detection) Detection {
	c := d
	if d.Magnitude != nil {
		m := *d.Magnitude
		c.Magnitude = &m
	}
	if d.AssociatedPicks != nil {
		c.AssociatedPicks = make(map[string]StationPicks, len(d.AssociatedPicks))
		for code, st := range d.AssociatedPicks {
			var cp StationPicks
			if st.P != nil {
				p := *st.P
				cp.P = &p
			}
			if st.S != nil {
				sp := *st.S
				cp.S = &sp
			}
			c.AssociatedPicks[code] = cp
		}
	}
	return c
}

// CloneLocation deep-copies a location payload.
func CloneLocation(l Location) Location {
	c := l
	if l.AssociatedPicks != nil {
		c.AssociatedPicks = maps.Clone(l.AssociatedPicks)
		for code, st := range c.AssociatedPicks {
			c.AssociatedPicks[code] = LocatedStation{
				P: clonePhase(st.P),
				S: clonePhase(st.S),
			}
		}
	}
	return c
}

func clonePhase(p *LocatedPhase) *LocatedPhase {
	if p == nil {
		return nil
	}
	c := *p
	if p.Magnitude != nil {
		m := *p.Magnitude
		c.Magnitude = &m
	}
	return &c
}
