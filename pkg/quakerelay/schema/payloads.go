package schema

import (
	"maps"
	"slices"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

// Field ranges shared by the payload decoders.
var (
	longitudeRange    = Between(-180, 180)
	latitudeRange     = Between(-90, 90)
	depthRange        = AtLeast(0)
	scoreRange        = Between(0, 1)
	azimuthRange      = HalfOpen(0, 360)
	takeoffRange      = Between(0, 180)
	strikeRange       = HalfOpen(0, 360)
	dipRange          = Between(0, 90)
	rakeRange         = Between(-180, 180)
	qualityIndexRange = Between(0, 4)
	nonNegative       = AtLeast(0)
)

func decodeDetection(f *Fields) event.Payload {
	var d event.Detection
	d.EventID = f.EventID()
	d.EventTime, _ = f.Timestamp("event_time")
	d.Longitude, _ = f.Number("longitude", longitudeRange)
	d.Latitude, _ = f.Number("latitude", latitudeRange)
	d.DepthKm, _ = f.Number("depth_km", depthRange)
	d.Magnitude, _ = f.NullableNumber("magnitude", Unbounded, true)

	numPicks, okAll := f.Int("num_picks", nonNegative)
	numP, okP := f.Int("num_p_picks", nonNegative)
	numS, okS := f.Int("num_s_picks", nonNegative)
	if okAll && okP && okS && numPicks < max(numP, numS) {
		f.Fail("num_picks", "must be >= max(num_p_picks, num_s_picks)")
	}
	d.NumPicks, d.NumPPicks, d.NumSPicks = int(numPicks), int(numP), int(numS)

	picks, ok := f.Object("associated_picks")
	if !ok {
		return d
	}
	d.AssociatedPicks = make(map[string]event.StationPicks, len(picks))
	forEachStation(f, picks, func(sf *Fields, hasP, hasS bool, code string) {
		var st event.StationPicks
		if hasP {
			if pf, ok := phaseObject(sf, "P"); ok {
				p := event.PPick{}
				p.PhaseTime, _ = pf.Timestamp("phase_time")
				p.PhaseScore, _ = pf.Number("phase_score", scoreRange)
				if s, ok := pf.String("polarity"); ok {
					if pol := event.Polarity(s); pol.Valid() {
						p.Polarity = pol
					} else {
						pf.Fail("polarity", "must be one of +, -, x")
					}
				}
				st.P = &p
			}
		}
		if hasS {
			if pf, ok := phaseObject(sf, "S"); ok {
				s := event.SPick{}
				s.PhaseTime, _ = pf.Timestamp("phase_time")
				s.PhaseScore, _ = pf.Number("phase_score", scoreRange)
				st.S = &s
			}
		}
		d.AssociatedPicks[code] = st
	})
	return d
}

func decodeLocation(f *Fields) event.Payload {
	var l event.Location
	l.EventID = f.EventID()
	l.Longitude, _ = f.Number("longitude", longitudeRange)
	l.Latitude, _ = f.Number("latitude", latitudeRange)
	l.DepthKm, _ = f.Number("depth_km", depthRange)
	l.Magnitude, _ = f.Number("magnitude", Unbounded)

	picks, ok := f.Object("associated_picks")
	if !ok {
		return l
	}
	l.AssociatedPicks = make(map[string]event.LocatedStation, len(picks))
	forEachStation(f, picks, func(sf *Fields, hasP, hasS bool, code string) {
		var st event.LocatedStation
		if hasP {
			st.P = decodeLocatedPhase(sf, "P")
		}
		if hasS {
			st.S = decodeLocatedPhase(sf, "S")
		}
		l.AssociatedPicks[code] = st
	})
	return l
}

func decodeLocatedPhase(sf *Fields, phase string) *event.LocatedPhase {
	pf, ok := phaseObject(sf, phase)
	if !ok {
		return nil
	}
	p := event.LocatedPhase{}
	p.DistanceKm, _ = pf.Number("distance_km", nonNegative)
	p.Azimuth, _ = pf.Number("azimuth", azimuthRange)
	p.TakeoffAngle, _ = pf.Number("takeoff_angle", takeoffRange)
	p.Magnitude, _ = pf.NullableNumber("magnitude", Unbounded, false)
	return &p
}

func decodeFocal(f *Fields) event.Payload {
	var m event.FocalMechanism
	m.EventID = f.EventID()
	m.Strike, _ = f.Number("strike", strikeRange)
	m.StrikeErr, _ = f.Number("strike_err", nonNegative)
	m.Dip, _ = f.Number("dip", dipRange)
	m.DipErr, _ = f.Number("dip_err", nonNegative)
	m.Rake, _ = f.Number("rake", rakeRange)
	m.RakeErr, _ = f.Number("rake_err", nonNegative)
	q, _ := f.Int("quality_index", qualityIndexRange)
	n, _ := f.Int("num_of_polarity", nonNegative)
	m.QualityIndex, m.NumOfPolarity = int(q), int(n)
	return m
}

// forEachStation walks associated_picks in station order, checks the
// station-level shape and calls fn for each well-formed station with its
// code.
func forEachStation(f *Fields, picks map[string]any, fn func(sf *Fields, hasP, hasS bool, code string)) {
	base := f.Path("associated_picks")
	for _, code := range slices.Sorted(maps.Keys(picks)) {
		if code == "" {
			f.FailAt(base, "station code must be non-empty")
			continue
		}
		path := base + "." + code
		obj, ok := picks[code].(map[string]any)
		if !ok {
			f.FailAt(path, "must be an object")
			continue
		}
		for _, key := range slices.Sorted(maps.Keys(obj)) {
			if key != "P" && key != "S" {
				f.FailAt(path+"."+key, "unrecognized phase key, expected P or S")
			}
		}
		_, hasP := obj["P"]
		_, hasS := obj["S"]
		if !hasP && !hasS {
			f.FailAt(path, "must contain at least one of P, S")
			continue
		}
		fn(f.Nested(path, obj), hasP, hasS, code)
	}
}

func phaseObject(sf *Fields, phase string) (*Fields, bool) {
	obj, ok := sf.Object(phase)
	if !ok {
		return nil, false
	}
	return sf.Nested(sf.Path(phase), obj), true
}
