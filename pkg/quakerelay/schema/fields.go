package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
)

// Range is an inclusive or half-open numeric bound.
type Range struct {
	Min, Max     float64
	HasMin       bool
	HasMax       bool
	MaxExclusive bool
}

// Unbounded accepts any finite number.
var Unbounded = Range{}

// AtLeast returns [min, +inf).
func AtLeast(min float64) Range {
	return Range{Min: min, HasMin: true}
}

// Between returns [min, max].
func Between(min, max float64) Range {
	return Range{Min: min, Max: max, HasMin: true, HasMax: true}
}

// HalfOpen returns [min, max).
func HalfOpen(min, max float64) Range {
	return Range{Min: min, Max: max, HasMin: true, HasMax: true, MaxExclusive: true}
}

func (r Range) contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if r.HasMin && v < r.Min {
		return false
	}
	if r.HasMax {
		if r.MaxExclusive {
			return v < r.Max
		}
		return v <= r.Max
	}
	return true
}

func (r Range) String() string {
	switch {
	case r.HasMin && r.HasMax:
		closing := "]"
		if r.MaxExclusive {
			closing = ")"
		}
		return fmt.Sprintf("must be within [%s, %s%s", fmtNum(r.Min), fmtNum(r.Max), closing)
	case r.HasMin:
		return "must be >= " + fmtNum(r.Min)
	case r.HasMax:
		return "must be <= " + fmtNum(r.Max)
	default:
		return "must be a finite number"
	}
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Fields reads typed values out of a decoded JSON object and records every
// violation it meets. Accessors return the zero value and false on failure
// so a decoder can keep going and report all problems in one pass.
//
// Objects must be decoded with json.Decoder.UseNumber.
type Fields struct {
	obj        map[string]any
	prefix     string
	violations *[]event.Violation
}

// NewFields wraps a decoded object. Nested readers share the violation list.
func NewFields(obj map[string]any) *Fields {
	return &Fields{obj: obj, violations: new([]event.Violation)}
}

// Nested returns a reader for obj whose paths are prefixed with path.
func (f *Fields) Nested(path string, obj map[string]any) *Fields {
	return &Fields{obj: obj, prefix: path, violations: f.violations}
}

// Violations returns everything recorded so far.
func (f *Fields) Violations() []event.Violation {
	return *f.violations
}

// Path returns the full dotted path of a field name.
func (f *Fields) Path(name string) string {
	if f.prefix == "" {
		return name
	}
	return f.prefix + "." + name
}

// Fail records a violation at name.
func (f *Fields) Fail(name, constraint string) {
	*f.violations = append(*f.violations, event.Violation{Path: f.Path(name), Constraint: constraint})
}

// FailAt records a violation at an already-qualified path.
func (f *Fields) FailAt(path, constraint string) {
	*f.violations = append(*f.violations, event.Violation{Path: path, Constraint: constraint})
}

// Has reports whether the object contains name, even if its value is null.
func (f *Fields) Has(name string) bool {
	_, ok := f.obj[name]
	return ok
}

func (f *Fields) require(name string) (any, bool) {
	v, ok := f.obj[name]
	if !ok {
		f.Fail(name, "is required")
		return nil, false
	}
	return v, true
}

func (f *Fields) number(name string, v any) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		f.Fail(name, "must be a number")
		return 0, false
	}
	x, err := n.Float64()
	if err != nil {
		f.Fail(name, "must be a finite number")
		return 0, false
	}
	return x, true
}

// Number reads a required number within r.
func (f *Fields) Number(name string, r Range) (float64, bool) {
	v, ok := f.require(name)
	if !ok {
		return 0, false
	}
	if v == nil {
		f.Fail(name, "must not be null")
		return 0, false
	}
	x, ok := f.number(name, v)
	if !ok {
		return 0, false
	}
	if !r.contains(x) {
		f.Fail(name, r.String())
		return 0, false
	}
	return x, true
}

// NullableNumber reads a number within r that may be null. When required is
// false a missing key reads as null.
func (f *Fields) NullableNumber(name string, r Range, required bool) (*float64, bool) {
	v, present := f.obj[name]
	if !present {
		if required {
			f.Fail(name, "is required")
			return nil, false
		}
		return nil, true
	}
	if v == nil {
		return nil, true
	}
	x, ok := f.number(name, v)
	if !ok {
		return nil, false
	}
	if !r.contains(x) {
		f.Fail(name, r.String())
		return nil, false
	}
	return &x, true
}

// Int reads a required integer within r. Integral numbers written with a
// fractional part (4.0) are accepted.
func (f *Fields) Int(name string, r Range) (int64, bool) {
	v, ok := f.require(name)
	if !ok {
		return 0, false
	}
	n, isNum := v.(json.Number)
	if !isNum {
		f.Fail(name, "must be an integer")
		return 0, false
	}

	i, err := n.Int64()
	if err != nil {
		x, ferr := n.Float64()
		if ferr != nil || x != math.Trunc(x) || math.Abs(x) > 1<<53 {
			f.Fail(name, "must be an integer")
			return 0, false
		}
		i = int64(x)
	}
	if !r.contains(float64(i)) {
		f.Fail(name, r.String())
		return 0, false
	}
	return i, true
}

// String reads a required string.
func (f *Fields) String(name string) (string, bool) {
	v, ok := f.require(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		f.Fail(name, "must be a string")
		return "", false
	}
	return s, true
}

// Timestamp reads a required ISO-8601 timestamp string. The value is
// returned verbatim.
func (f *Fields) Timestamp(name string) (string, bool) {
	s, ok := f.String(name)
	if !ok {
		return "", false
	}
	if _, err := event.ParseTimestamp(s); err != nil {
		f.Fail(name, err.Error())
		return "", false
	}
	return s, true
}

// Object reads a required nested object.
func (f *Fields) Object(name string) (map[string]any, bool) {
	v, ok := f.require(name)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		f.Fail(name, "must be an object")
		return nil, false
	}
	return m, true
}

// EventID reads the event_id field common to every payload.
func (f *Fields) EventID() int64 {
	id, _ := f.Int("event_id", AtLeast(0))
	return id
}
