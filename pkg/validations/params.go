package validations

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
)

// Params are a test case's raw parameters.
type Params map[string]string

// has reports whether name is set to a non-blank value.
func (p Params) has(name string) bool {
	return strings.TrimSpace(p[name]) != ""
}

// Float parses an optional numeric parameter. set is false when it is missing.
func (p Params) Float(name string) (v float64, set bool, err error) {
	if !p.has(name) {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(strings.TrimSpace(p[name]), 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s=%q is not a number: %w", name, p[name], apperrors.ErrInvalidParameter)
	}
	return v, true, nil
}

// RequiredFloat parses a numeric parameter that must be present.
func (p Params) RequiredFloat(name string) (float64, error) {
	v, set, err := p.Float(name)
	if err != nil {
		return 0, err
	}
	if !set {
		return 0, fmt.Errorf("%s is required: %w", name, apperrors.ErrInvalidParameter)
	}
	return v, nil
}

// String returns a parameter or def when it is missing.
func (p Params) String(name, def string) string {
	if !p.has(name) {
		return def
	}
	return strings.TrimSpace(p[name])
}

// List splits a comma-separated parameter, dropping blanks. A leading and
// trailing bracket pair is accepted, as are quotes around items.
func (p Params) List(name string) []string {
	raw := strings.TrimSpace(p[name])
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if len(item) >= 2 && (item[0] == '\'' || item[0] == '"') && item[len(item)-1] == item[0] {
			item = item[1 : len(item)-1]
		}
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Range is a closed interval. A nil bound is unbounded.
type Range struct {
	Min *float64
	Max *float64
}

// RangeOf reads a pair of optional bounds.
func (p Params) RangeOf(minName, maxName string) (Range, error) {
	var r Range
	lo, set, err := p.Float(minName)
	if err != nil {
		return r, err
	}
	if set {
		r.Min = &lo
	}
	hi, set, err := p.Float(maxName)
	if err != nil {
		return r, err
	}
	if set {
		r.Max = &hi
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return r, fmt.Errorf("%s (%v) is greater than %s (%v): %w", minName, lo, maxName, hi, apperrors.ErrInvalidParameter)
	}
	return r, nil
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

func (r Range) String() string {
	lo, hi := "-inf", "+inf"
	if r.Min != nil {
		lo = formatNumber(*r.Min)
	}
	if r.Max != nil {
		hi = formatNumber(*r.Max)
	}
	return "[" + lo + ", " + hi + "]"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
