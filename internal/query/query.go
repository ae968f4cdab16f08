// Package query parses the declarative subsetting requests carried by job
// messages and API calls.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"geolake/internal/geo"
)

// ErrInvalidQuery is returned for malformed or contradictory queries.
var ErrInvalidQuery = errors.New("invalid query")

// now resolves the "NOW" keyword in time bounds.
var now = time.Now

// TimeRange is an inclusive time slice. A nil bound is open.
type TimeRange struct {
	Start, Stop *time.Time
	Step        int
}

// Time selects time steps by exactly one of range, calendar combo or
// nearest points.
type Time struct {
	Range  *TimeRange
	Combo  *geo.TimeCombo
	Points []time.Time
}

// VerticalRange is an inclusive level slice.
type VerticalRange struct {
	Start, Stop float64
	Step        int
}

// Vertical selects levels by range or nearest points.
type Vertical struct {
	Range  *VerticalRange
	Points []float64
}

// Location selects the grid points nearest to the given coordinates.
type Location struct {
	Latitude, Longitude []float64
}

// Resample aggregates time steps into calendar buckets.
type Resample struct {
	Freq     string
	Operator string
}

// Query is immutable once parsed.
type Query struct {
	Variable   []string
	Time       *Time
	Area       *geo.BBox
	Location   *Location
	Vertical   *Vertical
	Filters    map[string]any
	Resample   *Resample
	Format     string
	FormatArgs map[string]any
}

var knownFields = map[string]bool{
	"variable": true, "time": true, "area": true, "location": true, "vertical": true,
	"filters": true, "resample": true, "format": true, "format_args": true,
}

// Parse decodes a JSON query document.
func Parse(data []byte) (*Query, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	q := &Query{}

	if _, ok := raw["filters"]; !ok {
		q.Filters = map[string]any{}
		for k, v := range raw {
			if knownFields[k] || isNull(v) {
				continue
			}
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return nil, fmt.Errorf("%w: filter %s: %v", ErrInvalidQuery, k, err)
			}
			q.Filters[k] = val
		}
	} else if !isNull(raw["filters"]) {
		if err := json.Unmarshal(raw["filters"], &q.Filters); err != nil {
			return nil, fmt.Errorf("%w: filters: %v", ErrInvalidQuery, err)
		}
	}

	steps := []struct {
		key   string
		parse func(json.RawMessage) error
	}{
		{"variable", func(v json.RawMessage) (err error) { q.Variable, err = stringList(v); return }},
		{"time", func(v json.RawMessage) (err error) { q.Time, err = parseTime(v); return }},
		{"area", func(v json.RawMessage) (err error) { q.Area, err = parseArea(v); return }},
		{"location", func(v json.RawMessage) (err error) { q.Location, err = parseLocation(v); return }},
		{"vertical", func(v json.RawMessage) (err error) { q.Vertical, err = parseVertical(v); return }},
		{"resample", func(v json.RawMessage) (err error) { q.Resample, err = parseResample(v); return }},
		{"format", func(v json.RawMessage) error { return json.Unmarshal(v, &q.Format) }},
		{"format_args", func(v json.RawMessage) error { return json.Unmarshal(v, &q.FormatArgs) }},
	}
	for _, s := range steps {
		v, ok := raw[s.key]
		if !ok || isNull(v) {
			continue
		}
		if err := s.parse(v); err != nil {
			if errors.Is(err, ErrInvalidQuery) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, s.key, err)
		}
	}
	q.Format = strings.ToLower(q.Format)

	if q.Area != nil && q.Location != nil {
		return nil, fmt.Errorf("%w: area and location cannot be used together", ErrInvalidQuery)
	}
	return q, nil
}

// HasFilters reports whether the query narrows a Dataset by attributes.
func (q *Query) HasFilters() bool { return len(q.Filters) > 0 }

// TimeBounds returns the range bounds when the query selects a time slice.
func (q *Query) TimeBounds() (start, stop *time.Time, ok bool) {
	if q.Time == nil || q.Time.Range == nil {
		return nil, nil, false
	}
	return q.Time.Range.Start, q.Time.Range.Stop, true
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}

func stringList(v json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(v, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(v, &many); err != nil {
		return nil, fmt.Errorf("expected string or list of strings")
	}
	return many, nil
}

func floatList(v json.RawMessage) ([]float64, error) {
	var one float64
	if err := json.Unmarshal(v, &one); err == nil {
		return []float64{one}, nil
	}
	var many []float64
	if err := json.Unmarshal(v, &many); err != nil {
		return nil, fmt.Errorf("expected number or list of numbers")
	}
	return many, nil
}

func decodeObject(v json.RawMessage, allowed ...string) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, err
	}
	for k := range m {
		if !contains(allowed, k) {
			return nil, fmt.Errorf("%w: unknown key %q (allowed: %s)", ErrInvalidQuery, k, strings.Join(allowed, ", "))
		}
	}
	return m, nil
}

func parseArea(v json.RawMessage) (*geo.BBox, error) {
	m, err := decodeObject(v, "north", "south", "west", "east")
	if err != nil {
		return nil, err
	}
	b := &geo.BBox{North: 90, South: -90, West: -180, East: 180}
	for k, dst := range map[string]*float64{"north": &b.North, "south": &b.South, "west": &b.West, "east": &b.East} {
		if raw, ok := m[k]; ok && !isNull(raw) {
			if err := json.Unmarshal(raw, dst); err != nil {
				return nil, fmt.Errorf("%s: %v", k, err)
			}
		}
	}
	return b, nil
}

func parseLocation(v json.RawMessage) (*Location, error) {
	m, err := decodeObject(v, "latitude", "longitude")
	if err != nil {
		return nil, err
	}
	loc := &Location{}
	if raw, ok := m["latitude"]; ok {
		if loc.Latitude, err = floatList(raw); err != nil {
			return nil, fmt.Errorf("latitude: %v", err)
		}
	}
	if raw, ok := m["longitude"]; ok {
		if loc.Longitude, err = floatList(raw); err != nil {
			return nil, fmt.Errorf("longitude: %v", err)
		}
	}
	return loc, nil
}

func parseVertical(v json.RawMessage) (*Vertical, error) {
	if len(v) > 0 && v[0] == '{' {
		m, err := decodeObject(v, "start", "stop", "step")
		if err != nil {
			return nil, err
		}
		start, okStart := m["start"]
		stop, okStop := m["stop"]
		if !okStart || !okStop {
			return nil, fmt.Errorf("%w: vertical range needs both start and stop", ErrInvalidQuery)
		}
		r := &VerticalRange{}
		if err := json.Unmarshal(start, &r.Start); err != nil {
			return nil, fmt.Errorf("start: %v", err)
		}
		if err := json.Unmarshal(stop, &r.Stop); err != nil {
			return nil, fmt.Errorf("stop: %v", err)
		}
		if step, ok := m["step"]; ok {
			if r.Step, err = intValue(step); err != nil {
				return nil, fmt.Errorf("step: %v", err)
			}
		}
		return &Vertical{Range: r}, nil
	}
	points, err := floatList(v)
	if err != nil {
		return nil, err
	}
	return &Vertical{Points: points}, nil
}

var comboKeys = []string{"year", "month", "day", "hour"}

func parseTime(v json.RawMessage) (*Time, error) {
	if len(v) == 0 || v[0] != '{' {
		stamps, err := stringList(v)
		if err != nil {
			return nil, err
		}
		points := make([]time.Time, len(stamps))
		for i, s := range stamps {
			if points[i], err = parseTimestamp(s); err != nil {
				return nil, err
			}
		}
		return &Time{Points: points}, nil
	}

	m, err := decodeObject(v, append([]string{"start", "stop", "step"}, comboKeys...)...)
	if err != nil {
		return nil, err
	}
	_, hasStart := m["start"]
	_, hasStop := m["stop"]
	if hasStart || hasStop {
		for _, k := range comboKeys {
			if _, ok := m[k]; ok {
				return nil, fmt.Errorf("%w: time slice cannot be combined with %s", ErrInvalidQuery, k)
			}
		}
		r := &TimeRange{}
		for k, dst := range map[string]**time.Time{"start": &r.Start, "stop": &r.Stop} {
			raw, ok := m[k]
			if !ok || isNull(raw) {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%s: %v", k, err)
			}
			t, err := parseTimestamp(s)
			if err != nil {
				return nil, err
			}
			*dst = &t
		}
		if step, ok := m["step"]; ok {
			if r.Step, err = intValue(step); err != nil {
				return nil, fmt.Errorf("step: %v", err)
			}
		}
		return &Time{Range: r}, nil
	}
	if _, ok := m["step"]; ok {
		return nil, fmt.Errorf("%w: time step needs start or stop", ErrInvalidQuery)
	}

	combo := &geo.TimeCombo{}
	for k, dst := range map[string]*[]int{"year": &combo.Year, "month": &combo.Month, "day": &combo.Day, "hour": &combo.Hour} {
		raw, ok := m[k]
		if !ok {
			continue
		}
		if *dst, err = intList(raw); err != nil {
			return nil, fmt.Errorf("%s: %v", k, err)
		}
	}
	return &Time{Combo: combo}, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseTimestamp(s string) (time.Time, error) {
	if strings.EqualFold(s, "NOW") {
		return now().UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrInvalidQuery, s)
}

// intValue accepts a JSON number or a numeric string.
func intValue(v json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("%v is not an integer", f)
		}
		return int(f), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("expected integer")
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func intList(v json.RawMessage) ([]int, error) {
	if len(v) > 0 && v[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err != nil {
			return nil, err
		}
		out := make([]int, 0, len(items))
		for _, it := range items {
			n, err := intValue(it)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		sort.Ints(out)
		return out, nil
	}
	n, err := intValue(v)
	if err != nil {
		return nil, err
	}
	return []int{n}, nil
}

func parseResample(v json.RawMessage) (*Resample, error) {
	var r struct {
		Freq     string `json:"freq"`
		Operator string `json:"operator"`
	}
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, err
	}
	if r.Freq == "" {
		return nil, fmt.Errorf("%w: resample needs freq", ErrInvalidQuery)
	}
	if r.Operator == "" {
		r.Operator = "nanmean"
	}
	if _, err := geo.LookupAggregation(r.Operator); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return &Resample{Freq: r.Freq, Operator: r.Operator}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
