package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geolake/internal/geo"
)

func TestParseFullQuery(t *testing.T) {
	q, err := Parse([]byte(`{
		"variable": ["tas", "pr"],
		"time": {"start": "2020-01-01", "stop": "2020-01-31T18:00:00Z", "step": 2},
		"area": {"north": 45, "south": 40, "west": 5, "east": 12},
		"vertical": {"start": 1000, "stop": 500},
		"filters": {"model": "a"},
		"resample": {"freq": "1D"},
		"format": "GeoJSON",
		"format_args": {"indent": 2}
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"tas", "pr"}, q.Variable)
	require.NotNil(t, q.Time.Range)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), *q.Time.Range.Start)
	assert.Equal(t, time.Date(2020, 1, 31, 18, 0, 0, 0, time.UTC), *q.Time.Range.Stop)
	assert.Equal(t, 2, q.Time.Range.Step)
	assert.Equal(t, &geo.BBox{North: 45, South: 40, West: 5, East: 12}, q.Area)
	assert.Equal(t, &VerticalRange{Start: 1000, Stop: 500}, q.Vertical.Range)
	assert.Equal(t, map[string]any{"model": "a"}, q.Filters)
	assert.Equal(t, &Resample{Freq: "1D", Operator: "nanmean"}, q.Resample)
	assert.Equal(t, "geojson", q.Format)
	assert.Equal(t, float64(2), q.FormatArgs["indent"])

	start, stop, ok := q.TimeBounds()
	assert.True(t, ok)
	assert.NotNil(t, start)
	assert.NotNil(t, stop)
}

func TestParseExtraKeysBecomeFilters(t *testing.T) {
	q, err := Parse([]byte(`{"variable": "tas", "model": ["a", "b"], "scenario": "rcp85"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"tas"}, q.Variable)
	assert.Equal(t, map[string]any{"model": []any{"a", "b"}, "scenario": "rcp85"}, q.Filters)
	assert.True(t, q.HasFilters())

	// explicit filters win; extra keys are ignored
	q, err = Parse([]byte(`{"filters": {"model": "a"}, "scenario": "rcp85"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"model": "a"}, q.Filters)
}

func TestParseTimeVariants(t *testing.T) {
	q, err := Parse([]byte(`{"time": {"year": ["2020", 2021], "hour": 12}}`))
	require.NoError(t, err)
	assert.Equal(t, &geo.TimeCombo{Year: []int{2020, 2021}, Hour: []int{12}}, q.Time.Combo)
	_, _, ok := q.TimeBounds()
	assert.False(t, ok)

	q, err = Parse([]byte(`{"time": ["2020-01-01T06:00", "2020-01-02"]}`))
	require.NoError(t, err)
	assert.Len(t, q.Time.Points, 2)

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })
	q, err = Parse([]byte(`{"time": {"start": "2024-01-01", "stop": "NOW"}}`))
	require.NoError(t, err)
	assert.Equal(t, fixed, *q.Time.Range.Stop)

	q, err = Parse([]byte(`{"time": {"stop": "2024-01-01"}}`))
	require.NoError(t, err)
	assert.Nil(t, q.Time.Range.Start)
}

func TestParseVerticalAndLocation(t *testing.T) {
	q, err := Parse([]byte(`{"vertical": [850, 500], "location": {"latitude": 41.2, "longitude": [9, 10]}}`))
	require.NoError(t, err)
	assert.Equal(t, []float64{850, 500}, q.Vertical.Points)
	assert.Equal(t, &Location{Latitude: []float64{41.2}, Longitude: []float64{9, 10}}, q.Location)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"not json":              `{`,
		"area with location":    `{"area": {"north": 1}, "location": {"latitude": 1}}`,
		"unknown bbox key":      `{"area": {"top": 1}}`,
		"unknown combo key":     `{"time": {"minute": 1}}`,
		"slice mixed combo":     `{"time": {"start": "2020-01-01", "year": 2020}}`,
		"bad timestamp":         `{"time": "yesterday"}`,
		"vertical half range":   `{"vertical": {"start": 1000}}`,
		"resample no freq":      `{"resample": {"operator": "max"}}`,
		"resample bad operator": `{"resample": {"freq": "1D", "operator": "median"}}`,
		"variable not strings":  `{"variable": 3}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}
