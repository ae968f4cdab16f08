// Package geotest builds small deterministic cubes and datasets for tests.
package geotest

import (
	"time"

	"geolake/internal/geo"
)

// Epoch is the first time step of every fixture.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Cube returns a 4 (hourly time) x 3 (vertical) x 4 (latitude) x 3 (longitude)
// grid. Each named field holds its flat index plus a per-field offset of
// 1000 * field position, so values identify their origin.
func Cube(fields ...string) *geo.DataCube {
	if len(fields) == 0 {
		fields = []string{"tas", "pr"}
	}
	times := make([]float64, 4)
	for i := range times {
		times[i] = geo.TimeCoord(Epoch.Add(time.Duration(i) * time.Hour))
	}
	c := &geo.DataCube{
		Dims: []geo.Dim{
			{Name: geo.DimTime, Values: times},
			{Name: geo.DimVertical, Values: []float64{1000, 850, 500}},
			{Name: geo.DimLatitude, Values: []float64{40, 41, 42, 43}},
			{Name: geo.DimLongitude, Values: []float64{10, 11, 12}},
		},
		Attrs: map[string]string{"title": "fixture"},
	}
	size := c.Size()
	for fi, name := range fields {
		vals := make([]float64, size)
		for i := range vals {
			vals[i] = float64(fi*1000 + i)
		}
		c.Fields = append(c.Fields, geo.Field{Name: name, Units: "1", Values: vals})
	}
	return c
}

// Daily returns a single-point cube with one value per day over n days,
// value = day index.
func Daily(n int) *geo.DataCube {
	times := make([]float64, n)
	vals := make([]float64, n)
	for i := range times {
		times[i] = geo.TimeCoord(Epoch.AddDate(0, 0, i))
		vals[i] = float64(i)
	}
	return &geo.DataCube{
		Dims: []geo.Dim{
			{Name: geo.DimTime, Values: times},
			{Name: geo.DimLatitude, Values: []float64{45}},
			{Name: geo.DimLongitude, Values: []float64{9}},
		},
		Fields: []geo.Field{{Name: "tas", Units: "K", Values: vals}},
	}
}

// Dataset returns a three-row table keyed by model and scenario:
//
//	model=a scenario=historical -> tas, pr
//	model=b scenario=historical -> tas
//	model=c scenario=rcp85      -> pr
func Dataset() *geo.Dataset {
	return &geo.Dataset{
		Attributes: []string{"model", "scenario"},
		Rows: []geo.Row{
			{Attrs: map[string]string{"model": "a", "scenario": "historical"}, Cube: Cube("tas", "pr")},
			{Attrs: map[string]string{"model": "b", "scenario": "historical"}, Cube: Cube("tas")},
			{Attrs: map[string]string{"model": "c", "scenario": "rcp85"}, Cube: Cube("pr")},
		},
	}
}
