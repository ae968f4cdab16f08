package geo

import (
	"fmt"
	"math"
	"time"
)

// BBox is a geographic bounding box in degrees. West greater than East wraps
// across the antimeridian.
type BBox struct {
	North, South, West, East float64
}

// GeoBBox keeps the grid points inside b.
func (c *DataCube) GeoBBox(b BBox) (*DataCube, error) {
	lat, lon := c.DimIndex(DimLatitude), c.DimIndex(DimLongitude)
	if lat < 0 || lon < 0 {
		return nil, fmt.Errorf("%w: bounding box needs %s and %s", ErrMissingDimension, DimLatitude, DimLongitude)
	}
	south, north := math.Min(b.South, b.North), math.Max(b.South, b.North)
	out := c.take(lat, indicesWhere(c.Dims[lat].Values, func(v float64) bool {
		return v >= south && v <= north
	}))
	return out.take(lon, indicesWhere(c.Dims[lon].Values, func(v float64) bool {
		if b.West <= b.East {
			return v >= b.West && v <= b.East
		}
		return v >= b.West || v <= b.East
	})), nil
}

// Locations keeps the grid points nearest to the requested coordinates. The
// selection is orthogonal: every requested latitude is combined with every
// requested longitude.
func (c *DataCube) Locations(lats, lons []float64) (*DataCube, error) {
	out := c
	if len(lats) > 0 {
		i := c.DimIndex(DimLatitude)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingDimension, DimLatitude)
		}
		out = out.take(i, nearestIndices(out.Dims[i].Values, lats))
	}
	if len(lons) > 0 {
		i := c.DimIndex(DimLongitude)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingDimension, DimLongitude)
		}
		out = out.take(i, nearestIndices(out.Dims[i].Values, lons))
	}
	return out, nil
}

// SelRange keeps coordinates of dim within [lo, hi] (inclusive, either order),
// then every step-th of them when step > 1.
func (c *DataCube) SelRange(dim string, lo, hi float64, step int) (*DataCube, error) {
	i := c.DimIndex(dim)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDimension, dim)
	}
	a, b := math.Min(lo, hi), math.Max(lo, hi)
	idx := indicesWhere(c.Dims[i].Values, func(v float64) bool { return v >= a && v <= b })
	if step > 1 {
		strided := idx[:0:0]
		for j := 0; j < len(idx); j += step {
			strided = append(strided, idx[j])
		}
		idx = strided
	}
	return c.take(i, idx), nil
}

// SelNearest keeps, for every target, the coordinate of dim nearest to it.
func (c *DataCube) SelNearest(dim string, targets []float64) (*DataCube, error) {
	i := c.DimIndex(dim)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDimension, dim)
	}
	return c.take(i, nearestIndices(c.Dims[i].Values, targets)), nil
}

// TimeCombo selects time steps by calendar components. Empty lists match all.
type TimeCombo struct {
	Year, Month, Day, Hour []int
}

// SelTimeCombo keeps time steps matching every non-empty component list.
func (c *DataCube) SelTimeCombo(tc TimeCombo) (*DataCube, error) {
	i := c.DimIndex(DimTime)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDimension, DimTime)
	}
	return c.take(i, indicesWhere(c.Dims[i].Values, func(v float64) bool {
		t := UnixTime(v)
		return within(tc.Year, t.Year()) && within(tc.Month, int(t.Month())) &&
			within(tc.Day, t.Day()) && within(tc.Hour, t.Hour())
	})), nil
}

// SelTimeRange is SelRange on the time dimension.
func (c *DataCube) SelTimeRange(start, stop time.Time, step int) (*DataCube, error) {
	return c.SelRange(DimTime, TimeCoord(start), TimeCoord(stop), step)
}

func within(set []int, v int) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func indicesWhere(values []float64, keep func(float64) bool) []int {
	idx := make([]int, 0, len(values))
	for i, v := range values {
		if keep(v) {
			idx = append(idx, i)
		}
	}
	return idx
}

func nearestIndices(values, targets []float64) []int {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(targets))
	idx := make([]int, 0, len(targets))
	for _, t := range targets {
		best := 0
		for i, v := range values {
			if math.Abs(v-t) < math.Abs(values[best]-t) {
				best = i
			}
		}
		if !seen[best] {
			seen[best] = true
			idx = append(idx, best)
		}
	}
	return idx
}

// SelTimeNearest keeps the time steps nearest to ts.
func (c *DataCube) SelTimeNearest(ts ...time.Time) (*DataCube, error) {
	targets := make([]float64, len(ts))
	for i, t := range ts {
		targets[i] = TimeCoord(t)
	}
	return c.SelNearest(DimTime, targets)
}

// SelVerticalRange is SelRange on the vertical dimension.
func (c *DataCube) SelVerticalRange(lo, hi float64, step int) (*DataCube, error) {
	return c.SelRange(DimVertical, lo, hi, step)
}

// SelVerticalNearest keeps the levels nearest to vs.
func (c *DataCube) SelVerticalNearest(vs ...float64) (*DataCube, error) {
	return c.SelNearest(DimVertical, vs)
}
