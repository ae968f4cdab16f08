package geo

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Aggregation reduces a group of values to one.
type Aggregation func([]float64) float64

// LookupAggregation resolves an aggregation name. The nan-prefixed names are
// accepted as aliases; every aggregation skips NaN values.
func LookupAggregation(name string) (Aggregation, error) {
	switch strings.TrimPrefix(strings.ToLower(name), "nan") {
	case "mean":
		return aggMean, nil
	case "max":
		return aggMax, nil
	case "min":
		return aggMin, nil
	case "sum":
		return aggSum, nil
	}
	return nil, fmt.Errorf("unsupported aggregation %q", name)
}

// Average collapses dim with a NaN-skipping mean.
func (c *DataCube) Average(dim string) (*DataCube, error) {
	i := c.DimIndex(dim)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDimension, dim)
	}
	all := make([]int, len(c.Dims[i].Values))
	for j := range all {
		all[j] = j
	}
	reduced := c.reduce(i, [][]int{all}, aggMean)
	dims := make([]Dim, 0, len(c.Dims)-1)
	dims = append(dims, reduced.Dims[:i]...)
	dims = append(dims, reduced.Dims[i+1:]...)
	reduced.Dims = dims
	return reduced, nil
}

// Resample groups time steps into calendar buckets of freq (hour, day, month,
// year, or pandas-style 1H, 1D, 1M, 1Y) and aggregates each bucket.
func (c *DataCube) Resample(freq string, agg Aggregation) (*DataCube, error) {
	i := c.DimIndex(DimTime)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDimension, DimTime)
	}
	bucket, err := bucketFunc(freq)
	if err != nil {
		return nil, err
	}
	var (
		groups [][]int
		starts []float64
		pos    = map[time.Time]int{}
	)
	for j, v := range c.Dims[i].Values {
		b := bucket(UnixTime(v))
		g, ok := pos[b]
		if !ok {
			g = len(groups)
			pos[b] = g
			groups = append(groups, nil)
			starts = append(starts, TimeCoord(b))
		}
		groups[g] = append(groups[g], j)
	}
	out := c.reduce(i, groups, agg)
	out.Dims[i] = Dim{Name: DimTime, Values: starts}
	return out, nil
}

// reduce aggregates groups of indices along axis, one output slot per group.
func (c *DataCube) reduce(axis int, groups [][]int, agg Aggregation) *DataCube {
	shape := c.Shape()
	outer, inner := 1, 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	n := shape[axis]

	dims := make([]Dim, len(c.Dims))
	copy(dims, c.Dims)
	dims[axis] = Dim{Name: c.Dims[axis].Name, Values: make([]float64, len(groups))}

	fields := make([]Field, len(c.Fields))
	buf := make([]float64, 0, n)
	for fi, f := range c.Fields {
		vals := make([]float64, outer*len(groups)*inner)
		for o := 0; o < outer; o++ {
			for g, members := range groups {
				for k := 0; k < inner; k++ {
					buf = buf[:0]
					for _, m := range members {
						buf = append(buf, f.Values[(o*n+m)*inner+k])
					}
					vals[(o*len(groups)+g)*inner+k] = agg(buf)
				}
			}
		}
		fields[fi] = Field{Name: f.Name, Units: f.Units, Values: vals}
	}
	return &DataCube{Dims: dims, Fields: fields, Attrs: c.Attrs}
}

func bucketFunc(freq string) (func(time.Time) time.Time, error) {
	switch strings.ToLower(strings.TrimPrefix(freq, "1")) {
	case "h", "hour", "hourly":
		return func(t time.Time) time.Time { return t.Truncate(time.Hour) }, nil
	case "d", "day", "daily":
		return func(t time.Time) time.Time {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}, nil
	case "m", "ms", "month", "monthly":
		return func(t time.Time) time.Time {
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		}, nil
	case "y", "ys", "a", "year", "yearly":
		return func(t time.Time) time.Time {
			return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		}, nil
	}
	return nil, fmt.Errorf("unsupported resample frequency %q", freq)
}

func aggMean(vs []float64) float64 {
	var sum float64
	var n int
	for _, v := range vs {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func aggSum(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		if !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

func aggMax(vs []float64) float64 {
	out := math.NaN()
	for _, v := range vs {
		if !math.IsNaN(v) && (math.IsNaN(out) || v > out) {
			out = v
		}
	}
	return out
}

func aggMin(vs []float64) float64 {
	out := math.NaN()
	for _, v := range vs {
		if !math.IsNaN(v) && (math.IsNaN(out) || v < out) {
			out = v
		}
	}
	return out
}
