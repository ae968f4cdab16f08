// Package geo holds the in-memory gridded data model that queries run against:
// DataCube (one grid of named fields over shared dimensions) and Dataset (a
// table of DataCubes keyed by categorical attributes). Values are immutable;
// every operation returns a new value.
package geo

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Well-known dimension names.
const (
	DimTime      = "time"
	DimVertical  = "vertical"
	DimLatitude  = "latitude"
	DimLongitude = "longitude"
)

var (
	ErrUnknownVariable   = errors.New("unknown variable")
	ErrUnknownAttribute  = errors.New("unknown attribute")
	ErrMissingDimension  = errors.New("missing dimension")
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Kube is either a *DataCube or a *Dataset.
type Kube interface {
	// NBytes is the payload footprint derived from shapes only.
	NBytes() int64
	// Cubes lists every DataCube held by the value.
	Cubes() []*DataCube
	kube()
}

// Dim is one coordinate axis. Time coordinates are unix seconds.
type Dim struct {
	Name   string
	Values []float64
}

// Field is a named variable laid out row-major over the cube dimensions.
type Field struct {
	Name   string
	Units  string
	Values []float64
}

// DataCube is a homogeneous grid with one or more named fields.
type DataCube struct {
	Dims   []Dim
	Fields []Field
	Attrs  map[string]string
}

func (*DataCube) kube() {}

// Cubes implements Kube.
func (c *DataCube) Cubes() []*DataCube { return []*DataCube{c} }

// Shape returns the length of every dimension in order.
func (c *DataCube) Shape() []int {
	shape := make([]int, len(c.Dims))
	for i, d := range c.Dims {
		shape[i] = len(d.Values)
	}
	return shape
}

// Size is the number of grid points per field.
func (c *DataCube) Size() int {
	n := 1
	for _, d := range c.Dims {
		n *= len(d.Values)
	}
	return n
}

// NBytes implements Kube. It only looks at shapes, never at field values.
func (c *DataCube) NBytes() int64 {
	var n int64
	for _, d := range c.Dims {
		n += int64(len(d.Values)) * 8
	}
	return n + int64(c.Size())*8*int64(len(c.Fields))
}

// Empty reports whether the cube holds no data points.
func (c *DataCube) Empty() bool {
	return len(c.Fields) == 0 || c.Size() == 0
}

// FieldNames lists field names in declaration order.
func (c *DataCube) FieldNames() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// Field returns the named field.
func (c *DataCube) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// DimIndex returns the position of the named dimension or -1.
func (c *DataCube) DimIndex(name string) int {
	for i, d := range c.Dims {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// Times returns the time coordinates, if any.
func (c *DataCube) Times() []time.Time {
	i := c.DimIndex(DimTime)
	if i < 0 {
		return nil
	}
	out := make([]time.Time, len(c.Dims[i].Values))
	for j, v := range c.Dims[i].Values {
		out[j] = UnixTime(v)
	}
	return out
}

// WithAttr returns a copy of c with one attribute set.
func (c *DataCube) WithAttr(key, value string) *DataCube {
	out := c.shallow()
	out.Attrs = make(map[string]string, len(c.Attrs)+1)
	for k, v := range c.Attrs {
		out.Attrs[k] = v
	}
	out.Attrs[key] = value
	return out
}

// Select projects the cube onto the named fields.
func (c *DataCube) Select(names []string) (*DataCube, error) {
	out := c.shallow()
	out.Fields = make([]Field, 0, len(names))
	for _, name := range names {
		f, ok := c.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownVariable, name, c.FieldNames())
		}
		out.Fields = append(out.Fields, f)
	}
	return out, nil
}

// Compute returns a deep copy that owns every buffer it references.
func (c *DataCube) Compute() *DataCube {
	out := &DataCube{
		Dims:   make([]Dim, len(c.Dims)),
		Fields: make([]Field, len(c.Fields)),
		Attrs:  make(map[string]string, len(c.Attrs)),
	}
	for i, d := range c.Dims {
		out.Dims[i] = Dim{Name: d.Name, Values: append([]float64(nil), d.Values...)}
	}
	for i, f := range c.Fields {
		out.Fields[i] = Field{Name: f.Name, Units: f.Units, Values: append([]float64(nil), f.Values...)}
	}
	for k, v := range c.Attrs {
		out.Attrs[k] = v
	}
	return out
}

func (c *DataCube) shallow() *DataCube {
	return &DataCube{Dims: c.Dims, Fields: c.Fields, Attrs: c.Attrs}
}

// take gathers idx along dimension axis for every field.
func (c *DataCube) take(axis int, idx []int) *DataCube {
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
	coords := make([]float64, len(idx))
	for j, i := range idx {
		coords[j] = c.Dims[axis].Values[i]
	}
	dims[axis] = Dim{Name: c.Dims[axis].Name, Values: coords}

	fields := make([]Field, len(c.Fields))
	for fi, f := range c.Fields {
		vals := make([]float64, outer*len(idx)*inner)
		for o := 0; o < outer; o++ {
			for j, i := range idx {
				dst := (o*len(idx) + j) * inner
				src := (o*n + i) * inner
				copy(vals[dst:dst+inner], f.Values[src:src+inner])
			}
		}
		fields[fi] = Field{Name: f.Name, Units: f.Units, Values: vals}
	}
	return &DataCube{Dims: dims, Fields: fields, Attrs: c.Attrs}
}

// Dataset is a table of DataCubes keyed by attribute combinations.
type Dataset struct {
	Attributes []string
	Rows       []Row
}

// Row is one attribute combination and its cube.
type Row struct {
	Attrs map[string]string
	Cube  *DataCube
}

func (*Dataset) kube() {}

// Cubes implements Kube.
func (d *Dataset) Cubes() []*DataCube {
	out := make([]*DataCube, len(d.Rows))
	for i, r := range d.Rows {
		out[i] = r.Cube
	}
	return out
}

// NBytes implements Kube.
func (d *Dataset) NBytes() int64 {
	var n int64
	for _, r := range d.Rows {
		n += r.Cube.NBytes()
	}
	return n
}

// Filter keeps rows whose attributes match every filter. A filter value is
// either a scalar or a list of accepted values.
func (d *Dataset) Filter(filters map[string]any) (*Dataset, error) {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		if !d.hasAttribute(k) {
			return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownAttribute, k, d.Attributes)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &Dataset{Attributes: d.Attributes}
	for _, r := range d.Rows {
		keep := true
		for _, k := range keys {
			if !matches(r.Attrs[k], filters[k]) {
				keep = false
				break
			}
		}
		if keep {
			out.Rows = append(out.Rows, r)
		}
	}
	return out, nil
}

// Map applies fn to every row cube. A failing row fails the whole operation.
func (d *Dataset) Map(fn func(*DataCube) (*DataCube, error)) (*Dataset, error) {
	out := &Dataset{Attributes: d.Attributes, Rows: make([]Row, 0, len(d.Rows))}
	for _, r := range d.Rows {
		c, err := fn(r.Cube)
		if err != nil {
			return nil, fmt.Errorf("row %v: %w", r.Attrs, err)
		}
		out.Rows = append(out.Rows, Row{Attrs: r.Attrs, Cube: c})
	}
	return out, nil
}

func (d *Dataset) hasAttribute(name string) bool {
	for _, a := range d.Attributes {
		if a == name {
			return true
		}
	}
	return false
}

func matches(have string, want any) bool {
	switch w := want.(type) {
	case []any:
		for _, item := range w {
			if fmt.Sprint(item) == have {
				return true
			}
		}
		return false
	case []string:
		for _, item := range w {
			if item == have {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(w) == have
	}
}

// Apply runs fn on k: directly for a DataCube, row-wise for a Dataset.
func Apply(k Kube, fn func(*DataCube) (*DataCube, error)) (Kube, error) {
	switch v := k.(type) {
	case *DataCube:
		return fn(v)
	case *Dataset:
		return v.Map(fn)
	default:
		return nil, fmt.Errorf("unsupported kube type %T", k)
	}
}

// UnixTime converts a time coordinate to time.Time.
func UnixTime(v float64) time.Time {
	return time.Unix(int64(v), 0).UTC()
}

// TimeCoord converts t to a time coordinate.
func TimeCoord(t time.Time) float64 {
	return float64(t.Unix())
}
