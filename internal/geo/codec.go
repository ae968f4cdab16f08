package geo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// Source documents are JSON. A document with "rows" decodes to a Dataset,
// anything else to a DataCube. Time coordinates are RFC 3339 strings and
// missing values are null.
type cubeDoc struct {
	Attrs  map[string]string `json:"attrs,omitempty"`
	Dims   []dimDoc          `json:"dims"`
	Fields []fieldDoc        `json:"fields"`
}

type dimDoc struct {
	Name   string          `json:"name"`
	Values json.RawMessage `json:"values"`
}

type fieldDoc struct {
	Name   string     `json:"name"`
	Units  string     `json:"units,omitempty"`
	Values nullFloats `json:"values"`
}

type datasetDoc struct {
	Attributes []string `json:"attributes"`
	Rows       []struct {
		Attrs map[string]string `json:"attrs"`
		Cube  cubeDoc           `json:"cube"`
	} `json:"rows"`
}

type nullFloats []float64

func (n *nullFloats) UnmarshalJSON(b []byte) error {
	var raw []*float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *v
		}
	}
	*n = out
	return nil
}

func (n nullFloats) MarshalJSON() ([]byte, error) {
	out := make([]*float64, len(n))
	for i := range n {
		if !math.IsNaN(n[i]) {
			v := n[i]
			out[i] = &v
		}
	}
	return json.Marshal(out)
}

// Decode reads a source document.
func Decode(r io.Reader) (Kube, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	if _, ok := probe["rows"]; ok {
		var doc datasetDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode dataset: %w", err)
		}
		ds := &Dataset{Attributes: doc.Attributes, Rows: make([]Row, 0, len(doc.Rows))}
		for i, r := range doc.Rows {
			cube, err := r.Cube.toCube()
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			ds.Rows = append(ds.Rows, Row{Attrs: r.Attrs, Cube: cube})
		}
		return ds, nil
	}
	var doc cubeDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode cube: %w", err)
	}
	return doc.toCube()
}

func (d cubeDoc) toCube() (*DataCube, error) {
	c := &DataCube{Attrs: d.Attrs, Dims: make([]Dim, 0, len(d.Dims)), Fields: make([]Field, 0, len(d.Fields))}
	for _, dd := range d.Dims {
		var values []float64
		if dd.Name == DimTime {
			var stamps []string
			if err := json.Unmarshal(dd.Values, &stamps); err != nil {
				return nil, fmt.Errorf("time coordinates: %w", err)
			}
			for _, s := range stamps {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return nil, fmt.Errorf("time coordinate %q: %w", s, err)
				}
				values = append(values, TimeCoord(t))
			}
		} else if err := json.Unmarshal(dd.Values, &values); err != nil {
			return nil, fmt.Errorf("%s coordinates: %w", dd.Name, err)
		}
		c.Dims = append(c.Dims, Dim{Name: dd.Name, Values: values})
	}
	size := c.Size()
	for _, f := range d.Fields {
		if len(f.Values) != size {
			return nil, fmt.Errorf("field %s has %d values, grid has %d points", f.Name, len(f.Values), size)
		}
		c.Fields = append(c.Fields, Field{Name: f.Name, Units: f.Units, Values: f.Values})
	}
	return c, nil
}

// EncodeSource writes k as a source document; the inverse of Decode.
func EncodeSource(w io.Writer, k Kube) error {
	var doc any
	switch v := k.(type) {
	case *DataCube:
		doc = toDoc(v)
	case *Dataset:
		type rowDoc struct {
			Attrs map[string]string `json:"attrs"`
			Cube  any               `json:"cube"`
		}
		rows := make([]rowDoc, len(v.Rows))
		for i, r := range v.Rows {
			rows[i] = rowDoc{Attrs: r.Attrs, Cube: toDoc(r.Cube)}
		}
		doc = map[string]any{"attributes": v.Attributes, "rows": rows}
	default:
		return fmt.Errorf("unsupported kube type %T", k)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func toDoc(c *DataCube) any {
	type dimOut struct {
		Name   string `json:"name"`
		Values any    `json:"values"`
	}
	dims := make([]dimOut, len(c.Dims))
	for i, d := range c.Dims {
		if d.Name == DimTime {
			stamps := make([]string, len(d.Values))
			for j, v := range d.Values {
				stamps[j] = UnixTime(v).Format(time.RFC3339)
			}
			dims[i] = dimOut{Name: d.Name, Values: stamps}
			continue
		}
		dims[i] = dimOut{Name: d.Name, Values: d.Values}
	}
	fields := make([]fieldDoc, len(c.Fields))
	for i, f := range c.Fields {
		fields[i] = fieldDoc{Name: f.Name, Units: f.Units, Values: f.Values}
	}
	return map[string]any{"attrs": c.Attrs, "dims": dims, "fields": fields}
}

// Format is an output serialization.
type Format string

const (
	FormatNetCDF  Format = "netcdf"
	FormatGeoJSON Format = "geojson"
)

// ParseFormat validates an output format name; empty means netcdf.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case "", FormatNetCDF:
		return FormatNetCDF, nil
	case FormatGeoJSON:
		return FormatGeoJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Extension is the file extension for the format, dot included.
func (f Format) Extension() string {
	if f == FormatGeoJSON {
		return ".json"
	}
	return ".nc"
}

// Encode serializes one cube.
func Encode(w io.Writer, c *DataCube, f Format) error {
	switch f {
	case FormatNetCDF:
		return encodeCDL(w, c)
	case FormatGeoJSON:
		return encodeGeoJSON(w, c)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

// EncodeBytes is Encode into memory.
func EncodeBytes(c *DataCube, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, c, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
