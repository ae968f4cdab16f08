package geo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// encodeCDL writes the cube in CDL, the text notation of NetCDF.
func encodeCDL(w io.Writer, c *DataCube) error {
	bw := bufio.NewWriter(w)
	name := c.Attrs["title"]
	if name == "" {
		name = "result"
	}
	fmt.Fprintf(bw, "netcdf %s {\n", cdlName(name))

	fmt.Fprintln(bw, "dimensions:")
	for _, d := range c.Dims {
		fmt.Fprintf(bw, "\t%s = %d ;\n", d.Name, len(d.Values))
	}

	fmt.Fprintln(bw, "variables:")
	dimNames := make([]string, len(c.Dims))
	for i, d := range c.Dims {
		dimNames[i] = d.Name
		fmt.Fprintf(bw, "\tdouble %s(%s) ;\n", d.Name, d.Name)
		if d.Name == DimTime {
			fmt.Fprintf(bw, "\t\t%s:units = \"seconds since 1970-01-01 00:00:00\" ;\n", d.Name)
		}
	}
	for _, f := range c.Fields {
		fmt.Fprintf(bw, "\tdouble %s(%s) ;\n", f.Name, strings.Join(dimNames, ", "))
		if f.Units != "" {
			fmt.Fprintf(bw, "\t\t%s:units = %q ;\n", f.Name, f.Units)
		}
		fmt.Fprintf(bw, "\t\t%s:_FillValue = NaN ;\n", f.Name)
	}

	if len(c.Attrs) > 0 {
		fmt.Fprintln(bw, "\n// global attributes:")
		keys := make([]string, 0, len(c.Attrs))
		for k := range c.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(bw, "\t\t:%s = %q ;\n", k, c.Attrs[k])
		}
	}

	fmt.Fprintln(bw, "data:")
	for _, d := range c.Dims {
		fmt.Fprintf(bw, "\n %s = %s ;\n", d.Name, cdlValues(d.Values))
	}
	for _, f := range c.Fields {
		fmt.Fprintf(bw, "\n %s = %s ;\n", f.Name, cdlValues(f.Values))
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func cdlValues(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		if math.IsNaN(v) {
			parts[i] = "_"
			continue
		}
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ", ")
}

func cdlName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

type geoJSONFeature struct {
	Type       string         `json:"type"`
	Geometry   geoJSONPoint   `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type geoJSONPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// encodeGeoJSON writes one Point feature per grid point; time and vertical
// coordinates, when present, become feature properties.
func encodeGeoJSON(w io.Writer, c *DataCube) error {
	lat, lon := c.DimIndex(DimLatitude), c.DimIndex(DimLongitude)
	if lat < 0 || lon < 0 {
		return fmt.Errorf("%w: geojson needs %s and %s dimensions", ErrUnsupportedFormat, DimLatitude, DimLongitude)
	}
	shape := c.Shape()
	features := make([]geoJSONFeature, 0, c.Size())
	pos := make([]int, len(shape))
	for flat := 0; flat < c.Size(); flat++ {
		rem := flat
		for i := len(shape) - 1; i >= 0; i-- {
			pos[i] = rem % shape[i]
			rem /= shape[i]
		}
		props := make(map[string]any, len(c.Fields)+2)
		for i, d := range c.Dims {
			switch d.Name {
			case DimLatitude, DimLongitude:
			case DimTime:
				props[d.Name] = UnixTime(d.Values[pos[i]]).Format(time.RFC3339)
			default:
				props[d.Name] = d.Values[pos[i]]
			}
		}
		for _, f := range c.Fields {
			if v := f.Values[flat]; !math.IsNaN(v) {
				props[f.Name] = v
			} else {
				props[f.Name] = nil
			}
		}
		features = append(features, geoJSONFeature{
			Type: "Feature",
			Geometry: geoJSONPoint{
				Type:        "Point",
				Coordinates: [2]float64{c.Dims[lon].Values[pos[lon]], c.Dims[lat].Values[pos[lat]]},
			},
			Properties: props,
		})
	}
	return json.NewEncoder(w).Encode(map[string]any{
		"type":     "FeatureCollection",
		"metadata": c.Attrs,
		"features": features,
	})
}
