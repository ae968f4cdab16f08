package geo_test

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geolake/internal/geo"
	"geolake/internal/geo/geotest"
)

func TestSourceRoundTripDataset(t *testing.T) {
	ds := geotest.Dataset()
	ds.Rows[0].Cube.Fields[0].Values[3] = math.NaN()

	var buf bytes.Buffer
	require.NoError(t, geo.EncodeSource(&buf, ds))

	k, err := geo.Decode(&buf)
	require.NoError(t, err)
	got, ok := k.(*geo.Dataset)
	require.True(t, ok, "expected a dataset, got %T", k)
	require.Len(t, got.Rows, 3)
	assert.Equal(t, ds.Rows[1].Attrs, got.Rows[1].Attrs)
	assert.Equal(t, ds.Rows[2].Cube.Dims, got.Rows[2].Cube.Dims)
	assert.True(t, math.IsNaN(got.Rows[0].Cube.Fields[0].Values[3]))
}

func TestDecodeRejectsShapeMismatch(t *testing.T) {
	doc := `{"dims":[{"name":"latitude","values":[1,2]}],"fields":[{"name":"tas","values":[1]}]}`
	_, err := geo.Decode(strings.NewReader(doc))
	assert.ErrorContains(t, err, "field tas has 1 values")
}

func TestParseFormat(t *testing.T) {
	f, err := geo.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, geo.FormatNetCDF, f)
	assert.Equal(t, ".nc", f.Extension())

	f, err = geo.ParseFormat("geojson")
	require.NoError(t, err)
	assert.Equal(t, ".json", f.Extension())

	_, err = geo.ParseFormat("csv")
	assert.ErrorIs(t, err, geo.ErrUnsupportedFormat)
}

func TestEncodeCDL(t *testing.T) {
	c := geotest.Cube("tas").WithAttr("history", "geolake dev")
	c, err := c.GeoBBox(geo.BBox{North: 40, South: 40, West: 10, East: 10})
	require.NoError(t, err)

	out, err := geo.EncodeBytes(c, geo.FormatNetCDF)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "netcdf fixture {")
	assert.Contains(t, text, "\tlatitude = 1 ;")
	assert.Contains(t, text, "double tas(time, vertical, latitude, longitude) ;")
	assert.Contains(t, text, `:history = "geolake dev" ;`)
}

func TestEncodeGeoJSON(t *testing.T) {
	c, err := geotest.Cube("tas").Locations([]float64{41}, []float64{11})
	require.NoError(t, err)
	c, err = c.SelNearest(geo.DimVertical, []float64{500})
	require.NoError(t, err)

	out, err := geo.EncodeBytes(c, geo.FormatGeoJSON)
	require.NoError(t, err)

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 4)
	assert.Equal(t, []float64{11, 41}, doc.Features[0].Geometry.Coordinates)
	assert.Equal(t, "2020-01-01T00:00:00Z", doc.Features[0].Properties["time"])
	assert.Equal(t, float64(500), doc.Features[0].Properties["vertical"])

	noGrid := &geo.DataCube{Dims: []geo.Dim{{Name: geo.DimTime, Values: []float64{0}}}, Fields: []geo.Field{{Name: "x", Values: []float64{1}}}}
	_, err = geo.EncodeBytes(noGrid, geo.FormatGeoJSON)
	assert.ErrorIs(t, err, geo.ErrUnsupportedFormat)
}
