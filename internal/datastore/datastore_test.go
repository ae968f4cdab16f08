package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geolake/internal/catalog"
	"geolake/internal/geo"
	"geolake/internal/geo/geotest"
	"geolake/internal/query"
)

type stubCatalog struct {
	kube  geo.Kube
	reads int
}

func (s *stubCatalog) DatasetList() []string                           { return []string{"cordex"} }
func (s *stubCatalog) ProductList(string) ([]string, error)            { return []string{"daily"}, nil }
func (s *stubCatalog) DatasetInfo(string) (catalog.DatasetInfo, error) { return catalog.DatasetInfo{}, nil }
func (s *stubCatalog) ProductMetadata(string, string) (map[string]any, error) {
	return nil, nil
}

func (s *stubCatalog) ReadChunked(_ context.Context, ds, prod string) (geo.Kube, error) {
	if ds != "cordex" || prod != "daily" {
		return nil, catalog.ErrMissingEntry
	}
	s.reads++
	return s.kube, nil
}

type stubCache struct {
	kube geo.Kube
	gets int
}

func (s *stubCache) Get(context.Context, string, string) (geo.Kube, error) {
	s.gets++
	return s.kube, nil
}

func mustParse(t *testing.T, doc string) *query.Query {
	t.Helper()
	q, err := query.Parse([]byte(doc))
	require.NoError(t, err)
	return q
}

func TestProcessFixedOrder(t *testing.T) {
	q := mustParse(t, `{
		"filters": {"model": "a"},
		"variable": "tas",
		"area": {"north": 42, "south": 41, "west": 10, "east": 11},
		"time": {"start": "2020-01-01T01:00:00Z", "stop": "2020-01-01T02:00:00Z"},
		"vertical": 500
	}`)
	out, err := Process(geotest.Dataset(), q)
	require.NoError(t, err)

	ds := out.(*geo.Dataset)
	require.Len(t, ds.Rows, 1)
	cube := ds.Rows[0].Cube
	assert.Equal(t, []string{"tas"}, cube.FieldNames())
	assert.Equal(t, []int{2, 1, 2, 2}, cube.Shape())
	// t=1, v=2 (500), lat=41 (1), lon=10 (0): ((1*3+2)*4+1)*3+0
	assert.Equal(t, float64(63), cube.Fields[0].Values[0])
}

func TestFilterBeforeSelectIsLoadBearing(t *testing.T) {
	q := mustParse(t, `{"filters": {"model": "a"}, "variable": "pr"}`)

	_, err := Process(geotest.Dataset(), q)
	require.NoError(t, err)

	// select first: row b has no pr, so the swapped order fails
	_, err = geo.Apply(geotest.Dataset(), func(c *geo.DataCube) (*geo.DataCube, error) { return c.Select(q.Variable) })
	assert.ErrorIs(t, err, geo.ErrUnknownVariable)
}

func TestAreaBeforeLocationIsLoadBearing(t *testing.T) {
	area := geo.BBox{North: 41, South: 40, West: 10, East: 11}
	q := &query.Query{Area: &area, Location: &query.Location{Latitude: []float64{45}}}

	out, err := Process(geotest.Cube("tas"), q)
	require.NoError(t, err)
	assert.Equal(t, []float64{41}, out.(*geo.DataCube).Dims[2].Values)

	swapped, err := geotest.Cube("tas").Locations([]float64{45}, nil)
	require.NoError(t, err)
	swapped, err = swapped.GeoBBox(area)
	require.NoError(t, err)
	assert.True(t, swapped.Empty())
}

func TestProcessErrors(t *testing.T) {
	_, err := Process(geotest.Dataset(), mustParse(t, `{"filters": {"member": "r1"}}`))
	assert.ErrorIs(t, err, geo.ErrUnknownAttribute)

	_, err = Process(geotest.Cube("tas"), mustParse(t, `{"variable": "zg"}`))
	assert.ErrorIs(t, err, geo.ErrUnknownVariable)

	// filters do not apply to a single cube
	out, err := Process(geotest.Cube("tas"), mustParse(t, `{"model": "a"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"tas"}, out.(*geo.DataCube).FieldNames())
}

func TestEstimateUsesCacheQueryReadsFresh(t *testing.T) {
	cat := &stubCatalog{kube: geotest.Dataset()}
	cache := &stubCache{kube: geotest.Dataset()}
	d := New(Config{Catalog: cat, Cache: cache})
	q := mustParse(t, `{"model": "b", "variable": "tas", "vertical": [850]}`)

	size, err := d.Estimate(context.Background(), "cordex", "daily", q)
	require.NoError(t, err)
	// 4*1*4*3 points * 8 bytes + (4+1+4+3) coordinates * 8 bytes
	assert.Equal(t, int64(48*8+12*8), size)
	assert.Equal(t, 1, cache.gets)
	assert.Equal(t, 0, cat.reads)

	out, err := d.Query(context.Background(), "cordex", "daily", q, true)
	require.NoError(t, err)
	assert.Equal(t, size, out.NBytes())
	assert.Equal(t, 1, cat.reads)

	_, err = d.Query(context.Background(), "era5", "hourly", q, false)
	assert.ErrorIs(t, err, catalog.ErrMissingEntry)
}

func TestQueryComputeReportsFailure(t *testing.T) {
	// a reader returning no handle cannot be materialized
	d := New(Config{Catalog: &stubCatalog{}, Cache: &stubCache{}})

	out, err := d.Query(context.Background(), "cordex", "daily", nil, true)
	assert.ErrorContains(t, err, "unsupported kube type")
	assert.Nil(t, out)
}
