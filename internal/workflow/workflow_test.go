package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geolake/internal/geo"
	"geolake/internal/geo/geotest"
	"geolake/internal/query"
)

type fakeSubsetter struct {
	calls []string
	kube  geo.Kube
}

func (f *fakeSubsetter) Query(_ context.Context, ds, prod string, q *query.Query, compute bool) (geo.Kube, error) {
	f.calls = append(f.calls, ds+"/"+prod)
	return f.kube, nil
}

const averaged = `{"tasks": [
	{"id": "avg", "op": "average", "use": ["sub"], "args": {"dim": "time"}},
	{"id": "sub", "op": "subset", "args": {"dataset_id": "era5", "product_id": "hourly", "query": {"variable": "tas"}}}
]}`

func TestParseFindsDatasetAndProduct(t *testing.T) {
	w, err := Parse([]byte(averaged))
	require.NoError(t, err)
	assert.Equal(t, "era5", w.DatasetID)
	assert.Equal(t, "hourly", w.ProductID)
	require.Len(t, w.Tasks, 2)
	assert.Equal(t, []string{"tas"}, w.Tasks[1].query.Variable)

	bare, err := Parse([]byte(`[{"id": 1, "op": "subset", "args": {"dataset_id": "a", "product_id": "b"}}]`))
	require.NoError(t, err)
	assert.Equal(t, "1", bare.Tasks[0].ID)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"no dataset":   `[{"id": "a", "op": "average", "args": {"dim": "time", "product_id": "p"}}]`,
		"duplicate id": `[{"id": "a", "op": "subset", "args": {"dataset_id": "d", "product_id": "p"}}, {"id": "a", "op": "average", "args": {"dim": "time"}}]`,
		"unknown op":   `[{"id": "a", "op": "regrid", "args": {"dataset_id": "d", "product_id": "p"}}]`,
		"bad query":    `[{"id": "a", "op": "subset", "args": {"dataset_id": "d", "product_id": "p", "query": {"time": "soon"}}}]`,
		"empty":        `[]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte(`[{"id": "a", "op": "regrid", "args": {"dataset_id": "d", "product_id": "p"}}]`))
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestOrderIsTopological(t *testing.T) {
	w, err := Parse([]byte(averaged))
	require.NoError(t, err)
	order, err := w.Order()
	require.NoError(t, err)
	assert.Equal(t, "sub", order[0].ID)
	assert.Equal(t, "avg", order[1].ID)
}

func TestOrderDetectsCyclesAndUndefined(t *testing.T) {
	cyclic := &Workflow{Tasks: []Task{
		{ID: "a", Op: OpAverage, Use: []string{"b"}},
		{ID: "b", Op: OpAverage, Use: []string{"a"}},
	}}
	_, err := cyclic.Order()
	assert.ErrorContains(t, err, "cycles")

	dangling := &Workflow{Tasks: []Task{{ID: "a", Op: OpAverage, Use: []string{"zz"}}}}
	_, err = dangling.Order()
	assert.ErrorContains(t, err, `undefined task "zz"`)
}

func TestComputeChainsResults(t *testing.T) {
	w, err := Parse([]byte(`[
		{"id": "sub", "op": "subset", "args": {"dataset_id": "era5", "product_id": "daily"}},
		{"id": "monthly", "op": "resample", "use": ["sub"], "args": {"freq": "1M", "agg": "max"}}
	]`))
	require.NoError(t, err)

	fs := &fakeSubsetter{kube: geotest.Daily(40)}
	out, err := w.Compute(context.Background(), fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"era5/daily"}, fs.calls)

	cube, ok := out.(*geo.DataCube)
	require.True(t, ok)
	assert.Equal(t, []float64{30, 39}, cube.Fields[0].Values)
}

func TestComputeAppliesRowWise(t *testing.T) {
	w, err := Parse([]byte(averaged))
	require.NoError(t, err)
	out, err := w.Compute(context.Background(), &fakeSubsetter{kube: geotest.Dataset()})
	require.NoError(t, err)

	ds, ok := out.(*geo.Dataset)
	require.True(t, ok)
	require.Len(t, ds.Rows, 3)
	for _, r := range ds.Rows {
		assert.Equal(t, -1, r.Cube.DimIndex(geo.DimTime))
	}
}

func TestComputeStopsOnCancel(t *testing.T) {
	w, err := Parse([]byte(averaged))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Compute(ctx, &fakeSubsetter{kube: geotest.Daily(2)})
	assert.ErrorIs(t, err, context.Canceled)
}
