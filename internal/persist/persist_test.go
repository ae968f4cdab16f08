package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geolake/internal/geo"
	"geolake/internal/geo/geotest"
	"geolake/internal/query"
)

var stamp = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

func newPersister(t *testing.T, mutate ...func(*Config)) (*Persister, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	cfg := Config{
		StorePath:           dir,
		DownscaledDatasetID: "era5-downscaled",
		DownscaledChain:     "CHAIN",
		Tool:                "geolake",
		Version:             "1.2.3",
		Clock:               testclock.NewClock(stamp),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg), dir
}

func mustQuery(t *testing.T, raw string) *query.Query {
	t.Helper()
	q, err := query.Parse([]byte(raw))
	require.NoError(t, err)
	return q
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func emptyCube(field string) *geo.DataCube {
	return &geo.DataCube{
		Dims:   []geo.Dim{{Name: geo.DimTime}},
		Fields: []geo.Field{{Name: field}},
	}
}

func TestPersistSingleFieldCube(t *testing.T) {
	p, dir := newPersister(t)
	job := Job{RequestID: 7, DatasetID: "era5", ProductID: "reanalysis"}

	res, err := p.Persist(context.Background(), job, geotest.Cube("tas"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "tas_era5_reanalysis_7.nc"), res.Path)
	info, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), res.SizeBytes)
	assert.Nil(t, res.DownloadURI)

	body, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Contains(t, string(body), `:history = "geolake 1.2.3 2024-05-01T12:00:00Z" ;`)
	assert.Equal(t, []string{"tas_era5_reanalysis_7.nc"}, listDir(t, dir))
}

func TestPersistMultiFieldCubeOmitsFieldName(t *testing.T) {
	p, dir := newPersister(t)
	job := Job{RequestID: 8, DatasetID: "era5", ProductID: "reanalysis", Query: mustQuery(t, `{"format": "geojson"}`)}

	res, err := p.Persist(context.Background(), job, geotest.Cube("tas", "pr"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "era5_reanalysis_8.json"), res.Path)
}

func TestPersistDownscaledNaming(t *testing.T) {
	p, dir := newPersister(t)
	job := Job{
		RequestID: 11,
		DatasetID: "era5-downscaled",
		ProductID: "hourly",
		Query:     mustQuery(t, `{"time": {"start": "2020-01-01", "stop": "2020-01-31"}}`),
	}

	res, err := p.Persist(context.Background(), job, geotest.Cube("tas"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tas_hourly_CHAIN_20200101-20200131_11.nc"), res.Path)

	// Without a range the time token is dropped.
	job.RequestID = 12
	job.Query = mustQuery(t, `{"variable": "tas"}`)
	res, err = p.Persist(context.Background(), job, geotest.Cube("tas"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tas_hourly_CHAIN_12.nc"), res.Path)
}

func TestPersistDatasetPacksZip(t *testing.T) {
	p, dir := newPersister(t)
	job := Job{RequestID: 9, DatasetID: "cordex", ProductID: "daily"}

	res, err := p.Persist(context.Background(), job, geotest.Dataset())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "cordex_daily_9.zip"), res.Path)
	assert.Equal(t, []string{"cordex_daily_9.zip"}, listDir(t, dir))

	zr, err := zip.OpenReader(res.Path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		"cordex_daily_a_historical_9.nc",
		"tas_cordex_daily_b_historical_9.nc",
		"pr_cordex_daily_c_rcp85_9.nc",
	}, names)
}

func TestPersistDatasetSingleFileSkipsZip(t *testing.T) {
	p, dir := newPersister(t)
	ds := geotest.Dataset()
	ds.Rows[0].Cube = emptyCube("tas")
	ds.Rows[2].Cube = emptyCube("pr")

	res, err := p.Persist(context.Background(), Job{RequestID: 3, DatasetID: "cordex", ProductID: "daily"}, ds)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tas_cordex_daily_b_historical_3.nc"), res.Path)
	assert.Equal(t, []string{"tas_cordex_daily_b_historical_3.nc"}, listDir(t, dir))
}

func TestPersistEmptyDataset(t *testing.T) {
	p, dir := newPersister(t)
	ds := &geo.Dataset{
		Attributes: []string{"model"},
		Rows:       []geo.Row{{Attrs: map[string]string{"model": "a"}, Cube: emptyCube("tas")}},
	}

	_, err := p.Persist(context.Background(), Job{RequestID: 4, DatasetID: "cordex", ProductID: "daily"}, ds)
	assert.ErrorIs(t, err, ErrEmptyResult)
	assert.Empty(t, listDir(t, dir))
}

func TestPersistRejectsUnsupportedFormatBeforeWriting(t *testing.T) {
	p, dir := newPersister(t)
	job := Job{RequestID: 5, DatasetID: "era5", ProductID: "reanalysis", Query: mustQuery(t, `{"format": "csv"}`)}

	_, err := p.Persist(context.Background(), job, geotest.Cube("tas"))
	assert.ErrorIs(t, err, geo.ErrUnsupportedFormat)
	assert.NoDirExists(t, dir)
}

type fakeMirror struct {
	keys []string
	err  error
}

func (m *fakeMirror) Upload(_ context.Context, key, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return "s3://bucket/" + key, nil
}

func TestPersistMirrorsResult(t *testing.T) {
	mirror := &fakeMirror{}
	p, _ := newPersister(t, func(c *Config) { c.Mirror = mirror })

	res, err := p.Persist(context.Background(), Job{RequestID: 1, DatasetID: "era5", ProductID: "reanalysis"}, geotest.Cube("tas"))
	require.NoError(t, err)
	require.NotNil(t, res.DownloadURI)
	assert.Equal(t, "s3://bucket/tas_era5_reanalysis_1.nc", *res.DownloadURI)
	assert.Equal(t, []string{"tas_era5_reanalysis_1.nc"}, mirror.keys)
}

func TestPersistMirrorFailureKeepsLocalResult(t *testing.T) {
	p, _ := newPersister(t, func(c *Config) { c.Mirror = &fakeMirror{err: errors.New("bucket gone")} })

	res, err := p.Persist(context.Background(), Job{RequestID: 2, DatasetID: "era5", ProductID: "reanalysis"}, geotest.Cube("tas"))
	require.NoError(t, err)
	assert.Nil(t, res.DownloadURI)
	assert.FileExists(t, res.Path)
}

// expiringCtx reports cancellation after a number of Err checks.
type expiringCtx struct {
	context.Context
	checks, live int
}

func (c *expiringCtx) Err() error {
	c.checks++
	if c.checks > c.live {
		return context.Canceled
	}
	return nil
}

func TestPersistCanceledJobWritesNothing(t *testing.T) {
	mirror := &fakeMirror{}
	p, dir := newPersister(t, func(c *Config) { c.Mirror = mirror })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Persist(ctx, Job{RequestID: 3, DatasetID: "era5", ProductID: "reanalysis"}, geotest.Cube("tas"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listDir(t, dir))
	assert.Empty(t, mirror.keys)
}

func TestPersistCanceledBeforeUploadRemovesFile(t *testing.T) {
	mirror := &fakeMirror{}
	p, dir := newPersister(t, func(c *Config) { c.Mirror = mirror })
	ctx := &expiringCtx{Context: context.Background(), live: 1}

	_, err := p.Persist(ctx, Job{RequestID: 4, DatasetID: "era5", ProductID: "reanalysis"}, geotest.Cube("tas"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, ctx.checks)
	assert.Empty(t, listDir(t, dir))
	assert.Empty(t, mirror.keys)
}
