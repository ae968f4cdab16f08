package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geolake/internal/geo"
	"geolake/internal/geo/geotest"
)

const catalogYAML = `
datasets:
  era5:
    metadata:
      description: ERA5 reanalysis
    products:
      hourly:
        description: Hourly single levels
        path: era5-hourly.json
        metadata:
          role: public
      monthly:
        description: Monthly means
        path: missing.json
  cordex:
    products:
      daily:
        description: Regional models
        path: cordex.json
        metadata_caching: false
  medsea-rea-e3r1:
    products:
      daily:
        path: medsea.json
`

func writeSource(t *testing.T, dir, name string, k geo.Kube) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, geo.EncodeSource(f, k))
}

// newTestCatalog lays out a catalog where era5.monthly points at a file that
// does not exist yet.
func newTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))
	writeSource(t, dir, "era5-hourly.json", geotest.Cube("tas", "pr"))
	writeSource(t, dir, "cordex.json", geotest.Dataset())

	c, err := Load(path, "medsea-rea-e3r1")
	require.NoError(t, err)
	return c, dir
}

func TestCatalogListings(t *testing.T) {
	c, _ := newTestCatalog(t)
	assert.Equal(t, []string{"cordex", "era5"}, c.DatasetList())

	products, err := c.ProductList("era5")
	require.NoError(t, err)
	assert.Equal(t, []string{"hourly", "monthly"}, products)

	_, err = c.ProductList("medsea-rea-e3r1")
	assert.ErrorIs(t, err, ErrMissingEntry)
	_, err = c.Product("era5", "daily")
	assert.ErrorIs(t, err, ErrMissingEntry)
}

func TestCatalogInfo(t *testing.T) {
	c, _ := newTestCatalog(t)
	info, err := c.DatasetInfo("era5")
	require.NoError(t, err)
	assert.Equal(t, "era5", info.ID)
	assert.Equal(t, "ERA5 reanalysis", info.Metadata["description"])
	assert.Equal(t, "Hourly single levels", info.Products["hourly"].Description)

	md, err := c.ProductMetadata("era5", "hourly")
	require.NoError(t, err)
	assert.Equal(t, "public", md["role"])

	p, err := c.Product("cordex", "daily")
	require.NoError(t, err)
	assert.False(t, p.Caching())
}

func TestReadChunked(t *testing.T) {
	c, _ := newTestCatalog(t)
	k, err := c.ReadChunked(context.Background(), "cordex", "daily")
	require.NoError(t, err)
	ds, ok := k.(*geo.Dataset)
	require.True(t, ok)
	assert.Len(t, ds.Rows, 3)

	_, err = c.ReadChunked(context.Background(), "era5", "monthly")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
