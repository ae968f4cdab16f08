// Package catalog describes the datasets a deployment serves and keeps their
// handles resident in memory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"geolake/internal/geo"
)

// ErrMissingEntry is returned for datasets or products absent from the catalog.
var ErrMissingEntry = errors.New("missing catalog entry")

// Product is one readable data product of a dataset.
type Product struct {
	Description     string         `yaml:"description" json:"description"`
	Path            string         `yaml:"path" json:"-"`
	MetadataCaching *bool          `yaml:"metadata_caching" json:"-"`
	Metadata        map[string]any `yaml:"metadata" json:"metadata,omitempty"`
}

// Caching reports whether the product is loaded during cache warm-up.
// Products cache by default.
func (p Product) Caching() bool {
	return p.MetadataCaching == nil || *p.MetadataCaching
}

// Dataset groups products under shared metadata.
type Dataset struct {
	Metadata map[string]any     `yaml:"metadata" json:"metadata,omitempty"`
	Products map[string]Product `yaml:"products" json:"products"`
}

// Catalog is the parsed catalog file. Product paths are relative to it.
type Catalog struct {
	Datasets map[string]Dataset `yaml:"datasets"`

	dir     string
	ignored map[string]bool
}

// Load parses the catalog file at path. Ignored dataset ids are hidden from
// DatasetList.
func Load(path string, ignored ...string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	c.dir = filepath.Dir(path)
	c.ignored = make(map[string]bool, len(ignored))
	for _, id := range ignored {
		c.ignored[id] = true
	}
	return &c, nil
}

// DatasetList returns the sorted dataset ids.
func (c *Catalog) DatasetList() []string {
	out := make([]string, 0, len(c.Datasets))
	for id := range c.Datasets {
		if !c.ignored[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ProductList returns the sorted product ids of a dataset.
func (c *Catalog) ProductList(datasetID string) ([]string, error) {
	ds, err := c.dataset(datasetID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ds.Products))
	for id := range ds.Products {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Product returns the catalog entry of a product.
func (c *Catalog) Product(datasetID, productID string) (Product, error) {
	ds, err := c.dataset(datasetID)
	if err != nil {
		return Product{}, err
	}
	p, ok := ds.Products[productID]
	if !ok {
		return Product{}, fmt.Errorf("%w: product %s.%s", ErrMissingEntry, datasetID, productID)
	}
	return p, nil
}

// ReadChunked reads a product from its backing file. Every call reads the
// file again.
func (c *Catalog) ReadChunked(ctx context.Context, datasetID, productID string) (geo.Kube, error) {
	p, err := c.Product(datasetID, productID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := p.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s.%s: %w", datasetID, productID, err)
	}
	defer f.Close()
	k, err := geo.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", datasetID, productID, err)
	}
	return k, nil
}

// DatasetInfo is the public description of a dataset and its products.
type DatasetInfo struct {
	ID       string             `json:"id"`
	Metadata map[string]any     `json:"metadata,omitempty"`
	Products map[string]Product `json:"products"`
}

// DatasetInfo describes one dataset.
func (c *Catalog) DatasetInfo(datasetID string) (DatasetInfo, error) {
	ds, err := c.dataset(datasetID)
	if err != nil {
		return DatasetInfo{}, err
	}
	return DatasetInfo{ID: datasetID, Metadata: ds.Metadata, Products: ds.Products}, nil
}

// ProductMetadata returns the metadata block of a product.
func (c *Catalog) ProductMetadata(datasetID, productID string) (map[string]any, error) {
	p, err := c.Product(datasetID, productID)
	if err != nil {
		return nil, err
	}
	return p.Metadata, nil
}

func (c *Catalog) dataset(id string) (Dataset, error) {
	ds, ok := c.Datasets[id]
	if !ok || c.ignored[id] {
		return Dataset{}, fmt.Errorf("%w: dataset %s", ErrMissingEntry, id)
	}
	return ds, nil
}
