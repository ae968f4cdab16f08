// Package datastore applies queries to catalog products.
package datastore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"geolake/internal/catalog"
	"geolake/internal/geo"
	"geolake/internal/logging"
	"geolake/internal/query"
)

// Catalog is the read side of the catalog used for fresh reads and listings.
type Catalog interface {
	DatasetList() []string
	ProductList(datasetID string) ([]string, error)
	ReadChunked(ctx context.Context, datasetID, productID string) (geo.Kube, error)
	DatasetInfo(datasetID string) (catalog.DatasetInfo, error)
	ProductMetadata(datasetID, productID string) (map[string]any, error)
}

// Cache hands out resident product handles.
type Cache interface {
	Get(ctx context.Context, datasetID, productID string) (geo.Kube, error)
}

// Config wires a Datastore.
type Config struct {
	Catalog Catalog
	Cache   Cache
	Logger  *logrus.Entry
}

// Datastore runs the query pipeline against cached handles for estimates
// and against fresh catalog reads for jobs.
type Datastore struct {
	catalog Catalog
	cache   Cache
	log     *logrus.Entry
}

// New builds a Datastore.
func New(cfg Config) *Datastore {
	return &Datastore{
		catalog: cfg.Catalog,
		cache:   cfg.Cache,
		log:     logging.OrDiscard(cfg.Logger).WithField("component", "datastore"),
	}
}

// Estimate returns the byte footprint of the query result computed on the
// cached handle. No data is copied.
func (d *Datastore) Estimate(ctx context.Context, datasetID, productID string, q *query.Query) (int64, error) {
	kube, err := d.cache.Get(ctx, datasetID, productID)
	if err != nil {
		return 0, err
	}
	out, err := Process(kube, q)
	if err != nil {
		return 0, err
	}
	return out.NBytes(), nil
}

// Query reads the product fresh from the catalog and runs q on it. With
// compute set the result owns its buffers.
func (d *Datastore) Query(ctx context.Context, datasetID, productID string, q *query.Query, compute bool) (geo.Kube, error) {
	start := time.Now()
	kube, err := d.catalog.ReadChunked(ctx, datasetID, productID)
	if err != nil {
		return nil, err
	}
	out, err := Process(kube, q)
	if err != nil {
		return nil, err
	}
	if compute {
		if out, err = geo.Apply(out, func(c *geo.DataCube) (*geo.DataCube, error) { return c.Compute(), nil }); err != nil {
			return nil, err
		}
	}
	d.log.WithFields(logrus.Fields{
		"dataset_id": datasetID,
		"product_id": productID,
		"elapsed":    time.Since(start).String(),
	}).Debug("query executed")
	return out, nil
}

// DatasetList lists the catalog datasets.
func (d *Datastore) DatasetList() []string { return d.catalog.DatasetList() }

// ProductList lists the products of a dataset.
func (d *Datastore) ProductList(datasetID string) ([]string, error) {
	return d.catalog.ProductList(datasetID)
}

// DatasetInfo describes a dataset.
func (d *Datastore) DatasetInfo(datasetID string) (catalog.DatasetInfo, error) {
	return d.catalog.DatasetInfo(datasetID)
}

// ProductMetadata returns a product's metadata block.
func (d *Datastore) ProductMetadata(datasetID, productID string) (map[string]any, error) {
	return d.catalog.ProductMetadata(datasetID, productID)
}

// Process applies q to kube in a fixed order: attribute filter (datasets
// only), variable selection, bounding box, locations, time, vertical, then
// resampling. The steps do not commute.
func Process(kube geo.Kube, q *query.Query) (geo.Kube, error) {
	if q == nil {
		return kube, nil
	}
	if ds, ok := kube.(*geo.Dataset); ok && q.HasFilters() {
		filtered, err := ds.Filter(q.Filters)
		if err != nil {
			return nil, err
		}
		kube = filtered
	}
	for _, step := range pipeline(q) {
		var err error
		if kube, err = geo.Apply(kube, step); err != nil {
			return nil, err
		}
	}
	return kube, nil
}

type stepFunc func(*geo.DataCube) (*geo.DataCube, error)

func pipeline(q *query.Query) []stepFunc {
	var steps []stepFunc
	if len(q.Variable) > 0 {
		steps = append(steps, func(c *geo.DataCube) (*geo.DataCube, error) { return c.Select(q.Variable) })
	}
	if q.Area != nil {
		steps = append(steps, func(c *geo.DataCube) (*geo.DataCube, error) { return c.GeoBBox(*q.Area) })
	}
	if q.Location != nil {
		steps = append(steps, func(c *geo.DataCube) (*geo.DataCube, error) {
			return c.Locations(q.Location.Latitude, q.Location.Longitude)
		})
	}
	if q.Time != nil {
		steps = append(steps, timeStep(q.Time))
	}
	if q.Vertical != nil {
		steps = append(steps, verticalStep(q.Vertical))
	}
	if q.Resample != nil {
		steps = append(steps, func(c *geo.DataCube) (*geo.DataCube, error) {
			agg, err := geo.LookupAggregation(q.Resample.Operator)
			if err != nil {
				return nil, err
			}
			return c.Resample(q.Resample.Freq, agg)
		})
	}
	return steps
}

func timeStep(t *query.Time) stepFunc {
	switch {
	case t.Range != nil:
		lo, hi := math.Inf(-1), math.Inf(1)
		if t.Range.Start != nil {
			lo = geo.TimeCoord(*t.Range.Start)
		}
		if t.Range.Stop != nil {
			hi = geo.TimeCoord(*t.Range.Stop)
		}
		return func(c *geo.DataCube) (*geo.DataCube, error) {
			return c.SelRange(geo.DimTime, lo, hi, t.Range.Step)
		}
	case t.Combo != nil:
		return func(c *geo.DataCube) (*geo.DataCube, error) { return c.SelTimeCombo(*t.Combo) }
	default:
		return func(c *geo.DataCube) (*geo.DataCube, error) { return c.SelTimeNearest(t.Points...) }
	}
}

func verticalStep(v *query.Vertical) stepFunc {
	if v.Range != nil {
		return func(c *geo.DataCube) (*geo.DataCube, error) {
			return c.SelVerticalRange(v.Range.Start, v.Range.Stop, v.Range.Step)
		}
	}
	if len(v.Points) == 0 {
		return func(c *geo.DataCube) (*geo.DataCube, error) {
			return nil, fmt.Errorf("%w: empty vertical selection", query.ErrInvalidQuery)
		}
	}
	return func(c *geo.DataCube) (*geo.DataCube, error) { return c.SelVerticalNearest(v.Points...) }
}
