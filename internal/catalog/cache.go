package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"geolake/internal/geo"
	"geolake/internal/logging"
	"geolake/internal/telemetry"
)

// Source is what the cache reads from. *Catalog implements it.
type Source interface {
	DatasetList() []string
	ProductList(datasetID string) ([]string, error)
	Product(datasetID, productID string) (Product, error)
	ReadChunked(ctx context.Context, datasetID, productID string) (geo.Kube, error)
}

type cacheKey struct {
	dataset, product string
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	Source Source
	// Parallelism bounds concurrent reads during LoadAll. Defaults to 1.
	Parallelism int
	Logger      *logrus.Entry
}

// Cache memoizes product handles for the life of the process. There is no
// eviction. Entries that failed to load are read again on first use.
type Cache struct {
	src         Source
	parallelism int
	log         *logrus.Entry

	mu      sync.RWMutex
	entries map[cacheKey]geo.Kube
	flight  singleflight.Group
}

// NewCache returns an empty cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Cache{
		src:         cfg.Source,
		parallelism: cfg.Parallelism,
		log:         logging.OrDiscard(cfg.Logger).WithField("component", "cache"),
		entries:     make(map[cacheKey]geo.Kube),
	}
}

// LoadResult is the outcome of warming one product.
type LoadResult struct {
	DatasetID string
	ProductID string
	// Skipped is set for products that opt out of caching.
	Skipped bool
	Err     error
}

// Report collects per-product warm-up results.
type Report struct {
	Results []LoadResult
}

// Loaded counts products now resident in the cache.
func (r Report) Loaded() int {
	n := 0
	for _, res := range r.Results {
		if !res.Skipped && res.Err == nil {
			n++
		}
	}
	return n
}

// Err aggregates every per-product failure, or returns nil.
func (r Report) Err() error {
	var result *multierror.Error
	for _, res := range r.Results {
		if res.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s.%s: %w", res.DatasetID, res.ProductID, res.Err))
		}
	}
	return result.ErrorOrNil()
}

// LoadAll reads every cacheable product of the catalog. A failing product is
// logged and skipped; it never stops the others.
func (c *Cache) LoadAll(ctx context.Context) Report {
	var pairs []cacheKey
	var report Report
	for _, ds := range c.src.DatasetList() {
		products, err := c.src.ProductList(ds)
		if err != nil {
			report.Results = append(report.Results, LoadResult{DatasetID: ds, Err: err})
			continue
		}
		for _, p := range products {
			pairs = append(pairs, cacheKey{ds, p})
		}
	}

	results := make([]LoadResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, k := range pairs {
		i, k := i, k
		g.Go(func() error {
			results[i] = c.warm(gctx, k)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = append(report.Results, results...)
	for _, res := range report.Results {
		if res.Err != nil {
			telemetry.CacheWarmupFailure.Inc()
			c.log.WithError(res.Err).WithFields(logrus.Fields{
				"dataset_id": res.DatasetID,
				"product_id": res.ProductID,
			}).Error("failed to load cache entry")
		}
	}
	c.log.WithFields(logrus.Fields{"loaded": report.Loaded(), "total": len(report.Results)}).Info("cache warm-up finished")
	return report
}

func (c *Cache) warm(ctx context.Context, k cacheKey) LoadResult {
	res := LoadResult{DatasetID: k.dataset, ProductID: k.product}
	p, err := c.src.Product(k.dataset, k.product)
	if err != nil {
		res.Err = err
		return res
	}
	if !p.Caching() {
		c.log.WithFields(logrus.Fields{"dataset_id": k.dataset, "product_id": k.product}).Info("metadata caching disabled")
		res.Skipped = true
		return res
	}
	kube, err := c.src.ReadChunked(ctx, k.dataset, k.product)
	if err != nil {
		res.Err = err
		return res
	}
	c.store(k, kube)
	return res
}

// Get returns the cached handle, reading it from the source on a miss.
// Concurrent misses on one key share a single read.
func (c *Cache) Get(ctx context.Context, datasetID, productID string) (geo.Kube, error) {
	k := cacheKey{datasetID, productID}
	c.mu.RLock()
	kube, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		telemetry.CacheHits.Inc()
		return kube, nil
	}

	telemetry.CacheMisses.Inc()
	c.log.WithFields(logrus.Fields{"dataset_id": datasetID, "product_id": productID}).Info("product not in cache, reading from catalog")
	v, err, _ := c.flight.Do(datasetID+"\x00"+productID, func() (any, error) {
		kube, err := c.src.ReadChunked(ctx, datasetID, productID)
		if err != nil {
			return nil, err
		}
		c.store(k, kube)
		return kube, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(geo.Kube), nil
}

// Len is the number of resident entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) store(k cacheKey, kube geo.Kube) {
	c.mu.Lock()
	c.entries[k] = kube
	c.mu.Unlock()
}
