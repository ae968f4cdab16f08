// Package persist writes query results to the download store under
// deterministic names.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"geolake/internal/geo"
	"geolake/internal/logging"
	"geolake/internal/query"
)

// ErrEmptyResult is returned when every entity of a result is empty.
var ErrEmptyResult = errors.New("result is empty")

// Mirror copies a persisted file to remote storage and returns its URI.
type Mirror interface {
	Upload(ctx context.Context, key, path string) (string, error)
}

// Config configures a Persister.
type Config struct {
	StorePath string
	// DownscaledDatasetID names the dataset whose files use the richer
	// model-chain naming template.
	DownscaledDatasetID string
	DownscaledChain     string
	Tool                string
	Version             string
	Mirror              Mirror
	Clock               clock.Clock
	Logger              *logrus.Entry
}

// Job identifies the request a result belongs to.
type Job struct {
	RequestID int64
	DatasetID string
	ProductID string
	// Query is nil for workflow jobs.
	Query *query.Query
}

// Result is where a persisted result lives.
type Result struct {
	Path        string
	SizeBytes   int64
	DownloadURI *string
}

// Persister serializes result handles.
type Persister struct {
	cfg   Config
	clock clock.Clock
	log   *logrus.Entry
}

// New builds a Persister.
func New(cfg Config) *Persister {
	c := cfg.Clock
	if c == nil {
		c = clock.WallClock
	}
	if cfg.Tool == "" {
		cfg.Tool = "geolake"
	}
	return &Persister{cfg: cfg, clock: c, log: logging.OrDiscard(cfg.Logger).WithField("component", "persist")}
}

// Persist writes k for job. A DataCube becomes one file. A Dataset becomes
// one file per non-empty row; several files are packed into a zip archive
// and removed, a single file is returned as is.
func (p *Persister) Persist(ctx context.Context, job Job, k geo.Kube) (Result, error) {
	format, err := p.format(job)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(p.cfg.StorePath, 0o755); err != nil {
		return Result{}, fmt.Errorf("create store dir: %w", err)
	}
	provenance := p.provenance()

	var path string
	switch v := k.(type) {
	case *geo.DataCube:
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		path, err = p.write(v.WithAttr("history", provenance), p.fileName(job, v, nil, format), format)
		if err != nil {
			return Result{}, err
		}
	case *geo.Dataset:
		path, err = p.persistDataset(ctx, job, v, provenance, format)
		if err != nil {
			return Result{}, err
		}
	default:
		return Result{}, fmt.Errorf("unsupported result type %T", k)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat result: %w", err)
	}
	res := Result{Path: path, SizeBytes: info.Size()}
	if p.cfg.Mirror != nil {
		if err := ctx.Err(); err != nil {
			_ = os.Remove(path)
			return Result{}, err
		}
		uri, err := p.cfg.Mirror.Upload(ctx, filepath.Base(path), path)
		if err != nil {
			p.log.WithError(err).WithField("request_id", job.RequestID).Warn("mirror upload failed")
		} else {
			res.DownloadURI = &uri
		}
	}
	return res, nil
}

func (p *Persister) persistDataset(ctx context.Context, job Job, ds *geo.Dataset, provenance string, format geo.Format) (string, error) {
	var paths []string
	cleanup := func() {
		for _, path := range paths {
			_ = os.Remove(path)
		}
	}
	for _, row := range ds.Rows {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", err
		}
		if row.Cube.Empty() {
			continue
		}
		values := make([]string, 0, len(ds.Attributes))
		for _, a := range ds.Attributes {
			values = append(values, row.Attrs[a])
		}
		path, err := p.write(row.Cube.WithAttr("history", provenance), p.fileName(job, row.Cube, values, format), format)
		if err != nil {
			cleanup()
			return "", err
		}
		paths = append(paths, path)
	}

	switch len(paths) {
	case 0:
		return "", ErrEmptyResult
	case 1:
		return paths[0], nil
	}
	name := strings.Join([]string{token(job.DatasetID), token(job.ProductID), strconv.FormatInt(job.RequestID, 10)}, "_") + ".zip"
	archive, err := p.zip(name, paths)
	cleanup()
	if err != nil {
		return "", err
	}
	return archive, nil
}

func (p *Persister) format(job Job) (geo.Format, error) {
	if job.Query == nil {
		return geo.FormatNetCDF, nil
	}
	return geo.ParseFormat(job.Query.Format)
}

func (p *Persister) provenance() string {
	return fmt.Sprintf("%s %s %s", p.cfg.Tool, p.cfg.Version, p.clock.Now().UTC().Format(time.RFC3339))
}

// fileName builds {field}_{dataset}_{product}[_{row values}]_{request}{ext};
// the field token appears only for single-field cubes. The downscaled
// dataset uses {field}_{product}_{chain}[_{row values}][_{YYYYMMDD-YYYYMMDD}]_{request}{ext}.
func (p *Persister) fileName(job Job, c *geo.DataCube, rowValues []string, format geo.Format) string {
	var tokens []string
	if p.cfg.DownscaledDatasetID != "" && job.DatasetID == p.cfg.DownscaledDatasetID {
		tokens = append(tokens, strings.Join(c.FieldNames(), "-"), job.ProductID, p.cfg.DownscaledChain)
		tokens = append(tokens, rowValues...)
		if span := timeSpan(job.Query, c); span != "" {
			tokens = append(tokens, span)
		}
	} else {
		if len(c.Fields) == 1 {
			tokens = append(tokens, c.Fields[0].Name)
		}
		tokens = append(tokens, job.DatasetID, job.ProductID)
		tokens = append(tokens, rowValues...)
	}
	tokens = append(tokens, strconv.FormatInt(job.RequestID, 10))

	clean := tokens[:0]
	for _, t := range tokens {
		if t = token(t); t != "" {
			clean = append(clean, t)
		}
	}
	return strings.Join(clean, "_") + format.Extension()
}

// timeSpan renders the queried time range as YYYYMMDD-YYYYMMDD. Open bounds
// fall back to the first or last time step of the cube.
func timeSpan(q *query.Query, c *geo.DataCube) string {
	if q == nil {
		return ""
	}
	start, stop, ok := q.TimeBounds()
	if !ok {
		return ""
	}
	times := c.Times()
	if start == nil && len(times) > 0 {
		start = &times[0]
	}
	if stop == nil && len(times) > 0 {
		stop = &times[len(times)-1]
	}
	if start == nil || stop == nil {
		return ""
	}
	return start.Format("20060102") + "-" + stop.Format("20060102")
}

func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '\t', '\n', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, strings.TrimSpace(s))
}

// write encodes c next to its final path and renames it into place.
func (p *Persister) write(c *geo.DataCube, name string, format geo.Format) (string, error) {
	final := filepath.Join(p.cfg.StorePath, name)
	tmp := filepath.Join(p.cfg.StorePath, "."+name+"."+uuid.New().String()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if err := geo.Encode(f, c, format); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return final, nil
}

func (p *Persister) zip(name string, paths []string) (string, error) {
	final := filepath.Join(p.cfg.StorePath, name)
	tmp := filepath.Join(p.cfg.StorePath, "."+name+"."+uuid.New().String()+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	fail := func(err error) (string, error) {
		out.Close()
		os.Remove(tmp)
		return "", err
	}

	zw := zip.NewWriter(out)
	for _, path := range paths {
		if err := addFile(zw, path); err != nil {
			return fail(fmt.Errorf("archive %s: %w", filepath.Base(path), err))
		}
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("finish archive: %w", err))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename archive: %w", err)
	}
	return final, nil
}

func addFile(zw *zip.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(path), Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}
