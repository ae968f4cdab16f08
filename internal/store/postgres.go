package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"geolake/internal/models"
)

// Postgres wraps pgxpool for ledger persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateWorker inserts a worker row and returns its id.
func (s *Postgres) CreateWorker(ctx context.Context, p CreateWorkerParams) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO workers (status, host, dask_scheduler_port, dask_dashboard_address, created_on)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING worker_id
	`, p.Status, p.Host, p.SchedulerPort, p.DashboardAddress, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert worker: %w", err)
	}
	return id, nil
}

// CreateRequest inserts a request row in PENDING unless told otherwise.
func (s *Postgres) CreateRequest(ctx context.Context, p CreateRequestParams) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO requests (status, priority, dataset, product, query, estimate_bytes_size, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING request_id
	`, string(defaultStatus(p.Status)), p.Priority, p.DatasetID, p.ProductID, p.Query, p.Estimate, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	return id, nil
}

// UpdateRequest applies a status transition atomically. A DONE update
// writes a downloads row; any earlier download of the request is removed.
func (s *Postgres) UpdateRequest(ctx context.Context, u RequestUpdate) error {
	if err := u.validate(); err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var current string
	var oldDownload pgtype.Int8
	err = tx.QueryRow(ctx, `
		SELECT status, download_id FROM requests WHERE request_id = $1 FOR UPDATE
	`, u.RequestID).Scan(&current, &oldDownload)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("request %d: %w", u.RequestID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock request: %w", err)
	}
	if err := checkTransition(u.RequestID, models.RequestStatus(current), u.Status); err != nil {
		return err
	}

	var downloadID *int64
	if u.Status == models.StatusDone {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO downloads (download_uri, storage_id, location_path, bytes_size, created_on)
			VALUES ($1, 0, $2, $3, NOW())
			RETURNING download_id
		`, u.DownloadURI, *u.LocationPath, *u.SizeBytes).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert download: %w", err)
		}
		downloadID = &id
	}

	_, err = tx.Exec(ctx, `
		UPDATE requests
		SET status = $2, worker_id = $3, download_id = $4, fail_reason = $5, last_update = NOW()
		WHERE request_id = $1
	`, u.RequestID, string(u.Status), nullableID(u.WorkerID), downloadID, u.FailReason)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if oldDownload.Valid {
		if _, err := tx.Exec(ctx, `DELETE FROM downloads WHERE download_id = $1`, oldDownload.Int64); err != nil {
			return fmt.Errorf("delete stale download: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetRequest fetches a request with its download, if any.
func (s *Postgres) GetRequest(ctx context.Context, requestID int64) (models.Request, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT r.request_id, r.dataset, r.product, r.query, r.worker_id, r.status,
		       d.location_path, d.bytes_size, d.download_uri, r.fail_reason, r.created_on, r.last_update
		FROM requests r LEFT JOIN downloads d ON d.download_id = r.download_id
		WHERE r.request_id = $1
	`, requestID)

	var req models.Request
	var dataset, product, query, location, uri, reason pgtype.Text
	var worker, size pgtype.Int8
	var status string
	var updated pgtype.Timestamptz
	if err := row.Scan(&req.RequestID, &dataset, &product, &query, &worker, &status,
		&location, &size, &uri, &reason, &req.CreatedAt, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Request{}, fmt.Errorf("request %d: %w", requestID, ErrNotFound)
		}
		return models.Request{}, fmt.Errorf("scan request: %w", err)
	}
	req.DatasetID = dataset.String
	req.ProductID = product.String
	req.Query = query.String
	req.Status = models.RequestStatus(status)
	req.WorkerID = int8Ptr(worker)
	req.LocationPath = textPtr(location)
	req.SizeBytes = int8Ptr(size)
	req.DownloadURI = textPtr(uri)
	req.FailReason = textPtr(reason)
	if updated.Valid {
		req.UpdatedAt = updated.Time
	} else {
		req.UpdatedAt = req.CreatedAt
	}
	return req, nil
}

// GetRequestStatusAndReason returns the status and fail reason of a request.
func (s *Postgres) GetRequestStatusAndReason(ctx context.Context, requestID int64) (models.RequestStatus, *string, error) {
	var status string
	var reason pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT status, fail_reason FROM requests WHERE request_id = $1
	`, requestID).Scan(&status, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("request %d: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("query request status: %w", err)
	}
	return models.RequestStatus(status), textPtr(reason), nil
}

// GetDownloadDetailsForRequest returns the download of a finished request.
func (s *Postgres) GetDownloadDetailsForRequest(ctx context.Context, requestID int64) (models.Download, error) {
	var d models.Download
	var uri pgtype.Text
	var size pgtype.Int8
	err := s.pool.QueryRow(ctx, `
		SELECT d.location_path, d.bytes_size, d.download_uri
		FROM requests r JOIN downloads d ON d.download_id = r.download_id
		WHERE r.request_id = $1
	`, requestID).Scan(&d.LocationPath, &size, &uri)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Download{}, fmt.Errorf("download for request %d: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return models.Download{}, fmt.Errorf("query download: %w", err)
	}
	d.SizeBytes = size.Int64
	d.DownloadURI = textPtr(uri)
	return d, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

// nullableID maps the zero id to NULL.
func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func int8Ptr(v pgtype.Int8) *int64 {
	if v.Valid {
		return &v.Int64
	}
	return nil
}
