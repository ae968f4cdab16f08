package store

import (
	"context"
	"errors"
	"fmt"

	"geolake/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidUpdate     = errors.New("invalid request update")
)

// Ledger is the durable record of workers and requests.
type Ledger interface {
	CreateWorker(ctx context.Context, p CreateWorkerParams) (int64, error)
	CreateRequest(ctx context.Context, p CreateRequestParams) (int64, error)
	UpdateRequest(ctx context.Context, u RequestUpdate) error
	GetRequest(ctx context.Context, requestID int64) (models.Request, error)
	GetRequestStatusAndReason(ctx context.Context, requestID int64) (models.RequestStatus, *string, error)
	GetDownloadDetailsForRequest(ctx context.Context, requestID int64) (models.Download, error)
}

// CreateWorkerParams registers an executor process.
type CreateWorkerParams struct {
	Status           string
	Host             string
	SchedulerPort    int
	DashboardAddress string
}

// CreateRequestParams collects inputs required to insert a request.
type CreateRequestParams struct {
	DatasetID string
	ProductID string
	Query     string
	Priority  int
	Estimate  *int64
	Status    models.RequestStatus
}

// RequestUpdate moves a request to Status. Location and size are required
// for DONE and rejected otherwise.
type RequestUpdate struct {
	RequestID    int64
	WorkerID     int64
	Status       models.RequestStatus
	LocationPath *string
	SizeBytes    *int64
	DownloadURI  *string
	FailReason   *string
}

func (u RequestUpdate) validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, u.Status)
	}
	done := u.Status == models.StatusDone
	if done && (u.LocationPath == nil || u.SizeBytes == nil) {
		return fmt.Errorf("%w: DONE needs location_path and size_bytes", ErrInvalidUpdate)
	}
	if !done && (u.LocationPath != nil || u.SizeBytes != nil || u.DownloadURI != nil) {
		return fmt.Errorf("%w: location_path and size_bytes are only set for DONE", ErrInvalidUpdate)
	}
	if done && u.FailReason != nil {
		return fmt.Errorf("%w: DONE cannot carry a fail_reason", ErrInvalidUpdate)
	}
	return nil
}

func checkTransition(requestID int64, from, to models.RequestStatus) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: request %d %s -> %s", ErrInvalidTransition, requestID, from, to)
	}
	return nil
}

func defaultStatus(s models.RequestStatus) models.RequestStatus {
	if s == "" {
		return models.StatusPending
	}
	return s
}
