package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"geolake/internal/models"
)

// Memory is an in-process ledger for tests and single-node runs.
type Memory struct {
	mu         sync.RWMutex
	workers    map[int64]models.Worker
	requests   map[int64]models.Request
	nextWorker int64
	nextReq    int64
	now        func() time.Time
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		workers:  make(map[int64]models.Worker),
		requests: make(map[int64]models.Request),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateWorker(_ context.Context, p CreateWorkerParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWorker++
	m.workers[m.nextWorker] = models.Worker{
		WorkerID:         m.nextWorker,
		Status:           p.Status,
		Host:             p.Host,
		SchedulerPort:    p.SchedulerPort,
		DashboardAddress: p.DashboardAddress,
		CreatedAt:        m.now(),
	}
	return m.nextWorker, nil
}

func (m *Memory) CreateRequest(_ context.Context, p CreateRequestParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextReq++
	now := m.now()
	m.requests[m.nextReq] = models.Request{
		RequestID: m.nextReq,
		DatasetID: p.DatasetID,
		ProductID: p.ProductID,
		Query:     p.Query,
		Status:    defaultStatus(p.Status),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return m.nextReq, nil
}

// PutRequest stores a request as-is, replacing any record with the same id.
func (m *Memory) PutRequest(req models.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	if req.RequestID > m.nextReq {
		m.nextReq = req.RequestID
	}
	m.requests[req.RequestID] = req
}

func (m *Memory) UpdateRequest(_ context.Context, u RequestUpdate) error {
	if err := u.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[u.RequestID]
	if !ok {
		return fmt.Errorf("request %d: %w", u.RequestID, ErrNotFound)
	}
	if err := checkTransition(u.RequestID, req.Status, u.Status); err != nil {
		return err
	}
	req.WorkerID = nullableID(u.WorkerID)
	req.Status = u.Status
	req.LocationPath = copyPtr(u.LocationPath)
	req.SizeBytes = copyPtr(u.SizeBytes)
	req.DownloadURI = copyPtr(u.DownloadURI)
	req.FailReason = copyPtr(u.FailReason)
	req.UpdatedAt = m.now()
	m.requests[u.RequestID] = req
	return nil
}

func (m *Memory) GetRequest(_ context.Context, requestID int64) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[requestID]
	if !ok {
		return models.Request{}, fmt.Errorf("request %d: %w", requestID, ErrNotFound)
	}
	return req, nil
}

func (m *Memory) GetRequestStatusAndReason(ctx context.Context, requestID int64) (models.RequestStatus, *string, error) {
	req, err := m.GetRequest(ctx, requestID)
	if err != nil {
		return "", nil, err
	}
	return req.Status, req.FailReason, nil
}

func (m *Memory) GetDownloadDetailsForRequest(ctx context.Context, requestID int64) (models.Download, error) {
	req, err := m.GetRequest(ctx, requestID)
	if err != nil {
		return models.Download{}, err
	}
	if req.LocationPath == nil {
		return models.Download{}, fmt.Errorf("download for request %d: %w", requestID, ErrNotFound)
	}
	return models.Download{LocationPath: *req.LocationPath, SizeBytes: *req.SizeBytes, DownloadURI: req.DownloadURI}, nil
}

// Requests returns a snapshot of every request.
func (m *Memory) Requests() []models.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	return out
}

// Worker returns a registered worker.
func (m *Memory) Worker(id int64) (models.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	return w, ok
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
