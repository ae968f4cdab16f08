package models

import (
	"time"
)

// RequestStatus enumerates lifecycle states persisted in the ledger.
type RequestStatus string

const (
	StatusPending RequestStatus = "PENDING"
	StatusQueued  RequestStatus = "QUEUED"
	StatusRunning RequestStatus = "RUNNING"
	StatusDone    RequestStatus = "DONE"
	StatusFailed  RequestStatus = "FAILED"
	StatusTimeout RequestStatus = "TIMEOUT"
)

// Terminal reports whether no further processing is expected for the status.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether a request in status from may move to status to.
// RUNNING is reachable from every state so that a redelivered message re-runs
// its job; terminal states are only reachable from RUNNING.
func CanTransition(from, to RequestStatus) bool {
	switch {
	case !to.Valid():
		return false
	case to == StatusRunning:
		return true
	case to.Terminal():
		return from == StatusRunning
	case to == StatusQueued:
		return from == StatusPending
	case to == StatusPending:
		return false
	}
	return false
}

// AllowedFrom lists the statuses from which to is reachable.
func AllowedFrom(to RequestStatus) []RequestStatus {
	all := []RequestStatus{StatusPending, StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusTimeout}
	out := make([]RequestStatus, 0, len(all))
	for _, from := range all {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Request is a job record in the ledger.
type Request struct {
	RequestID    int64         `json:"request_id"`
	DatasetID    string        `json:"dataset_id"`
	ProductID    string        `json:"product_id"`
	Query        string        `json:"query,omitempty"`
	WorkerID     *int64        `json:"worker_id,omitempty"`
	Status       RequestStatus `json:"status"`
	LocationPath *string       `json:"location_path,omitempty"`
	SizeBytes    *int64        `json:"size_bytes,omitempty"`
	DownloadURI  *string       `json:"download_uri,omitempty"`
	FailReason   *string       `json:"fail_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_on"`
	UpdatedAt    time.Time     `json:"last_update"`
}

// Download describes where a finished request's result lives.
type Download struct {
	LocationPath string  `json:"location_path"`
	SizeBytes    int64   `json:"size_bytes"`
	DownloadURI  *string `json:"download_uri,omitempty"`
}

// Worker is an executor process registered in the ledger.
type Worker struct {
	WorkerID         int64     `json:"worker_id"`
	Status           string    `json:"status"`
	Host             string    `json:"host"`
	SchedulerPort    int       `json:"scheduler_port"`
	DashboardAddress string    `json:"dashboard_address"`
	CreatedAt        time.Time `json:"created_on"`
}
