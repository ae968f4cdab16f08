package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"geolake/internal/catalog"
	"geolake/internal/geo"
	"geolake/internal/logging"
	"geolake/internal/models"
	"geolake/internal/query"
	"geolake/internal/queue"
	"geolake/internal/store"
	"geolake/internal/submit"
	"geolake/internal/telemetry"
	"geolake/internal/workflow"
)

const (
	maxBodyBytes    = 1 << 20
	defaultDLQCount = 100
	maxDLQCount     = 1000
)

// Datastore is the catalog and estimate side used by the API.
type Datastore interface {
	DatasetList() []string
	DatasetInfo(datasetID string) (catalog.DatasetInfo, error)
	ProductMetadata(datasetID, productID string) (map[string]any, error)
	Estimate(ctx context.Context, datasetID, productID string, q *query.Query) (int64, error)
}

// Submitter queues new jobs.
type Submitter interface {
	Query(ctx context.Context, datasetID, productID string, raw []byte, estimate *int64) (int64, error)
	Workflow(ctx context.Context, raw []byte) (int64, error)
}

// Config wires a Server. Submitter may be nil, which disables the execute
// endpoints; DeadLetters may be nil on transports without a dead-letter list.
type Config struct {
	Datastore   Datastore
	Ledger      store.Ledger
	Submitter   Submitter
	DeadLetters queue.DeadLetters
	Logger      *logrus.Entry
}

// Server wires HTTP handlers for catalog browsing, estimates, job
// submission, status polling and downloads.
type Server struct {
	data   Datastore
	ledger store.Ledger
	submit Submitter
	dlq    queue.DeadLetters
	log    *logrus.Entry
}

// New constructs the API server.
func New(cfg Config) *Server {
	return &Server{
		data:   cfg.Datastore,
		ledger: cfg.Ledger,
		submit: cfg.Submitter,
		dlq:    cfg.DeadLetters,
		log:    logging.OrDiscard(cfg.Logger).WithField("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/datasets", s.handleDatasets)
	r.Get("/datasets/{dataset}", s.handleDataset)
	r.Get("/datasets/{dataset}/{product}/metadata", s.handleMetadata)
	r.Post("/datasets/{dataset}/{product}/estimate", s.handleEstimate)
	r.Post("/datasets/{dataset}/{product}/execute", s.handleExecute)
	r.Post("/workflows/execute", s.handleWorkflow)
	r.Get("/requests/{id}/status", s.handleStatus)
	r.Get("/download/{id}", s.handleDownload)
	r.Get("/queues/{queue}/dlq", s.handleDLQ)
	return r
}

// handleDLQ lists the oldest dead-lettered message ids of a queue.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "the broker keeps no dead-letter list"})
		return
	}
	count := int64(defaultDLQCount)
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 || n > maxDLQCount {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("count must be between 1 and %d", maxDLQCount)})
			return
		}
		count = n
	}
	name := chi.URLParam(r, "queue")
	items, err := s.dlq.DLQPeek(r.Context(), name, count)
	if err != nil {
		s.log.WithError(err).WithField("queue", name).Error("read dead letters")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read dead letters"})
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "items": items})
}

func (s *Server) handleDatasets(w http.ResponseWriter, _ *http.Request) {
	ids := s.data.DatasetList()
	infos := make([]catalog.DatasetInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.data.DatasetInfo(id)
		if err != nil {
			s.fail(w, err)
			return
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	info, err := s.data.DatasetInfo(chi.URLParam(r, "dataset"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := s.data.ProductMetadata(chi.URLParam(r, "dataset"), chi.URLParam(r, "product"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

type estimateResponse struct {
	DatasetID string `json:"dataset_id"`
	ProductID string `json:"product_id"`
	Bytes     int64  `json:"estimate_bytes"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	q, err := query.Parse(raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	ds, prod := chi.URLParam(r, "dataset"), chi.URLParam(r, "product")
	n, err := s.data.Estimate(r.Context(), ds, prod, q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimateResponse{DatasetID: ds, ProductID: prod, Bytes: n})
}

type executeResponse struct {
	RequestID int64 `json:"request_id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.submit == nil {
		http.Error(w, "job submission is disabled", http.StatusNotImplemented)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	q, err := query.Parse(raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	ds, prod := chi.URLParam(r, "dataset"), chi.URLParam(r, "product")
	estimate, err := s.data.Estimate(r.Context(), ds, prod, q)
	if err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.submit.Query(r.Context(), ds, prod, raw, &estimate)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, executeResponse{RequestID: id})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.submit == nil {
		http.Error(w, "job submission is disabled", http.StatusNotImplemented)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.submit.Workflow(r.Context(), raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, executeResponse{RequestID: id})
}

type statusResponse struct {
	RequestID  int64                `json:"request_id"`
	Status     models.RequestStatus `json:"status"`
	FailReason *string              `json:"fail_reason,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, reason, err := s.ledger.GetRequestStatusAndReason(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{RequestID: id, Status: status, FailReason: reason})
}

// handleDownload streams a finished result. A .zarr location is a directory
// and needs a filename parameter naming the file inside it.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, _, err := s.ledger.GetRequestStatusAndReason(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if status != models.StatusDone {
		http.Error(w, fmt.Sprintf("request %d is %s", id, status), http.StatusConflict)
		return
	}
	dl, err := s.ledger.GetDownloadDetailsForRequest(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	path := dl.LocationPath
	if strings.HasSuffix(path, ".zarr") {
		name := r.URL.Query().Get("filename")
		if name == "" || name != filepath.Base(name) || name == ".." {
			http.Error(w, "filename parameter naming a file in the zarr store is required", http.StatusBadRequest)
			return
		}
		path = filepath.Join(path, name)
	}

	f, err := os.Open(path)
	if err != nil {
		s.log.WithError(err).WithField("request_id", id).Error("result file unavailable")
		http.Error(w, "result file unavailable", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "result file unavailable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// fail maps domain errors onto status codes. Internal errors are logged and
// never echoed.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrMissingEntry), errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, workflow.ErrInvalidWorkflow),
		errors.Is(err, workflow.ErrUnknownOperator),
		errors.Is(err, geo.ErrUnknownVariable),
		errors.Is(err, geo.ErrUnknownAttribute),
		errors.Is(err, geo.ErrMissingDimension),
		errors.Is(err, submit.ErrSeparator),
		errors.Is(err, errBody):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

var errBody = errors.New("unreadable request body")

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBody, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return []byte(`{}`), nil
	}
	return raw, nil
}

func requestID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid request id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
