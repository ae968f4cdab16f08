package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geolake/internal/catalog"
	"geolake/internal/models"
	"geolake/internal/query"
	"geolake/internal/queue"
	"geolake/internal/store"
)

type stubDatastore struct {
	estimates []*query.Query
}

func (s *stubDatastore) DatasetList() []string { return []string{"era5"} }

func (s *stubDatastore) DatasetInfo(id string) (catalog.DatasetInfo, error) {
	if id != "era5" {
		return catalog.DatasetInfo{}, fmt.Errorf("%w: dataset %s", catalog.ErrMissingEntry, id)
	}
	return catalog.DatasetInfo{
		ID:       "era5",
		Products: map[string]catalog.Product{"reanalysis": {Description: "hourly fields", Path: "/secret/era5.json"}},
	}, nil
}

func (s *stubDatastore) ProductMetadata(ds, prod string) (map[string]any, error) {
	return map[string]any{"resolution": "0.25"}, nil
}

func (s *stubDatastore) Estimate(_ context.Context, ds, prod string, q *query.Query) (int64, error) {
	if ds != "era5" {
		return 0, fmt.Errorf("%w: dataset %s", catalog.ErrMissingEntry, ds)
	}
	s.estimates = append(s.estimates, q)
	return 4096, nil
}

type stubSubmitter struct {
	queries [][]byte
}

func (s *stubSubmitter) Query(_ context.Context, _, _ string, raw []byte, estimate *int64) (int64, error) {
	s.queries = append(s.queries, raw)
	return 17, nil
}

func (s *stubSubmitter) Workflow(context.Context, []byte) (int64, error) { return 18, nil }

type env struct {
	srv    *httptest.Server
	ledger *store.Memory
	sub    *stubSubmitter
}

func newEnv(t *testing.T) *env {
	return newEnvWithDLQ(t, nil)
}

func newEnvWithDLQ(t *testing.T, dlq queue.DeadLetters) *env {
	t.Helper()
	ledger := store.NewMemory()
	sub := &stubSubmitter{}
	srv := httptest.NewServer(New(Config{Datastore: &stubDatastore{}, Ledger: ledger, Submitter: sub, DeadLetters: dlq}).Router())
	t.Cleanup(srv.Close)
	return &env{srv: srv, ledger: ledger, sub: sub}
}

func (e *env) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func (e *env) finished(t *testing.T, id int64, location string) {
	t.Helper()
	size := int64(3)
	e.ledger.PutRequest(models.Request{RequestID: id, Status: models.StatusRunning})
	require.NoError(t, e.ledger.UpdateRequest(context.Background(), store.RequestUpdate{
		RequestID: id, Status: models.StatusDone, LocationPath: &location, SizeBytes: &size,
	}))
}

func TestHealthz(t *testing.T) {
	resp, body := newEnv(t).do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestDatasetsHidePaths(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/datasets", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "hourly fields")
	assert.NotContains(t, body, "/secret")

	resp, _ = e.do(t, http.MethodGet, "/datasets/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEstimate(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/datasets/era5/reanalysis/estimate", `{"variable": "tas"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"dataset_id":"era5","product_id":"reanalysis","estimate_bytes":4096}`, body)

	resp, _ = e.do(t, http.MethodPost, "/datasets/era5/reanalysis/estimate", `{"area": {"up": 1}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/datasets/cmip6/daily/estimate", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteQueuesJob(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/datasets/era5/reanalysis/execute", `{"variable": "tas"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"request_id":17}`, body)
	require.Len(t, e.sub.queries, 1)

	resp, body = e.do(t, http.MethodPost, "/workflows/execute", `[]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"request_id":18}`, body)
}

func TestStatus(t *testing.T) {
	e := newEnv(t)
	reason := "MissingEntry: missing catalog entry: dataset x"
	e.ledger.PutRequest(models.Request{RequestID: 4, Status: models.StatusFailed, FailReason: &reason})

	resp, body := e.do(t, http.MethodGet, "/requests/4/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, reason, *got.FailReason)

	resp, _ = e.do(t, http.MethodGet, "/requests/99/status", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/requests/abc/status", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadFile(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "tas_era5_reanalysis_5.nc")
	require.NoError(t, os.WriteFile(path, []byte("cdl"), 0o644))
	e.finished(t, 5, path)

	resp, body := e.do(t, http.MethodGet, "/download/5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cdl", body)
	assert.Equal(t, `attachment; filename="tas_era5_reanalysis_5.nc"`, resp.Header.Get("Content-Disposition"))
}

func TestDownloadZarrNeedsFilename(t *testing.T) {
	e := newEnv(t)
	zarr := filepath.Join(t.TempDir(), "result_6.zarr")
	require.NoError(t, os.MkdirAll(zarr, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(zarr, ".zmetadata"), []byte("{}"), 0o644))
	e.finished(t, 6, zarr)

	resp, _ := e.do(t, http.MethodGet, "/download/6", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/download/6?filename=../../etc/passwd", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/download/6?filename=.zmetadata", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "{}", body)
}

func TestDownloadUnfinished(t *testing.T) {
	e := newEnv(t)
	e.ledger.PutRequest(models.Request{RequestID: 7, Status: models.StatusRunning})
	resp, _ := e.do(t, http.MethodGet, "/download/7", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	q := queue.NewRedisQueue(queue.RedisConfig{Client: queue.NewRedisClient(mr.Addr(), "", 0), Queues: []string{"query_queue"}})
	t.Cleanup(func() { _ = q.Close() })
	require.NoError(t, q.Publish(ctx, "query_queue", []byte("garbage")))
	d, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Reject(ctx, d))
	e := newEnvWithDLQ(t, q)

	resp, body := e.do(t, http.MethodGet, "/queues/query_queue/dlq", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Queue string   `json:"queue"`
		Items []string `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "query_queue", out.Queue)
	assert.Equal(t, []string{d.ID}, out.Items)

	resp, body = e.do(t, http.MethodGet, "/queues/workflow_queue/dlq?count=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"queue": "workflow_queue", "items": []}`, body)

	resp, _ = e.do(t, http.MethodGet, "/queues/query_queue/dlq?count=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLettersUnsupported(t *testing.T) {
	resp, _ := newEnv(t).do(t, http.MethodGet, "/queues/query_queue/dlq", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
