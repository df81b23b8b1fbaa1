package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/event"
	"github.com/synthgen/dispatcher/internal/eventstore"
	"github.com/synthgen/dispatcher/internal/objectstore"
)

func newTestServer(t *testing.T) (*Server, *eventstore.Fake, *objectstore.Fake, *broker.Fake) {
	t.Helper()
	cfg := &config.Config{}
	cfg.API.ListenAddr = ":0"
	cfg.API.ReadTimeout = 5 * time.Second
	cfg.API.WriteTimeout = 5 * time.Second
	cfg.API.CORSAllowOrigins = []string{"*"}
	cfg.API.RateLimitPerMinute = 6000
	cfg.API.RateLimitBurst = 100
	cfg.API.MaxPageSize = 10000
	cfg.API.AuditLogPath = t.TempDir() + "/audit.log"
	cfg.API.AuditRotateSizeMB = 10
	cfg.API.AuditMaxBackups = 1
	cfg.API.SecretKey = "test-secret"
	cfg.Broker.BatchJobsQueue = "batch_jobs"
	cfg.Broker.TasksQueue = "tasks"
	cfg.ObjectStore.Bucket = "uploads"

	es := eventstore.NewFake()
	os_ := objectstore.NewFake()
	b := broker.NewFake()

	srv := NewServer(cfg, es, os_, b, zap.NewNop())
	return srv, es, os_, b
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer test-secret")
	}
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingAuth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/batches", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenEndpointValidatesBearer(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/token", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.IsValid)
}

func multipartJSONL(t *testing.T, lines []string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "batch.jsonl")
	require.NoError(t, err)
	for _, l := range lines {
		_, err := part.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadBatchCountsValidLinesAndEnqueues(t *testing.T) {
	srv, _, os_, b := newTestServer(t)

	lines := []string{
		`{"custom_id":"a","method":"POST","url":"/v1/chat","body":{"x":1}}`,
		`not-json`,
		`{"custom_id":"b","method":"POST","url":"/v1/chat","body":{"x":2}}`,
	}
	buf, contentType := multipartJSONL(t, lines)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp UploadBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalTasks)
	assert.NotEmpty(t, resp.BatchID)

	objs, err := os_.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, objs, 1)

	depth, err := b.QueueDepth(context.Background(), "batch_jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestGetBatchNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/batches/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndDeleteTask(t *testing.T) {
	srv, es, _, _ := newTestServer(t)
	ctx := context.Background()

	line := event.Line{CustomID: "c1", Method: "POST", URL: "/v1/chat", Body: map[string]any{"model": "gpt"}}
	e, err := event.NewPending("m1", "b1", line, time.Now())
	require.NoError(t, err)
	require.NoError(t, es.CreatePendingBulk(ctx, []event.Event{e}))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/tasks/m1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/tasks/m1", nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/m1", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskIncludesQueuePosition(t *testing.T) {
	srv, es, _, _ := newTestServer(t)
	ctx := context.Background()

	line := event.Line{CustomID: "c1", Method: "POST", URL: "/v1/chat", Body: map[string]any{"model": "gpt"}}
	first, err := event.NewPending("first", "b1", line, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	second, err := event.NewPending("second", "b1", line, time.Now())
	require.NoError(t, err)
	require.NoError(t, es.CreatePendingBulk(ctx, []event.Event{first, second}))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/tasks/second", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.QueuePosition)
}

func TestListBatchTasksRejectsInvalidPageSize(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/batches/b1/tasks?page_size=50000", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
