package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/aggregation"
	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/event"
	derrors "github.com/synthgen/dispatcher/internal/errors"
	"github.com/synthgen/dispatcher/internal/eventstore"
	"github.com/synthgen/dispatcher/internal/obs"
	"github.com/synthgen/dispatcher/internal/objectstore"
)

// Handler holds the dependencies every route needs.
type Handler struct {
	cfg     *config.Config
	agg     *aggregation.Service
	events  eventstore.Store
	objects objectstore.Store
	pub     broker.Publisher
	log     *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(cfg *config.Config, events eventstore.Store, objects objectstore.Store, pub broker.Publisher, log *zap.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		agg:     aggregation.New(events),
		events:  events,
		objects: objects,
		pub:     pub,
		log:     log,
	}
}

// UploadBatch handles POST /api/v1/batches: it streams the uploaded JSONL
// into object storage, counts the valid lines as it goes (so the response
// can report total_tasks without waiting on the async ingestion pipeline),
// then publishes a batch_jobs message for internal/ingest to pick up.
func (h *Handler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "could not parse multipart upload")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "MISSING_FILE", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	if !hasJSONLExtension(header.Filename) {
		writeError(w, http.StatusBadRequest, "INVALID_EXTENSION", "uploaded file must have a .jsonl extension")
		return
	}

	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		batchID = uuid.NewString()
	}

	total, objectName, err := h.stageBatch(r.Context(), batchID, header.Filename, file)
	if err != nil {
		h.log.Error("api: failed to stage uploaded batch", obs.String("batch_id", batchID), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "UPLOAD_FAILED", "failed to stage uploaded batch")
		return
	}

	msg := event.BatchJobMessage{
		BatchID:         batchID,
		ObjectName:      objectName,
		BucketName:      h.cfg.ObjectStore.Bucket,
		UploadTimestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UPLOAD_FAILED", "failed to enqueue batch")
		return
	}
	if err := h.pub.Publish(r.Context(), h.cfg.Broker.BatchJobsQueue, body); err != nil {
		h.log.Error("api: failed to publish batch_jobs message", obs.String("batch_id", batchID), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "UPLOAD_FAILED", "failed to enqueue batch")
		return
	}

	writeJSON(w, http.StatusOK, UploadBatchResponse{BatchID: batchID, TotalTasks: total})
}

// stageBatch copies the uploaded file into object storage while counting
// the lines that pass event.ParseLine, returning the object's key.
func (h *Handler) stageBatch(ctx context.Context, batchID, filename string, file multipart.File) (int, string, error) {
	pr, pw := io.Pipe()
	objectName := objectstore.Key(batchID, filename, uuid.NewString())

	putErr := make(chan error, 1)
	go func() {
		putErr <- h.objects.Put(ctx, objectName, pr)
	}()

	total := 0
	scanner := bufio.NewScanner(io.TeeReader(file, pw))
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := event.ParseLine(line); err == nil {
			total++
		}
	}
	scanErr := scanner.Err()
	pw.CloseWithError(scanErr)

	if err := <-putErr; err != nil {
		return 0, "", fmt.Errorf("stage blob: %w", err)
	}
	if scanErr != nil {
		return 0, "", fmt.Errorf("read upload: %w", scanErr)
	}
	return total, objectName, nil
}

// ListBatches handles GET /api/v1/batches.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.agg.ListBatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, ListBatchesResponse{Total: len(batches), Batches: batches})
}

// GetBatch handles GET /api/v1/batches/{id}.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	stats, err := h.agg.BatchRollup(r.Context(), batchID)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DeleteBatch handles DELETE /api/v1/batches/{id}.
func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	if err := h.agg.DeleteBatch(r.Context(), batchID); writeIfError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBatchTasks handles GET /api/v1/batches/{id}/tasks.
func (h *Handler) ListBatchTasks(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	q := r.URL.Query()

	page := 1
	if p := q.Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			page = n
		}
	}
	pageSize := h.cfg.API.MaxPageSize
	if ps := q.Get("page_size"); ps != "" {
		if n, err := strconv.Atoi(ps); err == nil {
			pageSize = n
		}
	}
	var status *event.Status
	if s := q.Get("task_status"); s != "" {
		st := event.Status(s)
		status = &st
	}

	result, err := h.agg.ListTasksPage(r.Context(), batchID, status, page, pageSize)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ExportBatchTasks handles GET /api/v1/batches/{id}/tasks/export, streaming
// chunked NDJSON for as long as the client stays connected.
func (h *Handler) ExportBatchTasks(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	var status *event.Status
	if s := r.URL.Query().Get("task_status"); s != "" {
		st := event.Status(s)
		status = &st
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	if err := h.agg.ExportTasks(r.Context(), bw, batchID, status); err != nil {
		h.log.Error("api: export stream failed", obs.String("batch_id", batchID), obs.Err(err))
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// BatchStats handles GET /api/v1/batches/{id}/stats.
func (h *Handler) BatchStats(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	q := r.URL.Query()
	timeRange := q.Get("time_range")
	if timeRange == "" {
		timeRange = "60m"
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = "1h"
	}

	stats, err := h.agg.UsageTimeSeries(r.Context(), batchID, timeRange, interval)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetTask handles GET /api/v1/tasks/{message_id}. The response enriches the
// event with its informational position in the pending queue.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["message_id"]
	task, err := h.agg.GetTask(r.Context(), messageID)
	if writeIfError(w, err) {
		return
	}

	position, err := h.agg.QueuePosition(r.Context(), task)
	if err != nil {
		h.log.Warn("api: queue position lookup failed", obs.String("message_id", messageID), obs.Err(err))
	}

	writeJSON(w, http.StatusOK, TaskResponse{Event: *task, QueuePosition: position})
}

// DeleteTask handles DELETE /api/v1/tasks/{message_id}.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["message_id"]
	if err := h.agg.DeleteTask(r.Context(), messageID); writeIfError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GlobalTaskStats handles GET /api/v1/tasks/stats.
func (h *Handler) GlobalTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.agg.GlobalTaskStats(r.Context())
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health handles GET /health: liveness of the broker and event store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if _, err := h.events.GlobalTaskStats(ctx); err != nil {
		checks["event_store"] = err.Error()
		healthy = false
	} else {
		checks["event_store"] = "ok"
	}

	if depther, ok := h.pub.(interface {
		QueueDepth(ctx context.Context, queue string) (int, error)
	}); ok {
		if _, err := depther.QueueDepth(ctx, h.cfg.Broker.TasksQueue); err != nil {
			checks["broker"] = err.Error()
			healthy = false
		} else {
			checks["broker"] = "ok"
		}
	} else {
		checks["broker"] = "ok"
	}

	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Checks: checks})
}

// Token handles GET /token: reaching this handler at all means AuthMiddleware
// already accepted the bearer token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TokenResponse{IsValid: true})
}

func hasJSONLExtension(filename string) bool {
	n := len(filename)
	return n >= 6 && filename[n-6:] == ".jsonl"
}

func writeIfError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	var nf *derrors.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return true
	}
	var ve *derrors.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return true
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
