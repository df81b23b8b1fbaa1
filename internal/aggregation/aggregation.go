// Package aggregation is a thin façade over internal/eventstore, adding
// the HTTP-facing request validation and NDJSON streaming internal/api
// needs but eventstore itself has no business knowing about.
package aggregation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/synthgen/dispatcher/internal/event"
	"github.com/synthgen/dispatcher/internal/eventstore"
	derrors "github.com/synthgen/dispatcher/internal/errors"
)

var timeRangePattern = regexp.MustCompile(`^(\d+)([mhd])$`)

var validIntervals = map[string]bool{
	"1m": true, "1h": true, "1d": true, "1w": true, "1M": true, "1q": true, "1y": true,
}

// Service wraps an eventstore.Store with the validated, HTTP-shaped
// operations internal/api calls directly.
type Service struct {
	events eventstore.Store
}

func New(events eventstore.Store) *Service {
	return &Service{events: events}
}

// BatchRollup returns the aggregate status/stats of one batch.
func (s *Service) BatchRollup(ctx context.Context, batchID string) (*eventstore.BatchStats, error) {
	return s.events.AggregateBatch(ctx, batchID)
}

// ListBatches returns the rollup of every known batch.
func (s *Service) ListBatches(ctx context.Context) ([]eventstore.BatchStats, error) {
	return s.events.ListBatches(ctx)
}

// DeleteBatch removes every event belonging to batchID.
func (s *Service) DeleteBatch(ctx context.Context, batchID string) error {
	return s.events.DeleteByBatch(ctx, batchID)
}

// DeleteTask removes a single event by message_id.
func (s *Service) DeleteTask(ctx context.Context, messageID string) error {
	return s.events.Delete(ctx, messageID)
}

// GetTask returns a single event by message_id.
func (s *Service) GetTask(ctx context.Context, messageID string) (*event.Event, error) {
	return s.events.Get(ctx, messageID)
}

// ListTasksPage validates pagination bounds and passes through to the store.
func (s *Service) ListTasksPage(ctx context.Context, batchID string, status *event.Status, page, pageSize int) (*eventstore.TaskPage, error) {
	if pageSize < 1 || pageSize > 10000 {
		return nil, derrors.NewValidation("page_size must be in [1, 10000], got %d", pageSize)
	}
	if page < 1 {
		return nil, derrors.NewValidation("page must be >= 1, got %d", page)
	}
	return s.events.ListTasksPage(ctx, batchID, status, page, pageSize)
}

// GlobalTaskStats passes through the store's global roll-up.
func (s *Service) GlobalTaskStats(ctx context.Context) (*eventstore.TaskStats, error) {
	return s.events.GlobalTaskStats(ctx)
}

// UsageTimeSeries validates time_range/interval before delegating.
func (s *Service) UsageTimeSeries(ctx context.Context, batchID, timeRange, interval string) (*eventstore.UsageStats, error) {
	if err := validateTimeRange(timeRange); err != nil {
		return nil, err
	}
	if !validIntervals[interval] {
		return nil, derrors.NewValidation("interval must be one of 1m,1h,1d,1w,1M,1q,1y, got %q", interval)
	}
	return s.events.UsageTimeSeries(ctx, batchID, timeRange, interval)
}

func validateTimeRange(timeRange string) error {
	m := timeRangePattern.FindStringSubmatch(timeRange)
	if m == nil {
		return derrors.NewValidation("time_range must match ^\\d+[mhd]$, got %q", timeRange)
	}
	var n int
	fmt.Sscanf(m[1], "%d", &n)
	switch m[2] {
	case "m":
		if n > 1440 {
			return derrors.NewValidation("time_range in minutes must be <= 1440, got %d", n)
		}
	case "h":
		if n > 720 {
			return derrors.NewValidation("time_range in hours must be <= 720, got %d", n)
		}
	case "d":
		if n > 365 {
			return derrors.NewValidation("time_range in days must be <= 365, got %d", n)
		}
	}
	return nil
}

// QueuePosition reports how many PENDING events were created at or before
// target's creation time, i.e. target's place in line.
func (s *Service) QueuePosition(ctx context.Context, target *event.Event) (int, error) {
	if target.Status != event.StatusPending {
		return 0, nil
	}
	return s.events.CountPendingBefore(ctx, target.CreatedAt.Format(time.RFC3339Nano))
}

// ExportTasks streams every task matching batchID/status to w as
// newline-delimited JSON, one `{tasks:[...], total:int}` object per
// scroll page, exactly mirroring the chunk boundaries ScrollTasks returns.
// The cursor is always closed, whether export completes, the writer
// errors, or ctx is cancelled mid-stream (client disconnect).
func (s *Service) ExportTasks(ctx context.Context, w *bufio.Writer, batchID string, status *event.Status) error {
	cursor, err := s.events.ScrollTasks(ctx, batchID, status)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tasks, total, ok, err := cursor.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := enc.Encode(struct {
			Tasks []event.Event `json:"tasks"`
			Total int           `json:"total"`
		}{Tasks: tasks, Total: total}); err != nil {
			return err
		}
	}
	return w.Flush()
}
