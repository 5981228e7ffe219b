// Package jobs defines the asynq task surface of the billing service: the
// weekly reconciliation sync and the worker that processes it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/jetpackmatt/dashboard-sub004/internal/observability"
	"github.com/jetpackmatt/dashboard-sub004/internal/recon"
	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

const (
	// QueueBilling is the queue name for reconciliation jobs.
	QueueBilling = "billing"
	// TaskTypeBillingSync runs the reconciliation pipeline over one window.
	TaskTypeBillingSync = "billing:sync"

	idempotencyModule = "billing_sync"
)

// BillingSyncPayload names the window a sync task covers.
type BillingSyncPayload struct {
	WindowFrom time.Time `json:"window_from"`
	WindowTo   time.Time `json:"window_to"`
}

func (p BillingSyncPayload) idempotencyKey() string {
	return fmt.Sprintf("billing:sync:%s:%s",
		p.WindowFrom.UTC().Format("2006-01-02"), p.WindowTo.UTC().Format("2006-01-02"))
}

// NewBillingSyncTask constructs a sync task for the given window.
func NewBillingSyncTask(from, to time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(BillingSyncPayload{WindowFrom: from, WindowTo: to})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBillingSync, body,
		asynq.Queue(QueueBilling), asynq.MaxRetry(3), asynq.Timeout(2*time.Hour)), nil
}

// NewWeeklySyncTask constructs the cron-scheduled task. The window is left
// empty; the handler fills in the previous billing week at execution time so
// a delayed task still covers the right week.
func NewWeeklySyncTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskTypeBillingSync, nil,
		asynq.Queue(QueueBilling), asynq.MaxRetry(3), asynq.Timeout(2*time.Hour)), nil
}

// BillingSyncHandler processes billing sync tasks.
type BillingSyncHandler struct {
	service     *recon.Service
	idempotency *shared.IdempotencyStore
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewBillingSyncHandler constructs the handler. idempotency and metrics may
// be nil.
func NewBillingSyncHandler(service *recon.Service, idempotency *shared.IdempotencyStore,
	metrics *observability.Metrics, logger *slog.Logger) *BillingSyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingSyncHandler{service: service, idempotency: idempotency, metrics: metrics, logger: logger}
}

// Handle runs the pipeline for the task's window. A duplicate window is
// acknowledged without another run; an in-progress run defers the task to
// asynq's retry schedule.
func (h *BillingSyncHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var payload BillingSyncPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("billing sync payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.WindowFrom.IsZero() || payload.WindowTo.IsZero() {
		week := shared.PreviousBillingWeek(time.Now())
		payload.WindowFrom, payload.WindowTo = week.From, week.To
	}

	if h.idempotency != nil {
		err := h.idempotency.CheckAndInsert(ctx, payload.idempotencyKey(), idempotencyModule)
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			h.logger.Info("billing sync window already processed",
				slog.Time("from", payload.WindowFrom), slog.Time("to", payload.WindowTo))
			return nil
		}
		if err != nil {
			return err
		}
	}

	started := time.Now()
	run, err := h.service.Execute(ctx, payload.WindowFrom, payload.WindowTo)
	if err != nil {
		if h.idempotency != nil {
			// allow the retry to claim the window again
			_ = h.idempotency.Delete(context.WithoutCancel(ctx), payload.idempotencyKey())
		}
		if errors.Is(err, recon.ErrRunInProgress) {
			return err
		}
		h.logger.Error("billing sync failed", slog.Any("error", err))
		return err
	}

	if h.metrics != nil {
		h.metrics.RunFinished(string(run.Status), time.Since(started))
	}
	h.logger.Info("billing sync finished",
		slog.String("run_id", run.ID.String()),
		slog.String("status", string(run.Status)),
		slog.Int("unique", run.Unique))
	return nil
}
