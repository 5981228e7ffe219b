package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestBillingSyncTaskCarriesWindow(t *testing.T) {
	from := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	task, err := NewBillingSyncTask(from, to)
	require.NoError(t, err)
	require.Equal(t, TaskTypeBillingSync, task.Type())

	var payload BillingSyncPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.True(t, payload.WindowFrom.Equal(from))
	require.True(t, payload.WindowTo.Equal(to))
}

func TestWeeklySyncTaskHasEmptyPayload(t *testing.T) {
	task, err := NewWeeklySyncTask()
	require.NoError(t, err)
	require.Equal(t, TaskTypeBillingSync, task.Type())
	require.Empty(t, task.Payload())
}

func TestIdempotencyKeyUsesUTCDates(t *testing.T) {
	// 23:30 in UTC-2 is already the next day in UTC
	loc := time.FixedZone("UTC-2", -2*3600)
	payload := BillingSyncPayload{
		WindowFrom: time.Date(2026, 8, 2, 23, 30, 0, 0, loc),
		WindowTo:   time.Date(2026, 8, 9, 23, 30, 0, 0, loc),
	}
	require.Equal(t, "billing:sync:2026-08-03:2026-08-10", payload.idempotencyKey())
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	h := NewBillingSyncHandler(nil, nil, nil, nil)
	task := asynq.NewTask(TaskTypeBillingSync, []byte("{not json"))

	err := h.Handle(t.Context(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}
