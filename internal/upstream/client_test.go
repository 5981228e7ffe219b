package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

func testBackoff() shared.Backoff {
	return shared.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 4}
}

func TestQueryTransactionsRetriesOnRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		require.Equal(t, "/billing/query", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// the same range must ride under both date field spellings
		require.Equal(t, req["start_date"], req["from_date"])
		_ = json.NewEncoder(w).Encode(Page{
			Items: []Transaction{{
				TransactionID:   "txn-1",
				TransactionType: "Charge",
				Amount:          decimal.RequireFromString("12.34"),
			}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token", testBackoff(), time.Second)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	page, err := client.QueryTransactions(context.Background(), QueryFilters{StartDate: &start, EndDate: &end}, "")
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, page.Items, 1)
	require.Equal(t, "txn-1", page.Items[0].TransactionID)
	require.True(t, page.Items[0].Amount.Equal(decimal.RequireFromString("12.34")))
}

func TestQueryTransactionsDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token", testBackoff(), time.Second)
	_, err := client.QueryTransactions(context.Background(), QueryFilters{}, "")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.False(t, statusErr.Transient())
	require.Equal(t, 1, calls)
}

func TestQueryTransactionsExhaustsRetryBudget(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token", testBackoff(), time.Second)
	_, err := client.QueryTransactions(context.Background(), QueryFilters{}, "")
	require.Error(t, err)
	require.True(t, shared.IsTransient(err))
	require.Equal(t, 4, calls)
}

func TestGetInvoiceTransactionsPassesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/billing/invoices/42/transactions", r.URL.Path)
		require.Equal(t, "abc", r.URL.Query().Get("cursor"))
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Page{Next: ""})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token", testBackoff(), time.Second)
	page, err := client.GetInvoiceTransactions(context.Background(), 42, "abc")
	require.NoError(t, err)
	require.Empty(t, page.Next)
}

func TestListInvoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/billing/invoices", r.URL.Path)
		require.Equal(t, "2026-08-01", r.URL.Query().Get("from"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []InvoiceSummary{{ID: 7, Type: "Weekly", Date: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", testBackoff(), time.Second)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	invoices, err := client.ListInvoices(context.Background(), from, from.AddDate(0, 1, 0), 100)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, int64(7), invoices[0].ID)
}

func TestGetInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/billing/invoices/42", r.URL.Path)
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(InvoiceSummary{
			ID:     42,
			Type:   "Weekly",
			Date:   time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
			Amount: decimal.RequireFromString("1234.56"),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token", testBackoff(), time.Second)
	inv, err := client.GetInvoice(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), inv.ID)
	require.Equal(t, "Weekly", inv.Type)
	require.True(t, inv.Amount.Equal(decimal.RequireFromString("1234.56")))
}

func TestGetInvoiceMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token", testBackoff(), time.Second)
	_, err := client.GetInvoice(context.Background(), 99)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}
