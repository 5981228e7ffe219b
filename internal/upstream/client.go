// Package upstream wraps the 3PL provider's transactional billing API.
// All calls are read-only; retry on throttling is handled here so callers
// only see pages or a final error per filter combination.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s returned status %d", e.Endpoint, e.StatusCode)
}

// Transient marks throttling and server-side failures as retryable.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client issues billing queries against the provider API.
type Client struct {
	baseURL    string
	token      string
	backoff    shared.Backoff
	httpClient *http.Client
}

// NewClient constructs a client. The request timeout bounds a single page
// fetch; the backoff policy bounds retries per request.
func NewClient(baseURL, token string, backoff shared.Backoff, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		backoff: backoff,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// QueryTransactions fetches one page for a filter combination. The cursor
// continues a listing only within the same combination; callers must not mix
// cursors across filters.
func (c *Client) QueryTransactions(ctx context.Context, filters QueryFilters, cursor string) (Page, error) {
	var page Page
	err := c.postJSON(ctx, "/billing/query", filters.toRequest(cursor), &page)
	return page, err
}

// ListInvoices fetches upstream invoice summaries inside the date range.
func (c *Client) ListInvoices(ctx context.Context, from, to time.Time, pageSize int) ([]InvoiceSummary, error) {
	var out struct {
		Items []InvoiceSummary `json:"items"`
	}
	path := fmt.Sprintf("/billing/invoices?from=%s&to=%s&page_size=%d",
		from.Format("2006-01-02"), to.Format("2006-01-02"), pageSize)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetInvoice fetches a single upstream invoice summary.
func (c *Client) GetInvoice(ctx context.Context, id int64) (*InvoiceSummary, error) {
	var inv InvoiceSummary
	if err := c.getJSON(ctx, fmt.Sprintf("/billing/invoices/%d", id), &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoiceTransactions fetches one page of a single invoice's transactions.
func (c *Client) GetInvoiceTransactions(ctx context.Context, id int64, cursor string) (Page, error) {
	var page Page
	path := fmt.Sprintf("/billing/invoices/%d/transactions", id)
	if cursor != "" {
		path += "?cursor=" + cursor
	}
	err := c.getJSON(ctx, path, &page)
	return page, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("upstream: marshal request: %w", err)
	}
	return shared.Retry(ctx, c.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, path, target)
	})
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	return shared.Retry(ctx, c.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		return c.do(req, path, target)
	})
}

func (c *Client) do(req *http.Request, endpoint string, target any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		// Drain so the connection can be reused across retries.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("upstream: decode %s: %w", endpoint, err)
	}
	return nil
}
