// Package handlers provides the built-in task handlers the worker binary
// registers: a quota-guarded HTTP fetch, the review digest email, and the
// pipeline metrics rollup report.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/okatz/hopper/internal/quota"
	"github.com/okatz/hopper/internal/task"
)

const (
	defaultFetchOperation = "fetch"

	// maxFetchBody caps how much of a response is read. Fetched pages feed
	// downstream parsers, not archives.
	maxFetchBody = 1 << 20
)

// Fetcher downloads one URL per task, charging the operation to the quota
// tracker first. A rejected spend surfaces the tracker's exceeded error
// unwrapped enough for the runtime to defer the task instead of failing it.
type Fetcher struct {
	tracker *quota.Tracker
	client  *http.Client
}

// NewFetcher builds the http_fetch handler. A nil tracker disables the
// quota guard.
func NewFetcher(tracker *quota.Tracker) *Fetcher {
	return &Fetcher{
		tracker: tracker,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *Fetcher) Handle(ctx context.Context, t *task.Task) (*task.Result, error) {
	url, ok := t.Param("url")
	if !ok {
		return nil, errors.New("missing 'url' field")
	}

	op := defaultFetchOperation
	if v, ok := t.Param("operation"); ok {
		op = v
	}

	if f.tracker != nil {
		if err := f.tracker.Consume(ctx, op, 1); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	return &task.Result{
		Success: true,
		Data: map[string]any{
			"url":          url,
			"status":       resp.StatusCode,
			"bytes":        len(body),
			"content_type": resp.Header.Get("Content-Type"),
		},
		ItemsProcessed: 1,
	}, nil
}
