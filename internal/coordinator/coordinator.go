// Package coordinator is a REST client for a remote task coordination
// service. It satisfies the same claim/complete contract as a local store,
// so a worker runtime can run against either without knowing which.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okatz/hopper/internal/store"
	"github.com/okatz/hopper/internal/strategy"
	"github.com/okatz/hopper/internal/task"
)

// DeferredPrefix marks a failed completion that is really a release. The
// remote contract has no release operation, so deferrals ride on complete
// and carry this marker for the far side to recognize.
const DeferredPrefix = "deferred: "

const defaultTimeout = 30 * time.Second

// RegisterRequest registers a task type with the coordination service.
type RegisterRequest struct {
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	ParamSchema map[string]any `json:"param_schema,omitempty"`
}

type RegisterResponse struct {
	ID      int64 `json:"id"`
	Created bool  `json:"created"`
}

// ClaimRequest asks for the next task of one registered type. TaskTypeID 0
// means any type.
type ClaimRequest struct {
	WorkerID   string `json:"worker_id"`
	TaskTypeID int64  `json:"task_type_id,omitempty"`
	SortBy     string `json:"sort_by"`
	SortOrder  string `json:"sort_order"`
}

type CompleteRequest struct {
	WorkerID string         `json:"worker_id"`
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Client talks to one coordination service. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	types map[string]int64
}

func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("coordinator URL must not be empty")
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		types:   make(map[string]int64),
	}, nil
}

// RegisterTaskType registers name with the service and caches the returned
// id. Subsequent claims fan out over the cached types. Registering a name
// the service already knows is not an error; created reports which case
// occurred.
func (c *Client) RegisterTaskType(ctx context.Context, name string, version int, schema map[string]any) (int64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("task type name must not be empty")
	}

	resp, err := c.postJSON(ctx, "/api/task-types", RegisterRequest{
		Name:        name,
		Version:     version,
		ParamSchema: schema,
	})
	if err != nil {
		return 0, false, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return 0, false, responseError("register task type", resp)
	}

	var reg RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return 0, false, fmt.Errorf("failed to decode register response: %w", err)
	}

	c.mu.Lock()
	c.types[name] = reg.ID
	c.mu.Unlock()

	return reg.ID, reg.Created, nil
}

// ClaimNext tries each registered task type in name order and returns the
// first task the service hands out. A 404 means no task of that type, not
// an error. With no registered types it claims across all types.
func (c *Client) ClaimNext(ctx context.Context, workerID string, strat strategy.Strategy) (*task.Task, error) {
	sortBy, sortOrder := strat.SortParams()

	for _, typeID := range c.claimOrder() {
		resp, err := c.postJSON(ctx, "/api/tasks/claim", ClaimRequest{
			WorkerID:   workerID,
			TaskTypeID: typeID,
			SortBy:     sortBy,
			SortOrder:  sortOrder,
		})
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusNotFound {
			closeBody(resp)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			err := responseError("claim", resp)
			closeBody(resp)
			return nil, err
		}

		var t task.Task
		err = json.NewDecoder(resp.Body).Decode(&t)
		closeBody(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to decode claimed task: %w", err)
		}
		return &t, nil
	}

	return nil, nil
}

// MarkRunning is a no-op: the remote contract has no running transition,
// claimed covers the whole execution window.
func (c *Client) MarkRunning(ctx context.Context, taskID int64, workerID string) error {
	return nil
}

func (c *Client) Complete(ctx context.Context, taskID int64, workerID string, res *task.Result) error {
	if res == nil {
		res = &task.Result{Success: true}
	}

	resp, err := c.postJSON(ctx, fmt.Sprintf("/api/tasks/%d/complete", taskID), CompleteRequest{
		WorkerID: workerID,
		Success:  res.Success,
		Result:   res.Data,
		Error:    res.Error,
	})
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return responseError("complete", resp)
	}
	return nil
}

// Release reports a deferral as a failed completion carrying DeferredPrefix.
// A coordination service that understands the marker requeues the task
// without charging a retry; one that does not will treat it as a failure.
func (c *Client) Release(ctx context.Context, taskID int64, workerID string, reason string) error {
	resp, err := c.postJSON(ctx, fmt.Sprintf("/api/tasks/%d/complete", taskID), CompleteRequest{
		WorkerID: workerID,
		Success:  false,
		Error:    DeferredPrefix + reason,
	})
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return responseError("release", resp)
	}
	return nil
}

// Heartbeat is a no-op: the remote contract tracks worker liveness through
// claims, not heartbeats.
func (c *Client) Heartbeat(ctx context.Context, hb store.Heartbeat) error {
	return nil
}

func (c *Client) claimOrder() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.types) == 0 {
		return []int64{0}
	}

	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)

	ids := make([]int64, len(names))
	for i, name := range names {
		ids[i] = c.types[name]
	}
	return ids
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", path, err)
	}
	return resp, nil
}

func responseError(op string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, body.Error)
	}
	return fmt.Errorf("%s failed with status %d", op, resp.StatusCode)
}

// closeBody drains before closing so the transport can reuse the
// connection.
func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
