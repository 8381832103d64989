package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mission-queue-monitor/internal/auth"
	"mission-queue-monitor/internal/models"

	"github.com/google/uuid"
)

// Client is the typed wrapper around the queue REST surface. It holds no
// state beyond transport configuration; retries are the caller's business.
type Client struct {
	baseURL string
	tokens  auth.TokenProvider
	http    *http.Client
}

// New creates a queue client against the given base URL. The token provider
// is consulted on every call; a missing token fails fast without a request.
func New(baseURL string, tokens auth.TokenProvider) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// envelope is the server's uniform response wrapper. success=false is an
// application-level failure even on HTTP 200.
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ListAll fetches the full current snapshot, any status.
func (c *Client) ListAll(ctx context.Context) ([]models.QueueItem, error) {
	var items []models.QueueItem
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ListQueued fetches only Queued/Processing items (server-side filter).
func (c *Client) ListQueued(ctx context.Context) ([]models.QueueItem, error) {
	var items []models.QueueItem
	if err := c.do(ctx, http.MethodGet, "/queue/queued", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetByID fetches a single item. Fails with KindNotFound if the id is absent.
func (c *Client) GetByID(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.do(ctx, http.MethodGet, "/queue/"+id, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetStatistics fetches the server-computed aggregates.
func (c *Client) GetStatistics(ctx context.Context) (*models.QueueStatistics, error) {
	var stats models.QueueStatistics
	if err := c.do(ctx, http.MethodGet, "/queue/statistics", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Enqueue submits a new mission. A request id is generated when the caller
// did not supply one. The returned QueuePosition reflects placement at call
// time; the server is the sole arbiter of ordering.
func (c *Client) Enqueue(ctx context.Context, req models.EnqueueRequest) (*models.QueueItem, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	var item models.QueueItem
	if err := c.do(ctx, http.MethodPost, "/queue", req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

type cancelRequest struct {
	CancelMode models.CancelMode `json:"cancelMode"`
	Reason     string            `json:"reason,omitempty"`
}

// Cancel aborts a mission. Fails with KindConflict if the item is terminal.
func (c *Client) Cancel(ctx context.Context, id string, mode models.CancelMode, reason string) error {
	return c.do(ctx, http.MethodPost, "/queue/"+id+"/cancel", cancelRequest{CancelMode: mode, Reason: reason}, nil)
}

// Retry re-queues a failed mission. The server rejects items that are not
// Failed or whose retry budget is exhausted.
func (c *Client) Retry(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.do(ctx, http.MethodPost, "/queue/"+id+"/retry", nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

// ChangePriority updates a queued mission's priority.
func (c *Client) ChangePriority(ctx context.Context, id string, priority int) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.do(ctx, http.MethodPut, "/queue/"+id+"/priority", priorityRequest{Priority: priority}, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// MoveUp moves a queued mission one rank toward the front.
func (c *Client) MoveUp(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/queue/"+id+"/move-up", nil, nil)
}

// MoveDown moves a queued mission one rank toward the back.
func (c *Client) MoveDown(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/queue/"+id+"/move-down", nil, nil)
}

// do performs one authenticated round trip and decodes the envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.tokens.Token()
	if err != nil {
		return &APIError{Kind: KindPrecondition, Message: err.Error()}
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindValidation, Message: fmt.Sprintf("encode request: %v", err)}
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &APIError{Kind: KindValidation, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Msg
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Kind: classify(resp.StatusCode), StatusCode: resp.StatusCode, Message: msg}
	}

	if decodeErr != nil {
		return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", decodeErr)}
	}

	if !env.Success {
		return &APIError{Kind: KindApplication, StatusCode: resp.StatusCode, Message: env.Msg}
	}

	if out != nil {
		if len(env.Data) == 0 {
			return &APIError{Kind: KindApplication, StatusCode: resp.StatusCode, Message: "empty response data"}
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode data: %v", err)}
		}
	}

	return nil
}
