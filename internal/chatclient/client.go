// Package chatclient calls the chat gateway over HTTP.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskchat/internal/domain"
)

const sessionHeader = "X-Session-Id"

// Session mirrors the gateway's session and history body.
type Session struct {
	SessionID string           `json:"session_id"`
	ThreadID  string           `json:"thread_id"`
	Messages  []domain.Message `json:"messages"`
}

// Reply is the gateway's answer to one chat message.
type Reply struct {
	SessionID    string                `json:"session_id"`
	Reply        string                `json:"reply"`
	TaskID       string                `json:"task_id,omitempty"`
	Task         *domain.DelegatedTask `json:"task,omitempty"`
	PendingTasks []string              `json:"pending_tasks"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type tasksResponse struct {
	Tasks []domain.DelegatedTask `json:"tasks"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPStatusError captures non-2xx gateway responses. Code and Message come
// from the gateway's error body when it has one.
type HTTPStatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chatclient: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("chatclient: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	sessionID  string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSession pins the client to an existing session.
func WithSession(id string) Option {
	return func(c *Client) {
		c.sessionID = strings.TrimSpace(id)
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("chatclient: base url %q must be absolute", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return c, nil
}

// SessionID is the session every call is sent under. Empty means the
// gateway's default session.
func (c *Client) SessionID() string {
	return c.sessionID
}

// OpenSession starts a fresh session and pins the client to it.
func (c *Client) OpenSession(ctx context.Context) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/sessions", nil, &out); err != nil {
		return Session{}, fmt.Errorf("chatclient: open session: %w", err)
	}
	if out.SessionID == "" {
		return Session{}, errors.New("chatclient: open session: empty session id")
	}
	c.sessionID = out.SessionID
	return out, nil
}

func (c *Client) Send(ctx context.Context, text string) (Reply, error) {
	var out Reply
	if err := c.do(ctx, http.MethodPost, "/chat", chatRequest{Text: text}, &out); err != nil {
		return Reply{}, fmt.Errorf("chatclient: send: %w", err)
	}
	return out, nil
}

func (c *Client) TaskStatus(ctx context.Context, taskID string) (domain.DelegatedTask, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.DelegatedTask{}, errors.New("chatclient: task id must not be empty")
	}
	var out domain.DelegatedTask
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return domain.DelegatedTask{}, fmt.Errorf("chatclient: task %s: %w", taskID, err)
	}
	return out, nil
}

func (c *Client) Tasks(ctx context.Context) ([]domain.DelegatedTask, error) {
	var out tasksResponse
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &out); err != nil {
		return nil, fmt.Errorf("chatclient: list tasks: %w", err)
	}
	return out.Tasks, nil
}

func (c *Client) History(ctx context.Context) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/messages", nil, &out); err != nil {
		return Session{}, fmt.Errorf("chatclient: history: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		statusErr := &HTTPStatusError{StatusCode: res.StatusCode}
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil {
			statusErr.Code = e.Error
			statusErr.Message = e.Message
		}
		return statusErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
