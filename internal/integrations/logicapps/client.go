package logicapps

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
	"sync"
	"time"

	"taskchat/internal/domain"
)

const (
	defaultManagementURL = "https://management.azure.com"
	managementAPIVersion = "2016-06-01"
	runIDHeader          = "x-ms-workflow-run-id"
)

// runResponse is the subset of a workflow run resource that RunStatus reads.
type runResponse struct {
	Properties struct {
		Status string `json:"status"`
		Error  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"properties"`
}

// callbackResponse is the minimal shape returned by listCallbackUrl.
type callbackResponse struct {
	Value string `json:"value"`
}

// HTTPStatusError captures non-2xx responses from the management API or a
// workflow trigger. URL never carries the query string, which holds the SAS
// signature of callback URLs.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("logicapps: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client invokes Logic App workflows through their HTTP request triggers.
type Client struct {
	httpClient     *http.Client
	managementURL  string
	subscriptionID string
	resourceGroup  string
	token          string

	mu        sync.RWMutex
	callbacks map[string]string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithManagementURL(u string) Option {
	return func(c *Client) {
		c.managementURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

// WithToken sets the bearer credential used for the management API and for
// triggers that are not signed with a SAS query parameter.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// NewClient creates a Client scoped to one subscription and resource group.
// Both may be empty when every workflow is registered with an explicit
// callback URL.
func NewClient(subscriptionID, resourceGroup string, opts ...Option) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		managementURL:  defaultManagementURL,
		subscriptionID: strings.TrimSpace(subscriptionID),
		resourceGroup:  strings.TrimSpace(resourceGroup),
		callbacks:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.managementURL == "" {
		c.managementURL = defaultManagementURL
	}
	return c
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// RegisterCallbackURL stores a known trigger URL for workflow.
func (c *Client) RegisterCallbackURL(workflow, callbackURL string) error {
	workflow = strings.TrimSpace(workflow)
	if workflow == "" {
		return errors.New("logicapps: workflow name must not be empty")
	}
	u, err := url.Parse(strings.TrimSpace(callbackURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("logicapps: callback url for %q must be absolute", workflow)
	}
	c.mu.Lock()
	c.callbacks[workflow] = u.String()
	c.mu.Unlock()
	return nil
}

// Register resolves the callback URL of workflow's trigger through the Azure
// management API and stores it for Trigger.
func (c *Client) Register(ctx context.Context, workflow, trigger string) error {
	workflow = strings.TrimSpace(workflow)
	trigger = strings.TrimSpace(trigger)
	if workflow == "" || trigger == "" {
		return errors.New("logicapps: workflow and trigger names must not be empty")
	}
	if c.subscriptionID == "" || c.resourceGroup == "" {
		return errors.New("logicapps: subscription and resource group are required to resolve callback urls")
	}

	endpoint := c.callbackURLEndpoint(workflow, trigger)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("logicapps: create callback request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	raw, _, err := c.do(req)
	if err != nil {
		return fmt.Errorf("logicapps: list callback url for %q: %w", workflow, err)
	}
	var payload callbackResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("logicapps: decode callback response: %w", err)
	}
	if strings.TrimSpace(payload.Value) == "" {
		return fmt.Errorf("logicapps: no callback url returned for %q", workflow)
	}
	return c.RegisterCallbackURL(workflow, payload.Value)
}

func (c *Client) callbackURLEndpoint(workflow, trigger string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Logic/workflows/%s/triggers/%s/listCallbackUrl?api-version=%s",
		c.managementURL,
		url.PathEscape(c.subscriptionID),
		url.PathEscape(c.resourceGroup),
		url.PathEscape(workflow),
		url.PathEscape(trigger),
		managementAPIVersion,
	)
}

// Trigger posts payload to the registered workflow in a single call.
// A 2xx answer is an acceptance; the run id comes from the
// x-ms-workflow-run-id header and may be empty.
func (c *Client) Trigger(ctx context.Context, workflow string, payload any) (domain.TriggerResult, error) {
	c.mu.RLock()
	target, ok := c.callbacks[strings.TrimSpace(workflow)]
	c.mu.RUnlock()
	if !ok {
		return domain.TriggerResult{}, fmt.Errorf("logicapps: workflow %q has not been registered", workflow)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.TriggerResult{}, fmt.Errorf("logicapps: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return domain.TriggerResult{}, fmt.Errorf("logicapps: create trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" && !isSigned(req.URL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	_, header, err := c.do(req)
	if err != nil {
		return domain.TriggerResult{}, fmt.Errorf("logicapps: invoke %q: %w", workflow, err)
	}
	return domain.TriggerResult{
		ID:       strings.TrimSpace(header.Get(runIDHeader)),
		Accepted: true,
	}, nil
}

// CanCheckStatus reports whether RunStatus has the scope and credential it
// needs.
func (c *Client) CanCheckStatus() bool {
	return c.subscriptionID != "" && c.resourceGroup != "" && c.token != ""
}

// RunStatus reads the state of one workflow run from the management API.
// Running and waiting runs map to pending; Succeeded to completed; every other
// final state to failed.
func (c *Client) RunStatus(ctx context.Context, workflow, runID string) (domain.WorkflowRunState, error) {
	workflow = strings.TrimSpace(workflow)
	runID = strings.TrimSpace(runID)
	if workflow == "" || runID == "" {
		return domain.WorkflowRunState{}, errors.New("logicapps: workflow and run id must not be empty")
	}
	if !c.CanCheckStatus() {
		return domain.WorkflowRunState{}, errors.New("logicapps: subscription, resource group and token are required to read run status")
	}

	endpoint := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Logic/workflows/%s/runs/%s?api-version=%s",
		c.managementURL,
		url.PathEscape(c.subscriptionID),
		url.PathEscape(c.resourceGroup),
		url.PathEscape(workflow),
		url.PathEscape(runID),
		managementAPIVersion,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.WorkflowRunState{}, fmt.Errorf("logicapps: create run status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	raw, _, err := c.do(req)
	if err != nil {
		return domain.WorkflowRunState{}, fmt.Errorf("logicapps: get run %s of %q: %w", runID, workflow, err)
	}
	var payload runResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.WorkflowRunState{}, fmt.Errorf("logicapps: decode run response: %w", err)
	}
	return runState(payload), nil
}

func runState(r runResponse) domain.WorkflowRunState {
	status := r.Properties.Status
	switch status {
	case "Running", "Waiting", "Paused", "Suspended", "NotSpecified", "":
		return domain.WorkflowRunState{Status: domain.TaskPending, Detail: status}
	case "Succeeded":
		return domain.WorkflowRunState{Status: domain.TaskCompleted, Detail: "workflow run succeeded"}
	}
	detail := "workflow run " + strings.ToLower(status)
	if e := r.Properties.Error; e != nil && e.Message != "" {
		detail += ": " + e.Message
	}
	return domain.WorkflowRunState{Status: domain.TaskFailed, Detail: detail}
}

// isSigned reports whether the trigger URL authenticates with a SAS signature;
// such triggers reject a second Authorization scheme.
func isSigned(u *url.URL) bool {
	return u.Query().Get("sig") != ""
}

func (c *Client) do(req *http.Request) ([]byte, http.Header, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        redact(req.URL),
			Body:       strings.TrimSpace(string(buf)),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, res.Header, nil
}

func redact(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}
