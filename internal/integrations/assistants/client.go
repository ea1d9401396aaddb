package assistants

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"taskchat/internal/domain"
)

const (
	defaultPollInterval = time.Second
	defaultRunTimeout   = 2 * time.Minute
)

// api is the slice of *openai.Client used by Client.
type api interface {
	RetrieveAssistant(ctx context.Context, assistantID string) (openai.Assistant, error)
	CreateAssistant(ctx context.Context, request openai.AssistantRequest) (openai.Assistant, error)
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID string, runID string, request openai.SubmitToolOutputsRequest) (openai.Run, error)
	CancelRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
}

// AzureSettings selects an Azure OpenAI resource and model deployment.
type AzureSettings struct {
	Endpoint        string
	APIKey          string
	APIVersion      string
	ModelDeployment string
}

// AssistantSpec describes the assistant to reuse or create.
type AssistantSpec struct {
	ID           string
	Name         string
	Model        string
	Instructions string
	Actions      []domain.ActionSpec
}

// Client drives hosted assistant threads and runs.
type Client struct {
	api          api
	assistantID  string
	pollInterval time.Duration
	runTimeout   time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithRunTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.runTimeout = d
		}
	}
}

// NewAzureClient builds a Client against an Azure OpenAI Assistants endpoint.
func NewAzureClient(s AzureSettings, opts ...Option) (*Client, error) {
	if strings.TrimSpace(s.Endpoint) == "" {
		return nil, errors.New("assistants: endpoint must not be empty")
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("assistants: api key must not be empty")
	}
	cfg := openai.DefaultAzureConfig(s.APIKey, s.Endpoint)
	if s.APIVersion != "" {
		cfg.APIVersion = s.APIVersion
	}
	deployment := s.ModelDeployment
	cfg.AzureModelMapperFunc = func(string) string { return deployment }
	cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	return New(openai.NewClientWithConfig(cfg), opts...)
}

// New wraps an Assistants API implementation.
func New(a api, opts ...Option) (*Client, error) {
	if a == nil {
		return nil, errors.New("assistants: api must not be nil")
	}
	c := &Client{
		api:          a,
		pollInterval: defaultPollInterval,
		runTimeout:   defaultRunTimeout,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AssistantID returns the assistant runs are created against.
func (c *Client) AssistantID() string {
	return c.assistantID
}

// EnsureAssistant reuses spec.ID when it exists and otherwise creates a new
// assistant with the action tools attached.
func (c *Client) EnsureAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	if id := strings.TrimSpace(spec.ID); id != "" {
		a, err := c.api.RetrieveAssistant(ctx, id)
		if err == nil {
			c.assistantID = a.ID
			return a.ID, nil
		}
		if status, ok := StatusCode(err); !ok || status != http.StatusNotFound {
			return "", fmt.Errorf("assistants: retrieve assistant %q: %w", id, err)
		}
	}
	if strings.TrimSpace(spec.Model) == "" {
		return "", errors.New("assistants: model must not be empty")
	}

	name := spec.Name
	instructions := spec.Instructions
	a, err := c.api.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        toolsFor(spec.Actions),
	})
	if err != nil {
		return "", fmt.Errorf("assistants: create assistant: %w", err)
	}
	c.assistantID = a.ID
	return a.ID, nil
}

func toolsFor(actions []domain.ActionSpec) []openai.AssistantTool {
	tools := make([]openai.AssistantTool, 0, len(actions))
	for _, a := range actions {
		tools = append(tools, openai.AssistantTool{
			Type: openai.AssistantToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(a.Type),
				Description: a.Description,
				Parameters:  a.Schema,
			},
		})
	}
	return tools
}

// CreateThread opens a new conversation thread.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	t, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("assistants: create thread: %w", err)
	}
	return t.ID, nil
}

// Run appends the user text to the thread, starts a run and waits until it
// completes or asks for tool outputs.
func (c *Client) Run(ctx context.Context, threadID, text string) (domain.AgentReply, error) {
	if c.assistantID == "" {
		return domain.AgentReply{}, errors.New("assistants: no assistant selected")
	}
	if _, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: text,
	}); err != nil {
		return domain.AgentReply{}, fmt.Errorf("assistants: create message: %w", err)
	}

	run, err := c.api.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID:       c.assistantID,
		ParallelToolCalls: false,
	})
	if err != nil {
		return domain.AgentReply{}, fmt.Errorf("assistants: create run: %w", err)
	}
	return c.settle(ctx, threadID, run)
}

// SubmitToolOutputs hands the outputs of every pending call back to a
// waiting run and waits for it to settle again.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (domain.AgentReply, error) {
	if len(outputs) == 0 {
		return domain.AgentReply{}, errors.New("assistants: no tool outputs to submit")
	}
	req := openai.SubmitToolOutputsRequest{ToolOutputs: make([]openai.ToolOutput, 0, len(outputs))}
	for _, o := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, openai.ToolOutput{ToolCallID: o.CallID, Output: o.Output})
	}
	run, err := c.api.SubmitToolOutputs(ctx, threadID, runID, req)
	if err != nil {
		return domain.AgentReply{}, fmt.Errorf("assistants: submit tool outputs: %w", err)
	}
	return c.settle(ctx, threadID, run)
}

// History returns the thread's text messages oldest first.
func (c *Client) History(ctx context.Context, threadID string) ([]domain.Message, error) {
	order := "asc"
	list, err := c.api.ListMessage(ctx, threadID, nil, &order, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("assistants: list messages: %w", err)
	}
	out := make([]domain.Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		out = append(out, domain.Message{
			Role:      domain.Role(m.Role),
			Content:   messageText(m),
			CreatedAt: time.Unix(int64(m.CreatedAt), 0).UTC(),
		})
	}
	return out, nil
}

func (c *Client) settle(ctx context.Context, threadID string, run openai.Run) (domain.AgentReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.runTimeout)
	defer cancel()

	for isActive(run.Status) {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return domain.AgentReply{}, fmt.Errorf("assistants: wait for run %s: %w", run.ID, err)
		}
		next, err := c.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return domain.AgentReply{}, fmt.Errorf("assistants: retrieve run %s: %w", run.ID, err)
		}
		run = next
	}

	switch run.Status {
	case openai.RunStatusRequiresAction:
		calls := requiredCalls(run)
		if len(calls) == 0 {
			_, _ = c.api.CancelRun(ctx, threadID, run.ID)
			return domain.AgentReply{}, fmt.Errorf("assistants: run %s requires action without tool calls", run.ID)
		}
		return domain.AgentReply{RunID: run.ID, Calls: calls}, nil
	case openai.RunStatusCompleted:
		text, err := c.lastAssistantText(ctx, threadID, run.ID)
		if err != nil {
			return domain.AgentReply{}, err
		}
		return domain.AgentReply{RunID: run.ID, Text: text}, nil
	default:
		if run.LastError != nil {
			return domain.AgentReply{}, fmt.Errorf("assistants: run %s ended %s: %s: %s", run.ID, run.Status, run.LastError.Code, run.LastError.Message)
		}
		return domain.AgentReply{}, fmt.Errorf("assistants: run %s ended %s", run.ID, run.Status)
	}
}

func (c *Client) lastAssistantText(ctx context.Context, threadID, runID string) (string, error) {
	order := "desc"
	list, err := c.api.ListMessage(ctx, threadID, nil, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("assistants: list messages: %w", err)
	}
	for _, m := range list.Messages {
		if m.Role == string(openai.ThreadMessageRoleAssistant) {
			return messageText(m), nil
		}
	}
	return "", fmt.Errorf("assistants: run %s completed without an assistant message", runID)
}

func isActive(s openai.RunStatus) bool {
	switch s {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return true
	default:
		return false
	}
}

func requiredCalls(run openai.Run) []domain.ToolCall {
	if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
		return nil
	}
	var calls []domain.ToolCall
	for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
		if tc.Type != openai.ToolTypeFunction {
			continue
		}
		calls = append(calls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return calls
}

func messageText(m openai.Message) string {
	var parts []string
	for _, c := range m.Content {
		if c.Text != nil && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}

// StatusCode extracts the upstream HTTP status from a go-openai error.
func StatusCode(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
