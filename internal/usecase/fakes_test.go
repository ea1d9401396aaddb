package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskchat/internal/domain"
)

type mockAgent struct {
	mu        sync.Mutex
	threadErr error
	threads   int
	replies   []domain.AgentReply
	errs      []error
	sent      []string
	submitted [][]domain.ToolOutput
}

func (m *mockAgent) CreateThread(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threadErr != nil {
		return "", m.threadErr
	}
	m.threads++
	return fmt.Sprintf("thread_%d", m.threads), nil
}

func (m *mockAgent) Run(_ context.Context, _ string, text string) (domain.AgentReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return m.pop()
}

func (m *mockAgent) SubmitToolOutputs(_ context.Context, _ string, _ string, outputs []domain.ToolOutput) (domain.AgentReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, outputs)
	return m.pop()
}

func (m *mockAgent) pop() (domain.AgentReply, error) {
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return domain.AgentReply{}, err
		}
	}
	if len(m.replies) == 0 {
		return domain.AgentReply{}, errors.New("no agent reply configured")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

// blockingAgent holds Run until release is closed while block is set.
// entered, when set, is signalled as Run starts waiting.
type blockingAgent struct {
	*mockAgent
	block   atomic.Bool
	release chan struct{}
	entered chan struct{}
}

func (b *blockingAgent) Run(ctx context.Context, threadID, text string) (domain.AgentReply, error) {
	if b.block.Load() {
		if b.entered != nil {
			b.entered <- struct{}{}
		}
		<-b.release
	}
	return b.mockAgent.Run(ctx, threadID, text)
}

// hostedAgent lists a fixed hosted thread.
type hostedAgent struct {
	*mockAgent
	thread  []domain.Message
	listErr error
	listed  []string
}

func (h *hostedAgent) History(_ context.Context, threadID string) ([]domain.Message, error) {
	h.listed = append(h.listed, threadID)
	if h.listErr != nil {
		return nil, h.listErr
	}
	return h.thread, nil
}

func textReply(text string) domain.AgentReply {
	return domain.AgentReply{RunID: "run_text", Text: text}
}

func callReply(runID string, calls ...domain.ToolCall) domain.AgentReply {
	return domain.AgentReply{RunID: runID, Calls: calls}
}

func emailCall(id, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: string(domain.ActionSendEmail), Arguments: args}
}

type triggerCall struct {
	workflow string
	payload  any
}

type mockTrigger struct {
	mu     sync.Mutex
	result domain.TriggerResult
	err    error
	calls  []triggerCall
}

func (m *mockTrigger) Trigger(_ context.Context, workflow string, payload any) (domain.TriggerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, triggerCall{workflow: workflow, payload: payload})
	if m.err != nil {
		return domain.TriggerResult{}, m.err
	}
	return m.result, nil
}

func (m *mockTrigger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func accepted(id string) *mockTrigger {
	return &mockTrigger{result: domain.TriggerResult{ID: id, Accepted: true}}
}

type mockStatus struct {
	state domain.WorkflowRunState
	err   error
	calls int
}

func (m *mockStatus) RunStatus(_ context.Context, _ string, _ string) (domain.WorkflowRunState, error) {
	m.calls++
	return m.state, m.err
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }
func (e *statusError) HTTPStatusCode() int { return e.code }

type fakeClock struct{ t time.Time }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWorkflows() map[domain.ActionType]string {
	return map[domain.ActionType]string{domain.ActionSendEmail: "send-email-app"}
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}
