package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"taskchat/internal/chatclient"
	"taskchat/internal/domain"
)

type stubGateway struct {
	mu        sync.Mutex
	replies   []chatclient.Reply
	sendErr   error
	statuses  map[string]domain.DelegatedTask
	statusErr error
	session   chatclient.Session
	listed    []domain.DelegatedTask
	listErr   error
	sent      []string
	polled    []string
	listings  int
}

func (s *stubGateway) Send(_ context.Context, text string) (chatclient.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	if s.sendErr != nil {
		return chatclient.Reply{}, s.sendErr
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r, nil
}

func (s *stubGateway) TaskStatus(_ context.Context, id string) (domain.DelegatedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = append(s.polled, id)
	if s.statusErr != nil {
		return domain.DelegatedTask{}, s.statusErr
	}
	t, ok := s.statuses[id]
	if !ok {
		return domain.DelegatedTask{}, errors.New("not found")
	}
	return t, nil
}

func (s *stubGateway) Tasks(context.Context) ([]domain.DelegatedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings++
	return s.listed, s.listErr
}

func (s *stubGateway) History(context.Context) (chatclient.Session, error) {
	return s.session, nil
}

// collect runs cmd and flattens batches into the messages they produce.
func collect(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	batch, ok := msg.(tea.BatchMsg)
	if !ok {
		return []tea.Msg{msg}
	}
	var out []tea.Msg
	for _, c := range batch {
		out = append(out, collect(c)...)
	}
	return out
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(model)
	require.True(t, ok)
	return nm, cmd
}

func typeText(t *testing.T, m model, text string) model {
	t.Helper()
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return m
}

// submit types text, presses Enter and feeds the reply back into the model.
func submit(t *testing.T, m model, text string) (model, tea.Cmd) {
	t.Helper()
	m = typeText(t, m, text)
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.True(t, m.waiting)
	msgs := collect(cmd)
	require.Len(t, msgs, 1)
	return update(t, m, msgs[0])
}

func newTestModel(gw Gateway) model {
	return newModel(context.Background(), gw, WithPollInterval(time.Millisecond))
}

func TestEnter_AppendsReply(t *testing.T) {
	gw := &stubGateway{replies: []chatclient.Reply{{Reply: "Hello!"}}}
	m := newTestModel(gw)

	m, cmd := submit(t, m, "hi there")
	require.Nil(t, cmd)
	require.False(t, m.waiting)
	require.Equal(t, []string{"hi there"}, gw.sent)
	require.Equal(t, entry{role: roleAssistant, text: "Hello!"}, m.history[len(m.history)-1])
	require.Empty(t, m.input)
	require.Contains(t, m.View(), "Assistant: Hello!")
}

func TestEnter_IgnoredWhileWaitingOrEmpty(t *testing.T) {
	m := newTestModel(&stubGateway{})

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd)

	m = typeText(t, m, "a")
	m.waiting = true
	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd)
}

func TestSendError_ShownAsSystemLine(t *testing.T) {
	m := newTestModel(&stubGateway{sendErr: errors.New("gateway down")})
	m, _ = submit(t, m, "hi")
	last := m.history[len(m.history)-1]
	require.Equal(t, roleSystem, last.role)
	require.Contains(t, last.text, "gateway down")
}

func TestPendingTask_PolledUntilTerminal(t *testing.T) {
	task := domain.DelegatedTask{ID: "run-1", ActionType: domain.ActionSendEmail, Status: domain.TaskPending}
	gw := &stubGateway{
		replies:  []chatclient.Reply{{Reply: "Email queued.", Task: &task, PendingTasks: []string{"run-1"}}},
		statuses: map[string]domain.DelegatedTask{"run-1": task},
	}
	m := newTestModel(gw)

	m, cmd := submit(t, m, "send an email")
	require.True(t, m.polling)
	require.Equal(t, []string{"run-1"}, m.order)
	require.Contains(t, m.View(), "run-1 (send_email)")

	msgs := collect(cmd)
	require.Equal(t, []tea.Msg{pollTickMsg{}}, msgs)

	// first check: still pending, polling continues
	m, cmd = update(t, m, pollTickMsg{})
	msgs = collect(cmd)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		m, _ = update(t, m, msg)
	}
	require.Equal(t, domain.TaskPending, m.tasks["run-1"].Status)
	require.True(t, m.polling)

	// the workflow finishes
	done := task
	done.Status = domain.TaskCompleted
	done.Detail = "workflow run succeeded"
	gw.mu.Lock()
	gw.statuses["run-1"] = done
	gw.mu.Unlock()

	m, cmd = update(t, m, pollTickMsg{})
	for _, msg := range collect(cmd) {
		m, _ = update(t, m, msg)
	}
	require.Equal(t, domain.TaskCompleted, m.tasks["run-1"].Status)
	require.Contains(t, m.View(), "workflow run succeeded")

	// nothing left to check
	m, cmd = update(t, m, pollTickMsg{})
	require.Nil(t, cmd)
	require.False(t, m.polling)
	require.Equal(t, []string{"run-1", "run-1"}, gw.polled)
}

func TestPollError_KeepsTaskPending(t *testing.T) {
	m := newTestModel(&stubGateway{})
	m.track(domain.DelegatedTask{ID: "run-9", Status: domain.TaskPending})

	m, _ = update(t, m, taskMsg{id: "run-9", err: errors.New("timeout")})
	require.Equal(t, domain.TaskPending, m.tasks["run-9"].Status)
	require.Contains(t, m.renderBanner(), "status of run-9 unavailable")
}

func TestPollNotFound_MarksTaskFailed(t *testing.T) {
	gw := &stubGateway{statusErr: &chatclient.HTTPStatusError{StatusCode: 404, Code: "UNKNOWN_TASK_ID", Message: "unknown task"}}
	m := newTestModel(gw)
	m.track(domain.DelegatedTask{ID: "run-9", ActionType: domain.ActionSendEmail, Status: domain.TaskPending})
	m.polling = true

	m, cmd := update(t, m, pollTickMsg{})
	for _, msg := range collect(cmd) {
		if _, ok := msg.(pollTickMsg); ok {
			continue
		}
		m, _ = update(t, m, msg)
	}
	require.Equal(t, domain.TaskFailed, m.tasks["run-9"].Status)
	require.Equal(t, domain.ActionSendEmail, m.tasks["run-9"].ActionType)
	require.Empty(t, m.pending())
	require.Empty(t, m.pollErr)
	require.Contains(t, m.renderBanner(), "no longer known")

	m, cmd = update(t, m, pollTickMsg{})
	require.Nil(t, cmd)
	require.False(t, m.polling)
	require.Equal(t, []string{"run-9"}, gw.polled)
}

func TestInit_NothingToLoadWithoutResume(t *testing.T) {
	m := newTestModel(&stubGateway{})
	require.Nil(t, m.Init())
}

func TestInit_ResumeLoadsHistoryAndTasks(t *testing.T) {
	pending := domain.DelegatedTask{ID: "run-2", ActionType: domain.ActionSendEmail, Status: domain.TaskPending}
	finished := domain.DelegatedTask{ID: "run-1", ActionType: domain.ActionSendEmail, Status: domain.TaskCompleted}
	gw := &stubGateway{
		session: chatclient.Session{SessionID: "sess-1", Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "send an email"},
			{Role: domain.RoleAssistant, Content: ""},
			{Role: domain.RoleTool, Content: `{"status":"queued"}`},
			{Role: domain.RoleAssistant, Content: "Email queued."},
		}},
		listed: []domain.DelegatedTask{finished, pending},
	}
	m := newModel(context.Background(), gw, WithPollInterval(time.Millisecond), WithResume())

	msgs := collect(m.Init())
	require.Len(t, msgs, 2)
	var cmds []tea.Cmd
	for _, msg := range msgs {
		var cmd tea.Cmd
		m, cmd = update(t, m, msg)
		cmds = append(cmds, cmd)
	}

	require.Len(t, m.history, 3)
	require.Equal(t, roleSystem, m.history[0].role)
	require.Equal(t, entry{role: roleUser, text: "send an email"}, m.history[1])
	require.Equal(t, entry{role: roleAssistant, text: "Email queued."}, m.history[2])

	require.Equal(t, []string{"run-2"}, m.order)
	require.True(t, m.polling)
	require.Nil(t, cmds[0])
	require.NotNil(t, cmds[1])
	require.Equal(t, 1, gw.listings)
}

func TestTasksView_ToggleRefreshesList(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := &stubGateway{listed: []domain.DelegatedTask{
		{ID: "run-1", ActionType: domain.ActionSendEmail, Status: domain.TaskCompleted, Detail: "workflow run succeeded", CreatedAt: at},
	}}
	m := newTestModel(gw)
	require.NotContains(t, m.View(), "run-1")

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlT})
	require.True(t, m.showTasks)
	msgs := collect(cmd)
	require.Len(t, msgs, 1)
	m, _ = update(t, m, msgs[0])

	view := m.View()
	require.Contains(t, view, "Tasks")
	require.Contains(t, view, "run-1 (send_email)")
	require.Contains(t, view, "workflow run succeeded")
	require.Equal(t, 1, gw.listings)

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlT})
	require.False(t, m.showTasks)
	require.Nil(t, cmd)
	require.NotContains(t, m.View(), "workflow run succeeded")

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlT})
	collect(cmd)
	require.Equal(t, 2, gw.listings)
}

func TestTasksView_ShowsListError(t *testing.T) {
	m := newTestModel(&stubGateway{listErr: errors.New("gateway down")})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlT})
	m, _ = update(t, m, collect(cmd)[0])
	require.Contains(t, m.View(), "task list unavailable: gateway down")
	require.Contains(t, m.View(), "No tasks yet.")
}

func TestMessageLimit(t *testing.T) {
	gw := &stubGateway{replies: []chatclient.Reply{{Reply: "ok"}}}
	m := newModel(context.Background(), gw, WithMaxMessages(2))

	m, _ = submit(t, m, "one")
	m = typeText(t, m, "two")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd)
	require.False(t, m.waiting)
	require.Len(t, gw.sent, 1)
	require.True(t, strings.HasPrefix(m.history[len(m.history)-1].text, "Message limit of 2"))
}

func TestEditing(t *testing.T) {
	m := newTestModel(&stubGateway{})
	m = typeText(t, m, "helo")
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyLeft})
	m = typeText(t, m, "l")
	require.Equal(t, "hello", string(m.input))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRight})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	require.Equal(t, "hell", string(m.input))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeySpace})
	require.Equal(t, "hell ", string(m.input))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlU})
	require.Empty(t, m.input)
}

func TestQuit(t *testing.T) {
	m := newTestModel(&stubGateway{})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.Equal(t, []tea.Msg{tea.QuitMsg{}}, collect(cmd))
}
