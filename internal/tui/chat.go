// Package tui is a terminal chat client for the gateway.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"taskchat/internal/chatclient"
	"taskchat/internal/domain"
)

const (
	defaultPollEvery   = 2 * time.Second
	defaultMaxMessages = 20
)

// Gateway is the part of the gateway client the chat UI needs.
type Gateway interface {
	Send(ctx context.Context, text string) (chatclient.Reply, error)
	TaskStatus(ctx context.Context, taskID string) (domain.DelegatedTask, error)
	Tasks(ctx context.Context) ([]domain.DelegatedTask, error)
	History(ctx context.Context) (chatclient.Session, error)
}

type entryRole string

const (
	roleUser      entryRole = "user"
	roleAssistant entryRole = "assistant"
	roleSystem    entryRole = "system"
)

type entry struct {
	role entryRole
	text string
}

type replyMsg struct {
	reply chatclient.Reply
	err   error
}

type taskMsg struct {
	id   string
	task domain.DelegatedTask
	err  error
}

type historyMsg struct {
	session chatclient.Session
	err     error
}

type tasksMsg struct {
	tasks []domain.DelegatedTask
	err   error
}

type pollTickMsg struct{}

type Option func(*model)

// WithPollInterval sets how often pending tasks are re-checked.
func WithPollInterval(d time.Duration) Option {
	return func(m *model) {
		if d > 0 {
			m.pollEvery = d
		}
	}
}

// WithMaxMessages caps the transcript length of one session.
func WithMaxMessages(n int) Option {
	return func(m *model) {
		if n > 0 {
			m.maxMessages = n
		}
	}
}

func WithTitle(title string) Option {
	return func(m *model) {
		m.title = title
	}
}

// WithResume loads the session's transcript and tasks on start.
func WithResume() Option {
	return func(m *model) {
		m.resume = true
	}
}

type model struct {
	ctx         context.Context
	gw          Gateway
	title       string
	pollEvery   time.Duration
	maxMessages int
	resume      bool

	width  int
	height int

	history []entry
	input   []rune
	cursor  int
	waiting bool

	// tasks is keyed by task id; order keeps first-seen order for the banner.
	tasks   map[string]domain.DelegatedTask
	order   []string
	polling bool
	pollErr string

	// taskList is the last listing shown by the tasks view.
	showTasks bool
	taskList  []domain.DelegatedTask
	tasksErr  string
}

func newModel(ctx context.Context, gw Gateway, opts ...Option) model {
	m := model{
		ctx:         ctx,
		gw:          gw,
		title:       "Task chat",
		pollEvery:   defaultPollEvery,
		maxMessages: defaultMaxMessages,
		tasks:       make(map[string]domain.DelegatedTask),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.history = append(m.history, entry{role: roleSystem, text: "Ask me to send an email. Enter sends, Ctrl+T shows tasks, Ctrl+C quits."})
	return m
}

// Run starts the chat UI and blocks until the user quits or ctx ends.
func Run(ctx context.Context, gw Gateway, opts ...Option) error {
	p := tea.NewProgram(newModel(ctx, gw, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m model) Init() tea.Cmd {
	if !m.resume {
		return nil
	}
	return tea.Batch(historyCmd(m.ctx, m.gw), tasksCmd(m.ctx, m.gw))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case replyMsg:
		m.waiting = false
		if msg.err != nil {
			m.history = append(m.history, entry{role: roleSystem, text: fmt.Sprintf("Error: %v", msg.err)})
			return m, nil
		}
		m.history = append(m.history, entry{role: roleAssistant, text: msg.reply.Reply})
		if msg.reply.Task != nil {
			m.track(*msg.reply.Task)
		}
		for _, id := range msg.reply.PendingTasks {
			if _, ok := m.tasks[id]; !ok {
				m.track(domain.DelegatedTask{ID: id, Status: domain.TaskPending})
			}
		}
		cmd := m.startPolling()
		return m, cmd

	case historyMsg:
		if msg.err != nil {
			m.history = append(m.history, entry{role: roleSystem, text: fmt.Sprintf("Error: could not load history: %v", msg.err)})
			return m, nil
		}
		m.history = append(m.history[:1:1], append(transcript(msg.session.Messages), m.history[1:]...)...)
		return m, nil

	case tasksMsg:
		if msg.err != nil {
			m.tasksErr = fmt.Sprintf("task list unavailable: %v", msg.err)
			return m, nil
		}
		m.tasksErr = ""
		m.taskList = msg.tasks
		for _, t := range msg.tasks {
			if !t.Status.Terminal() {
				m.track(t)
			}
		}
		cmd := m.startPolling()
		return m, cmd

	case pollTickMsg:
		ids := m.pending()
		if len(ids) == 0 {
			m.polling = false
			return m, nil
		}
		cmds := make([]tea.Cmd, 0, len(ids)+2)
		for _, id := range ids {
			cmds = append(cmds, statusCmd(m.ctx, m.gw, id))
		}
		if m.showTasks {
			cmds = append(cmds, tasksCmd(m.ctx, m.gw))
		}
		cmds = append(cmds, m.tick())
		return m, tea.Batch(cmds...)

	case taskMsg:
		var statusErr *chatclient.HTTPStatusError
		if errors.As(msg.err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusNotFound {
			// unknown to the gateway: stop polling it
			gone := m.tasks[msg.id]
			gone.ID = msg.id
			gone.Status = domain.TaskFailed
			gone.Detail = "task is no longer known to the gateway"
			m.track(gone)
			m.pollErr = ""
			return m, nil
		}
		if msg.err != nil {
			m.pollErr = fmt.Sprintf("status of %s unavailable: %v", msg.id, msg.err)
			return m, nil
		}
		m.pollErr = ""
		if msg.task.ID == "" {
			msg.task.ID = msg.id
		}
		m.track(msg.task)
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d", "esc":
		return m, tea.Quit

	case "ctrl+t":
		m.showTasks = !m.showTasks
		if !m.showTasks {
			return m, nil
		}
		return m, tasksCmd(m.ctx, m.gw)

	case "enter":
		if m.waiting {
			return m, nil
		}
		line := strings.TrimSpace(string(m.input))
		m.input = nil
		m.cursor = 0
		if line == "" {
			return m, nil
		}
		if m.conversationLength() >= m.maxMessages {
			m.history = append(m.history, entry{role: roleSystem, text: fmt.Sprintf("Message limit of %d reached for this session.", m.maxMessages)})
			return m, nil
		}
		m.history = append(m.history, entry{role: roleUser, text: line})
		m.waiting = true
		return m, sendCmd(m.ctx, m.gw, line)

	case "backspace":
		if m.cursor > 0 {
			m.input = append(append([]rune(nil), m.input[:m.cursor-1]...), m.input[m.cursor:]...)
			m.cursor--
		}
		return m, nil
	case "left":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "right":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	case "ctrl+u":
		m.input = nil
		m.cursor = 0
		return m, nil
	case " ":
		m.insert([]rune{' '})
		return m, nil
	}

	if msg.Type == tea.KeyRunes {
		filtered := make([]rune, 0, len(msg.Runes))
		for _, r := range msg.Runes {
			if r >= 0x20 {
				filtered = append(filtered, r)
			}
		}
		m.insert(filtered)
	}
	return m, nil
}

func (m *model) insert(r []rune) {
	if len(r) == 0 {
		return
	}
	out := make([]rune, 0, len(m.input)+len(r))
	out = append(out, m.input[:m.cursor]...)
	out = append(out, r...)
	out = append(out, m.input[m.cursor:]...)
	m.input = out
	m.cursor += len(r)
}

func (m *model) track(task domain.DelegatedTask) {
	if task.ID == "" {
		return
	}
	if _, ok := m.tasks[task.ID]; !ok {
		m.order = append(m.order, task.ID)
	}
	m.tasks[task.ID] = task
}

func (m *model) startPolling() tea.Cmd {
	if m.polling || len(m.pending()) == 0 {
		return nil
	}
	m.polling = true
	return m.tick()
}

// pending lists tracked tasks that have not reached a terminal state.
func (m model) pending() []string {
	var ids []string
	for _, id := range m.order {
		if !m.tasks[id].Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m model) conversationLength() int {
	n := 0
	for _, e := range m.history {
		if e.role == roleUser || e.role == roleAssistant {
			n++
		}
	}
	return n
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.pollEvery, func(time.Time) tea.Msg { return pollTickMsg{} })
}

func sendCmd(ctx context.Context, gw Gateway, text string) tea.Cmd {
	return func() tea.Msg {
		reply, err := gw.Send(ctx, text)
		if err != nil {
			slog.Debug("tui: send failed", "err", err)
		}
		return replyMsg{reply: reply, err: err}
	}
}

// transcript keeps the user and assistant text of a stored conversation.
func transcript(msgs []domain.Message) []entry {
	out := make([]entry, 0, len(msgs))
	for _, msg := range msgs {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		switch msg.Role {
		case domain.RoleUser:
			out = append(out, entry{role: roleUser, text: text})
		case domain.RoleAssistant:
			out = append(out, entry{role: roleAssistant, text: text})
		}
	}
	return out
}

func historyCmd(ctx context.Context, gw Gateway) tea.Cmd {
	return func() tea.Msg {
		session, err := gw.History(ctx)
		return historyMsg{session: session, err: err}
	}
}

func tasksCmd(ctx context.Context, gw Gateway) tea.Cmd {
	return func() tea.Msg {
		tasks, err := gw.Tasks(ctx)
		return tasksMsg{tasks: tasks, err: err}
	}
}

func statusCmd(ctx context.Context, gw Gateway, id string) tea.Cmd {
	return func() tea.Msg {
		task, err := gw.TaskStatus(ctx, id)
		return taskMsg{id: id, task: task, err: err}
	}
}
