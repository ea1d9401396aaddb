package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"taskchat/internal/domain"
)

const (
	DefaultSessionID        = "default"
	defaultMaxTurns         = 10
	defaultMaxMessageLength = 2000
	maxActionsPerMessage    = 4

	agentUnavailableReply = "Sorry, the assistant is unavailable right now. Please try again in a moment."
	actionLimitDetail     = "too many actions requested in one message"
)

type GatewayConfig struct {
	MaxTurns         int
	MaxMessageLength int
	Bridge           BridgeConfig
}

// SessionInfo describes one chat session and its transcript.
type SessionInfo struct {
	SessionID string
	ThreadID  string
	Messages  []domain.Message
}

// ChatOutput is the result of one PostMessage call. Task is the last task
// delegated while handling the message, if any.
type ChatOutput struct {
	SessionID    string
	Reply        string
	Task         *domain.DelegatedTask
	Delegated    []domain.DelegatedTask
	PendingTasks []string
}

// toolResult is the JSON handed back to the agent for each action call.
type toolResult struct {
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type session struct {
	id     string
	agent  *AgentSession
	bridge *Bridge

	turnMu sync.Mutex
	turns  int
}

// Gateway maps chat requests onto per-session agent conversations and task
// bridges.
type Gateway struct {
	agent   AgentClient
	trigger WorkflowTrigger
	cfg     GatewayConfig
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewGateway(agent AgentClient, trigger WorkflowTrigger, cfg GatewayConfig, logger *slog.Logger) (*Gateway, error) {
	if agent == nil {
		return nil, errors.New("usecase: agent client must not be nil")
	}
	if trigger == nil {
		return nil, errors.New("usecase: workflow trigger must not be nil")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := NewBridge(trigger, cfg.Bridge, logger); err != nil {
		return nil, err
	}
	return &Gateway{
		agent:    agent,
		trigger:  trigger,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}, nil
}

// OpenSession starts a new session with its own agent thread.
func (g *Gateway) OpenSession(ctx context.Context) (SessionInfo, error) {
	s, err := g.create(ctx, newUUID())
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

// History returns the transcript of sessionID, read from the hosted thread
// when the agent client supports it.
func (g *Gateway) History(ctx context.Context, sessionID string) (SessionInfo, error) {
	s, err := g.lookup(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	info := s.info()
	info.Messages = s.agent.Transcript(ctx)
	return info, nil
}

// PostMessage forwards text to the session's agent, delegates every action
// the agent requests and returns the agent's final reply.
func (g *Gateway) PostMessage(ctx context.Context, sessionID, text string) (ChatOutput, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > g.cfg.MaxMessageLength {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	s, err := g.lookup(ctx, sessionID)
	if err != nil {
		return ChatOutput{}, err
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turns >= g.cfg.MaxTurns {
		return ChatOutput{}, newError(ErrorInvalidInput, "conversation_turn_limit", nil)
	}

	out := ChatOutput{SessionID: s.id}
	turn, err := s.agent.Send(ctx, text)
	if err != nil {
		return g.agentFailure(s, out, err)
	}
	s.turns++

	var notes []string
	for turn.IsAction() {
		action := *turn.Action
		result, note, err := g.perform(ctx, s, action, len(out.Delegated), &out)
		if err != nil {
			s.agent.Abandon()
			return ChatOutput{}, err
		}
		if note != "" {
			notes = append(notes, note)
		}
		turn, err = s.agent.Resolve(ctx, action, result)
		if err != nil {
			return g.agentFailure(s, out, err)
		}
	}

	out.Reply = joinReply(turn.Content, notes)
	return s.finish(out), nil
}

// perform delegates one action call and builds the tool output for it. The
// returned note is shown to the user next to the agent's reply.
func (g *Gateway) perform(ctx context.Context, s *session, action domain.ActionCall, delegated int, out *ChatOutput) (toolResult, string, error) {
	if delegated >= maxActionsPerMessage {
		g.logger.Warn("action limit reached", "session_id", s.id, "action_type", string(action.Type))
		return toolResult{Status: string(domain.TaskFailed), Detail: actionLimitDetail}, "", nil
	}

	task, err := s.bridge.Delegate(ctx, action.Type, action.Payload)
	if err != nil {
		if CodeOf(err) != ErrorUnsupportedAction {
			return toolResult{}, "", err
		}
		g.logger.Warn("agent requested unsupported action", "session_id", s.id, "action_type", string(action.Type), "err", err)
		msg := fmt.Sprintf("The action %q is not supported.", action.Type)
		return toolResult{Status: string(domain.TaskFailed), Detail: msg, ErrorCode: string(ErrorUnsupportedAction)}, msg, nil
	}

	out.Delegated = append(out.Delegated, task)
	return toolResult{
		TaskID:    task.ID,
		Status:    string(task.Status),
		Detail:    task.Detail,
		ErrorCode: task.ErrorCode,
	}, task.Summary(), nil
}

// agentFailure turns an unavailable agent into an apologetic reply; other
// errors are returned as is.
func (g *Gateway) agentFailure(s *session, out ChatOutput, err error) (ChatOutput, error) {
	if CodeOf(err) != ErrorAgentUnavailable {
		return ChatOutput{}, err
	}
	g.logger.Error("agent unavailable", "session_id", s.id, "err", err)
	var notes []string
	for _, t := range out.Delegated {
		notes = append(notes, t.Summary())
	}
	out.Reply = joinReply(agentUnavailableReply, notes)
	return s.finish(out), nil
}

// GetTaskStatus polls taskID within sessionID.
func (g *Gateway) GetTaskStatus(ctx context.Context, sessionID, taskID string) (domain.DelegatedTask, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.DelegatedTask{}, newError(ErrorInvalidInput, "empty_task_id", nil)
	}
	s, err := g.lookup(ctx, sessionID)
	if err != nil {
		return domain.DelegatedTask{}, err
	}
	return s.bridge.Poll(ctx, taskID)
}

// ListTasks returns every task delegated within sessionID.
func (g *Gateway) ListTasks(ctx context.Context, sessionID string) ([]domain.DelegatedTask, error) {
	s, err := g.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.bridge.Tasks(), nil
}

// lookup finds sessionID. The default session is created on first use; any
// other id must come from OpenSession.
func (g *Gateway) lookup(ctx context.Context, sessionID string) (*session, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		id = DefaultSessionID
	}
	g.mu.Lock()
	s, ok := g.sessions[id]
	g.mu.Unlock()
	if ok {
		return s, nil
	}
	if id != DefaultSessionID {
		return nil, newError(ErrorUnknownSession, "unknown_session", fmt.Errorf("session %q does not exist", id))
	}
	return g.create(ctx, id)
}

// create opens the agent thread outside the registry lock; when two callers
// race on the same id the first registered session wins.
func (g *Gateway) create(ctx context.Context, id string) (*session, error) {
	agent, err := NewAgentSession(ctx, g.agent, id, g.logger)
	if err != nil {
		g.logger.Error("open session failed", "session_id", id, "err", err)
		return nil, err
	}
	bridge, err := NewBridge(g.trigger, g.cfg.Bridge, g.logger.With("session_id", id))
	if err != nil {
		return nil, newError(ErrorInternal, "create_bridge", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.sessions[id]; ok {
		return existing, nil
	}
	s := &session{id: id, agent: agent, bridge: bridge}
	g.sessions[id] = s
	g.logger.Info("session opened", "session_id", id, "thread_id", agent.Thread().ID)
	return s, nil
}

func (s *session) finish(out ChatOutput) ChatOutput {
	if n := len(out.Delegated); n > 0 {
		last := out.Delegated[n-1]
		out.Task = &last
	}
	out.PendingTasks = s.bridge.Pending()
	return out
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		SessionID: s.id,
		ThreadID:  s.agent.Thread().ID,
		Messages:  s.agent.History(),
	}
}

func joinReply(text string, notes []string) string {
	parts := make([]string, 0, len(notes)+1)
	if t := strings.TrimSpace(text); t != "" {
		parts = append(parts, t)
	}
	parts = append(parts, notes...)
	return strings.Join(parts, "\n\n")
}

var newUUID = func() string {
	return uuid.NewString()
}
