package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"taskchat/internal/domain"
)

// AgentClient is the hosted agent boundary used by AgentSession.
type AgentClient interface {
	CreateThread(ctx context.Context) (string, error)
	Run(ctx context.Context, threadID, text string) (domain.AgentReply, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (domain.AgentReply, error)
}

// pendingRun is a hosted run waiting for the outputs of calls, which are
// handed out one at a time and submitted together.
type pendingRun struct {
	runID   string
	calls   []domain.ActionCall
	outputs []domain.ToolOutput
}

func (p *pendingRun) next() domain.ActionCall {
	return p.calls[len(p.outputs)]
}

func (p *pendingRun) done() bool {
	return len(p.outputs) == len(p.calls)
}

// AgentSession holds one conversation thread with the hosted agent.
type AgentSession struct {
	agent  AgentClient
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	thread   domain.Thread
	messages []domain.Message
	pending  *pendingRun
	running  bool
}

// NewAgentSession opens a new hosted thread for sessionID.
func NewAgentSession(ctx context.Context, agent AgentClient, sessionID string, logger *slog.Logger) (*AgentSession, error) {
	if agent == nil {
		return nil, errors.New("usecase: agent client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	threadID, err := agent.CreateThread(ctx)
	if err != nil {
		return nil, newError(ErrorAgentUnavailable, "create_thread_failed", err)
	}
	s := &AgentSession{agent: agent, logger: logger, now: time.Now}
	s.thread = domain.Thread{ID: threadID, SessionID: sessionID, CreatedAt: s.now().UTC()}
	return s, nil
}

// Thread returns the agent-side thread identity.
func (s *AgentSession) Thread() domain.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// History returns a copy of the conversation so far.
func (s *AgentSession) History() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ThreadReader is implemented by agent clients that can list the messages
// stored on a hosted thread.
type ThreadReader interface {
	History(ctx context.Context, threadID string) ([]domain.Message, error)
}

// Transcript returns the hosted thread's messages when the agent client can
// list them, and the local copy otherwise.
func (s *AgentSession) Transcript(ctx context.Context) []domain.Message {
	reader, ok := s.agent.(ThreadReader)
	if !ok {
		return s.History()
	}
	threadID := s.Thread().ID
	msgs, err := reader.History(ctx, threadID)
	if err != nil {
		s.logger.Warn("hosted thread unavailable, serving local transcript", "thread_id", threadID, "err", err)
		return s.History()
	}
	return msgs
}

// Send posts userText to the thread and returns the agent's turn.
func (s *AgentSession) Send(ctx context.Context, userText string) (domain.Turn, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return domain.Turn{}, newError(ErrorInvalidInput, "empty_message", nil)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return domain.Turn{}, newError(ErrorInvalidInput, "turn_in_progress", nil)
	}
	if s.pending != nil {
		s.mu.Unlock()
		return domain.Turn{}, newError(ErrorInvalidInput, "action_pending", nil)
	}
	s.append(domain.Message{Role: domain.RoleUser, Content: text})
	s.running = true
	threadID := s.thread.ID
	s.mu.Unlock()

	reply, err := s.agent.Run(ctx, threadID, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if err != nil {
		return domain.Turn{}, newError(ErrorAgentUnavailable, "agent_run_failed", err)
	}
	return s.turnFrom(reply), nil
}

// Resolve records output as the result of action and returns the agent's
// next turn. Outputs are submitted once every call of the run is resolved.
func (s *AgentSession) Resolve(ctx context.Context, action domain.ActionCall, output any) (domain.Turn, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return domain.Turn{}, newError(ErrorInternal, "encode_tool_output", err)
	}

	s.mu.Lock()
	p := s.pending
	if s.running || p == nil || p.next().CallID != action.CallID {
		s.mu.Unlock()
		return domain.Turn{}, newError(ErrorInvalidInput, "unknown_action_call", nil)
	}
	p.outputs = append(p.outputs, domain.ToolOutput{CallID: action.CallID, Output: string(raw)})
	s.append(domain.Message{Role: domain.RoleTool, Content: string(raw), Action: &action})
	if !p.done() {
		next := p.next()
		s.mu.Unlock()
		return domain.ActionTurn(next), nil
	}
	s.pending = nil
	s.running = true
	threadID := s.thread.ID
	s.mu.Unlock()

	reply, err := s.agent.SubmitToolOutputs(ctx, threadID, p.runID, p.outputs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if err != nil {
		return domain.Turn{}, newError(ErrorAgentUnavailable, "submit_tool_outputs_failed", err)
	}
	return s.turnFrom(reply), nil
}

// Abandon drops a run whose actions will not be resolved so the next Send is
// not refused.
func (s *AgentSession) Abandon() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// turnFrom records reply in the transcript. Callers hold s.mu.
func (s *AgentSession) turnFrom(reply domain.AgentReply) domain.Turn {
	if len(reply.Calls) == 0 {
		s.append(domain.Message{Role: domain.RoleAssistant, Content: reply.Text})
		return domain.TextTurn(reply.Text)
	}

	p := &pendingRun{runID: reply.RunID, calls: make([]domain.ActionCall, 0, len(reply.Calls))}
	for _, c := range reply.Calls {
		actionType, _ := domain.ParseActionType(c.Name)
		call := domain.ActionCall{
			CallID:  c.ID,
			RunID:   reply.RunID,
			Type:    actionType,
			Payload: argumentsJSON(c.Arguments),
		}
		p.calls = append(p.calls, call)
		s.append(domain.Message{Role: domain.RoleAssistant, Content: reply.Text, Action: &call})
	}
	s.pending = p
	s.logger.Debug("agent requested actions", "thread_id", s.thread.ID, "run_id", reply.RunID, "count", len(p.calls))
	return domain.ActionTurn(p.next())
}

func (s *AgentSession) append(m domain.Message) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	s.messages = append(s.messages, m)
}

// argumentsJSON keeps raw tool arguments as JSON; malformed arguments are
// carried as a JSON string so schema validation rejects them later.
func argumentsJSON(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args != "" && json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}
