package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Thread is the agent-side conversation identity owned by one session.
type Thread struct {
	ID        string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one append-only conversation turn.
type Message struct {
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Action    *ActionCall `json:"action,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// TurnKind discriminates an assistant turn.
type TurnKind string

const (
	TurnText   TurnKind = "text"
	TurnAction TurnKind = "action"
)

// ActionCall is a structured request from the agent to perform an external
// operation. CallID and RunID tie the call back to the hosted agent run that
// is waiting for its output.
type ActionCall struct {
	CallID  string          `json:"call_id"`
	RunID   string          `json:"run_id"`
	Type    ActionType      `json:"action_type"`
	Payload json.RawMessage `json:"payload"`
}

// Turn is what the agent produced for one submission: either plain text or a
// single action request.
type Turn struct {
	Kind    TurnKind    `json:"kind"`
	Content string      `json:"content,omitempty"`
	Action  *ActionCall `json:"action,omitempty"`
}

// TextTurn builds a text turn.
func TextTurn(content string) Turn {
	return Turn{Kind: TurnText, Content: content}
}

// ActionTurn builds an action turn.
func ActionTurn(call ActionCall) Turn {
	return Turn{Kind: TurnAction, Action: &call}
}

// IsAction reports whether the turn carries an action request.
func (t Turn) IsAction() bool {
	return t.Kind == TurnAction && t.Action != nil
}

// ToolCall is one function invocation requested by the hosted agent.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput is the result handed back to the agent for one ToolCall.
type ToolOutput struct {
	CallID string
	Output string
}

// AgentReply is the settled state of one hosted agent run: either final text
// or the tool calls the run is waiting on.
type AgentReply struct {
	RunID string
	Text  string
	Calls []ToolCall
}

// ActionSpec describes one action the agent may request, with the JSON schema
// of its arguments.
type ActionSpec struct {
	Type        ActionType
	Description string
	Schema      json.RawMessage
}
