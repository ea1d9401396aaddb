package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType is the closed set of actions the bridge knows how to delegate.
type ActionType string

const (
	ActionSendEmail ActionType = "send_email"
)

// SupportedActions lists every ActionType in declaration order.
var SupportedActions = []ActionType{ActionSendEmail}

// ParseActionType maps a tool name emitted by the agent to an ActionType.
// Unknown names are returned as-is with ok=false.
func ParseActionType(name string) (ActionType, bool) {
	switch ActionType(name) {
	case ActionSendEmail:
		return ActionSendEmail, true
	default:
		return ActionType(name), false
	}
}

// TaskStatus is the lifecycle state of a DelegatedTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// DelegatedTask tracks one triggered workflow invocation.
type DelegatedTask struct {
	ID         string          `json:"task_id"`
	RunID      string          `json:"workflow_run_id,omitempty"`
	ActionType ActionType      `json:"action_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     TaskStatus      `json:"status"`
	Detail     string          `json:"detail"`
	ErrorCode  string          `json:"error_code,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transition moves the task to next. Only pending tasks may move, and only to
// a terminal state.
func (t *DelegatedTask) Transition(next TaskStatus, detail string, at time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("domain: task %s is already %s", t.ID, t.Status)
	}
	if !next.Terminal() {
		return fmt.Errorf("domain: task %s cannot move from %s to %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.Detail = detail
	t.UpdatedAt = at
	return nil
}

// Summary is the short human readable status line used in chat replies.
func (t DelegatedTask) Summary() string {
	if t.Detail == "" {
		return fmt.Sprintf("Task %s (%s): %s", t.ID, t.ActionType, t.Status)
	}
	return fmt.Sprintf("Task %s (%s): %s - %s", t.ID, t.ActionType, t.Status, t.Detail)
}

// WorkflowRunState is the externally reported state of one workflow run.
type WorkflowRunState struct {
	Status TaskStatus
	Detail string
}

// TriggerResult is the acknowledgement returned by the workflow service.
type TriggerResult struct {
	ID       string
	Accepted bool
}

// SendEmailPayload is the input schema of the email workflow.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
