package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskchat/internal/domain"
)

const optimisticDetail = "workflow accepted the request; completion is assumed"

// WorkflowTrigger starts a named workflow with a JSON payload.
type WorkflowTrigger interface {
	Trigger(ctx context.Context, workflow string, payload any) (domain.TriggerResult, error)
}

// WorkflowStatus reads the state of a workflow run. Optional.
type WorkflowStatus interface {
	RunStatus(ctx context.Context, workflow, runID string) (domain.WorkflowRunState, error)
}

type BridgeConfig struct {
	// Workflows names the workflow that performs each action type.
	Workflows map[domain.ActionType]string
	// SettleAfter is how long a pending task waits before a poll assumes it
	// completed. Ignored when Status is set.
	SettleAfter time.Duration
	Status      WorkflowStatus
}

// Bridge turns agent action requests into workflow invocations and tracks
// the resulting tasks.
type Bridge struct {
	trigger   WorkflowTrigger
	status    WorkflowStatus
	workflows map[domain.ActionType]string
	settle    time.Duration
	validator *payloadValidator
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	tasks map[string]*domain.DelegatedTask
	order []string
}

func NewBridge(trigger WorkflowTrigger, cfg BridgeConfig, logger *slog.Logger) (*Bridge, error) {
	if trigger == nil {
		return nil, errors.New("usecase: workflow trigger must not be nil")
	}
	for _, t := range domain.SupportedActions {
		if cfg.Workflows[t] == "" {
			return nil, fmt.Errorf("usecase: no workflow configured for action %s", t)
		}
	}
	if cfg.SettleAfter < 0 {
		cfg.SettleAfter = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newPayloadValidator()
	if err != nil {
		return nil, err
	}
	workflows := make(map[domain.ActionType]string, len(cfg.Workflows))
	for action, name := range cfg.Workflows {
		workflows[action] = name
	}
	return &Bridge{
		trigger:   trigger,
		status:    cfg.Status,
		workflows: workflows,
		settle:    cfg.SettleAfter,
		validator: v,
		logger:    logger,
		now:       time.Now,
		tasks:     make(map[string]*domain.DelegatedTask),
	}, nil
}

// Delegate validates payload and triggers the workflow behind actionType.
// Invalid payloads and trigger failures come back as failed tasks; only an
// unsupported action type is an error.
func (b *Bridge) Delegate(ctx context.Context, actionType domain.ActionType, payload json.RawMessage) (domain.DelegatedTask, error) {
	switch actionType {
	case domain.ActionSendEmail:
		return b.delegateEmail(ctx, payload)
	default:
		b.logger.Warn("unsupported action requested", "action_type", string(actionType))
		return domain.DelegatedTask{}, newError(ErrorUnsupportedAction, "unsupported_action",
			fmt.Errorf("action %q is not supported", actionType))
	}
}

func (b *Bridge) delegateEmail(ctx context.Context, payload json.RawMessage) (domain.DelegatedTask, error) {
	if err := b.validator.validate(domain.ActionSendEmail, payload); err != nil {
		task := b.newTask(domain.ActionSendEmail, payload, "")
		b.fail(task, string(ErrorInvalidInput), err.Error())
		stored := b.store(task)
		b.logger.Info("action payload rejected", "task_id", stored.ID, "err", err)
		return stored, nil
	}
	email, err := normalizeEmail(payload)
	if err != nil {
		return domain.DelegatedTask{}, newError(ErrorInternal, "normalize_payload", err)
	}
	normalized, err := json.Marshal(email)
	if err != nil {
		return domain.DelegatedTask{}, newError(ErrorInternal, "encode_payload", err)
	}

	workflow := b.workflows[domain.ActionSendEmail]
	res, err := b.trigger.Trigger(ctx, workflow, email)
	if err == nil && !res.Accepted {
		err = errors.New("workflow did not accept the request")
	}
	if err != nil {
		task := b.newTask(domain.ActionSendEmail, normalized, "")
		b.fail(task, string(ErrorTriggerCallFailed), err.Error())
		stored := b.store(task)
		attrs := []any{"task_id", stored.ID, "workflow", workflow, "err", err}
		if status, ok := upstreamStatusCode(err); ok {
			attrs = append(attrs, "status", status)
		}
		b.logger.Error("workflow trigger failed", attrs...)
		return stored, nil
	}

	stored := b.store(b.newTask(domain.ActionSendEmail, normalized, res.ID))
	b.logger.Info("workflow triggered", "task_id", stored.ID, "workflow", workflow, "workflow_run_id", res.ID)
	return stored, nil
}

// Poll returns the current state of taskID. Terminal tasks are returned
// unchanged.
func (b *Bridge) Poll(ctx context.Context, taskID string) (domain.DelegatedTask, error) {
	b.mu.Lock()
	task, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return domain.DelegatedTask{}, newError(ErrorUnknownTaskID, "unknown_task_id", fmt.Errorf("task %q was never delegated", taskID))
	}
	snapshot := *task
	b.mu.Unlock()
	if snapshot.Status.Terminal() {
		return snapshot, nil
	}

	next, detail, ok := b.observe(ctx, snapshot)
	if !ok {
		return snapshot, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !task.Status.Terminal() {
		if err := task.Transition(next, detail, b.now().UTC()); err != nil {
			return domain.DelegatedTask{}, newError(ErrorInternal, "task_transition", err)
		}
		b.logger.Info("task settled", "task_id", task.ID, "status", string(task.Status))
	}
	return *task, nil
}

// observe decides whether a pending task has reached a terminal state.
func (b *Bridge) observe(ctx context.Context, task domain.DelegatedTask) (domain.TaskStatus, string, bool) {
	if b.status != nil && task.RunID != "" {
		state, err := b.status.RunStatus(ctx, b.workflows[task.ActionType], task.RunID)
		if err != nil {
			b.logger.Warn("workflow status check failed", "task_id", task.ID, "err", err)
			return "", "", false
		}
		if !state.Status.Terminal() {
			return "", "", false
		}
		return state.Status, state.Detail, true
	}
	if b.now().Sub(task.CreatedAt) < b.settle {
		return "", "", false
	}
	return domain.TaskCompleted, optimisticDetail, true
}

// Tasks returns every tracked task in creation order.
func (b *Bridge) Tasks() []domain.DelegatedTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.DelegatedTask, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.tasks[id])
	}
	return out
}

// Pending returns the ids of tasks that are not terminal yet.
func (b *Bridge) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, id := range b.order {
		if !b.tasks[id].Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

func (b *Bridge) newTask(actionType domain.ActionType, payload json.RawMessage, runID string) *domain.DelegatedTask {
	at := b.now().UTC()
	if !json.Valid(payload) {
		payload = nil
	}
	return &domain.DelegatedTask{
		RunID:      runID,
		ActionType: actionType,
		Payload:    payload,
		Status:     domain.TaskPending,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func (b *Bridge) fail(task *domain.DelegatedTask, code, detail string) {
	task.Status = domain.TaskFailed
	task.ErrorCode = code
	task.Detail = detail
}

// store assigns the task id and records the task. The workflow run id is
// preferred; a fresh UUID is used when there is none or it is taken.
func (b *Bridge) store(task *domain.DelegatedTask) domain.DelegatedTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	task.ID = task.RunID
	if _, taken := b.tasks[task.ID]; task.ID == "" || taken {
		task.ID = newUUID()
	}
	b.tasks[task.ID] = task
	b.order = append(b.order, task.ID)
	return *task
}
