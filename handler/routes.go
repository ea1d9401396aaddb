package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taskchat/internal/domain"
	"taskchat/internal/usecase"
)

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	ThreadID  string           `json:"thread_id"`
	Messages  []domain.Message `json:"messages"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	SessionID    string                `json:"session_id"`
	Reply        string                `json:"reply"`
	TaskID       string                `json:"task_id,omitempty"`
	Task         *domain.DelegatedTask `json:"task,omitempty"`
	PendingTasks []string              `json:"pending_tasks"`
}

type tasksResponse struct {
	Tasks []domain.DelegatedTask `json:"tasks"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.gateway.OpenSession(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set(headerSessionID, info.SessionID)
	writeJSON(w, http.StatusCreated, toSessionResponse(info))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	info, err := h.gateway.History(r.Context(), r.Header.Get(headerSessionID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(info))
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Info("invalid chat body", "correlation_id", correlationID(r.Context()), "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "body must be JSON with a text field"})
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "body must contain a single JSON object"})
		return
	}

	out, err := h.gateway.PostMessage(r.Context(), r.Header.Get(headerSessionID), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := chatResponse{
		SessionID:    out.SessionID,
		Reply:        out.Reply,
		Task:         out.Task,
		PendingTasks: out.PendingTasks,
	}
	if out.Task != nil {
		resp.TaskID = out.Task.ID
	}
	if resp.PendingTasks == nil {
		resp.PendingTasks = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.gateway.ListTasks(r.Context(), r.Header.Get(headerSessionID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.DelegatedTask{}
	}
	writeJSON(w, http.StatusOK, tasksResponse{Tasks: tasks})
}

func (h *Handler) taskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := h.gateway.GetTaskStatus(r.Context(), r.Header.Get(headerSessionID), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func toSessionResponse(info usecase.SessionInfo) sessionResponse {
	msgs := info.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return sessionResponse{SessionID: info.SessionID, ThreadID: info.ThreadID, Messages: msgs}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	attrs := []any{"correlation_id", correlationID(r.Context()), "path", r.URL.Path, "code", string(code), "err", err}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", attrs...)
	} else {
		h.logger.Info("request rejected", attrs...)
	}

	msg := "internal error"
	var ucErr *usecase.Error
	switch {
	case status < http.StatusInternalServerError && errors.As(err, &ucErr):
		msg = ucErr.Reason
	case code == usecase.ErrorAgentUnavailable:
		msg = "agent unavailable"
	case code == usecase.ErrorTriggerCallFailed:
		msg = "workflow unavailable"
	}
	writeJSON(w, status, errorResponse{Error: string(code), Message: msg})
}

func statusFor(err error) (int, usecase.ErrorCode) {
	code := usecase.CodeOf(err)
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorUnsupportedAction:
		return http.StatusBadRequest, code
	case usecase.ErrorUnknownTaskID, usecase.ErrorUnknownSession:
		return http.StatusNotFound, code
	case usecase.ErrorAgentUnavailable, usecase.ErrorTriggerCallFailed:
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, usecase.ErrorInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
