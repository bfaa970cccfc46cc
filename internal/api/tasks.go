package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/worker"
)

type enqueueReq struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority *int            `json:"priority"`
}

type enqueueResp struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if len(req.Payload) == 0 || bytes.Equal(req.Payload, []byte("null")) {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	priority := domain.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := s.deps.Processor.Enqueue(r.Context(), req.Type, req.Payload, priority)
	switch {
	case errors.Is(err, worker.ErrUnknownType), errors.Is(err, worker.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("type", req.Type).Msg("enqueue task")
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusOK, enqueueResp{Success: true, TaskID: id})
}

func (s *Server) queueLength(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Processor.GetQueueLength(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("queue length")
		writeError(w, http.StatusInternalServerError, "failed to read queue length")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"length": n})
}

type retryReq struct {
	TaskID string `json:"taskId"`
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	var req retryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if err := s.deps.Processor.RetryFailedTask(r.Context(), req.TaskID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type failedTask struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retryCount"`
	Error      string          `json:"error"`
	CreatedAt  time.Time       `json:"createdAt"`
	FailedAt   *time.Time      `json:"failedAt"`
}

func (s *Server) failedTasks(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", 50, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	tasks, err := s.deps.Processor.ListFailedTasks(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("list failed tasks")
		writeError(w, http.StatusInternalServerError, "failed to list failed tasks")
		return
	}
	out := make([]failedTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, failedTask{
			ID:         t.ID,
			Type:       t.Type,
			Payload:    t.Payload,
			Priority:   t.Priority,
			RetryCount: t.RetryCount,
			Error:      t.Message,
			CreatedAt:  t.CreatedAt,
			FailedAt:   t.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
