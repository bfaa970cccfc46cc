package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/handlers"
	"reportflow/internal/handlers/report"
	"reportflow/internal/queue"
	"reportflow/internal/scheduler"
)

// runNowPriority puts manual runs ahead of routine queue work.
const runNowPriority = 8

type scheduledTaskReq struct {
	Name       string               `json:"name" validate:"required,max=200"`
	Frequency  domain.Frequency     `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	Day        int                  `json:"day"`
	Time       string               `json:"time" validate:"required"`
	Recipients []string             `json:"recipients" validate:"required,min=1,dive,email"`
	Format     domain.Format        `json:"format" validate:"required,oneof=excel pdf"`
	Options    domain.ReportOptions `json:"options"`
	Report     string               `json:"report"`
	Enabled    *bool                `json:"enabled"`
}

func (s *Server) decodeScheduledTask(r *http.Request) (scheduledTaskReq, error) {
	var req scheduledTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid JSON body")
	}
	if err := handlers.Validate.Struct(req); err != nil {
		return req, err
	}
	if err := scheduler.ValidateRecurrence(req.Frequency, req.Day, req.Time); err != nil {
		return req, err
	}
	if req.Report != "" && s.deps.Reports != nil && !s.deps.Reports.HasReport(req.Report) {
		return req, fmt.Errorf("unknown report %q", req.Report)
	}
	return req, nil
}

// apply copies the request onto t and recomputes its next run.
func (s *Server) apply(req scheduledTaskReq, t *domain.ScheduledTask) error {
	next, err := scheduler.CalculateNextRun(req.Frequency, req.Day, req.Time, s.now())
	if err != nil {
		return err
	}
	t.Name, t.Frequency, t.Day, t.Time = req.Name, req.Frequency, req.Day, req.Time
	t.Recipients, t.Format, t.Options, t.Report = req.Recipients, req.Format, req.Options, req.Report
	t.NextRun = next
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	return nil
}

func (s *Server) listScheduledTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.ListScheduledTasks(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("list scheduled tasks")
		writeError(w, http.StatusInternalServerError, "failed to list scheduled tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createScheduledTask(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeScheduledTask(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t := domain.ScheduledTask{Enabled: true}
	if err := s.apply(req, &t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deps.Store.CreateScheduledTask(r.Context(), t)
	if err != nil {
		log.Error().Err(err).Msg("create scheduled task")
		writeError(w, http.StatusInternalServerError, "failed to create scheduled task")
		return
	}
	created, err := s.deps.Store.GetScheduledTask(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("read created scheduled task")
		writeError(w, http.StatusInternalServerError, "failed to read scheduled task")
		return
	}
	log.Info().Str("id", id).Str("name", t.Name).Time("next_run", t.NextRun).Msg("scheduled task created")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getScheduledTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadScheduledTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) loadScheduledTask(w http.ResponseWriter, r *http.Request) (domain.ScheduledTask, bool) {
	id := chi.URLParam(r, "id")
	t, err := s.deps.Store.GetScheduledTask(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scheduled task not found")
		return t, false
	}
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("get scheduled task")
		writeError(w, http.StatusInternalServerError, "failed to read scheduled task")
		return t, false
	}
	return t, true
}

func (s *Server) updateScheduledTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadScheduledTask(w, r)
	if !ok {
		return
	}
	req, err := s.decodeScheduledTask(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.apply(req, &t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Store.UpdateScheduledTask(r.Context(), t); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scheduled task not found")
			return
		}
		log.Error().Err(err).Str("id", t.ID).Msg("update scheduled task")
		writeError(w, http.StatusInternalServerError, "failed to update scheduled task")
		return
	}
	s.getScheduledTask(w, r)
}

func (s *Server) deleteScheduledTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Store.DeleteScheduledTask(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scheduled task not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("delete scheduled task")
		writeError(w, http.StatusInternalServerError, "failed to delete scheduled task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runScheduledTaskNow queues the definition for immediate execution by the
// next queue processing run.
func (s *Server) runScheduledTaskNow(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadScheduledTask(w, r)
	if !ok {
		return
	}
	payload, _ := json.Marshal(report.Payload{ScheduledTaskID: t.ID})
	id, err := s.deps.Processor.Enqueue(r.Context(), report.TaskType, payload, runNowPriority)
	if err != nil {
		log.Error().Err(err).Str("id", t.ID).Msg("enqueue run now")
		writeError(w, http.StatusInternalServerError, "failed to queue scheduled task")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{Success: true, TaskID: id})
}
