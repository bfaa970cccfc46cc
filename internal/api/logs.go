package api

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/export"
	"reportflow/internal/queue"
)

const downloadRowLimit = 50000

func logFilter(r *http.Request) (queue.LogFilter, error) {
	var f queue.LogFilter
	switch st := domain.LogStatus(r.URL.Query().Get("status")); st {
	case "":
	case domain.LogSuccess, domain.LogFailed:
		f.Status = st
	default:
		return f, fmt.Errorf("status must be %q or %q", domain.LogSuccess, domain.LogFailed)
	}
	switch src := domain.LogSource(r.URL.Query().Get("source")); src {
	case "":
	case domain.SourceQueue, domain.SourceSchedule:
		f.Source = src
	default:
		return f, fmt.Errorf("source must be %q or %q", domain.SourceQueue, domain.SourceSchedule)
	}
	return f, nil
}

func (s *Server) listExecutionLogs(w http.ResponseWriter, r *http.Request) {
	f, err := logFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, ok := intParam(r, "limit", 100, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	f.Limit = limit

	logs, err := s.deps.Store.ListExecutionLogs(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("list execution logs")
		writeError(w, http.StatusInternalServerError, "failed to list execution logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) downloadExecutionLogs(w http.ResponseWriter, r *http.Request) {
	f, err := logFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = downloadRowLimit

	logs, err := s.deps.Store.ListExecutionLogs(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("download execution logs")
		writeError(w, http.StatusInternalServerError, "failed to list execution logs")
		return
	}
	rows := make([][]string, len(logs))
	for i, l := range logs {
		rows[i] = export.ExecutionLogRow(l)
	}

	filename := fmt.Sprintf("execution-logs-%s.csv", s.now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	if err := export.WriteCSV(w, export.ExecutionLogColumns, rows); err != nil {
		log.Warn().Err(err).Msg("write execution log csv")
	}
}

func (s *Server) listEmailLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", 100, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	logs, err := s.deps.Store.ListEmailLogs(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("list email logs")
		writeError(w, http.StatusInternalServerError, "failed to list email logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
