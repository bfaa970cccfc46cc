package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"reportflow/internal/lock"
)

const runInProgress = "run already in progress"

func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.CronSecret != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.CronSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withRunLock runs fn under the named run lock. It reports false without
// calling fn when another run holds the lock. The run is detached from the
// request so a cron client that hangs up does not abort it halfway.
func (s *Server) withRunLock(r *http.Request, name string, fn func(ctx context.Context) error) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.deps.LockTTL)
	defer cancel()

	release, ok, err := s.deps.Locker.TryLock(ctx, name, s.deps.LockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("lock", name).Msg("release run lock")
		}
	}()
	return true, fn(ctx)
}

type runScheduledResp struct {
	Success       bool              `json:"success"`
	Message       string            `json:"message"`
	TasksExecuted int               `json:"tasksExecuted"`
	Succeeded     int               `json:"succeeded"`
	Failed        int               `json:"failed"`
	Skipped       int               `json:"skipped"`
	Errors        map[string]string `json:"errors"`
}

func (s *Server) runScheduledTasks(w http.ResponseWriter, r *http.Request) {
	resp := runScheduledResp{Success: true, Errors: map[string]string{}}
	ran, err := s.withRunLock(r, lock.ScheduledRun, func(ctx context.Context) error {
		sum, err := s.deps.Runner.ExecuteAllPendingTasks(ctx)
		if err != nil {
			return err
		}
		resp.TasksExecuted = sum.Succeeded + sum.Failed
		resp.Succeeded, resp.Failed, resp.Skipped = sum.Succeeded, sum.Failed, sum.Skipped
		resp.Errors = sum.Errors
		return nil
	})
	if err != nil {
		s.deps.Metrics.Trigger(lock.ScheduledRun, "error")
		log.Error().Err(err).Msg("run scheduled tasks")
		writeError(w, http.StatusInternalServerError, "failed to run scheduled tasks")
		return
	}
	if !ran {
		s.deps.Metrics.Trigger(lock.ScheduledRun, "busy")
		resp.Message = runInProgress
		writeJSON(w, http.StatusOK, resp)
		return
	}

	s.deps.Metrics.Trigger(lock.ScheduledRun, "ok")
	resp.Message = fmt.Sprintf("executed %d scheduled task(s): %d succeeded, %d failed", resp.TasksExecuted, resp.Succeeded, resp.Failed)
	writeJSON(w, http.StatusOK, resp)
}

type processQueueResp struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	BeforeCount    int    `json:"beforeCount"`
	AfterCount     int    `json:"afterCount"`
	ProcessedCount int    `json:"processedCount"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
}

func (s *Server) processTaskQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", s.deps.BatchLimit, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	resp := processQueueResp{Success: true}
	ran, err := s.withRunLock(r, lock.QueueRun, func(ctx context.Context) error {
		before, err := s.deps.Processor.GetQueueLength(ctx)
		if err != nil {
			return err
		}
		res, err := s.deps.Processor.ProcessTaskQueue(ctx, limit)
		if err != nil {
			return err
		}
		after, err := s.deps.Processor.GetQueueLength(ctx)
		if err != nil {
			return err
		}
		resp.BeforeCount, resp.AfterCount = before, after
		resp.ProcessedCount, resp.Succeeded, resp.Failed = res.Succeeded+res.Failed, res.Succeeded, res.Failed
		return nil
	})
	if err != nil {
		s.deps.Metrics.Trigger(lock.QueueRun, "error")
		log.Error().Err(err).Msg("process task queue")
		writeError(w, http.StatusInternalServerError, "failed to process task queue")
		return
	}
	if !ran {
		s.deps.Metrics.Trigger(lock.QueueRun, "busy")
		resp.Message = runInProgress
		writeJSON(w, http.StatusOK, resp)
		return
	}

	s.deps.Metrics.Trigger(lock.QueueRun, "ok")
	resp.Message = fmt.Sprintf("processed %d task(s): %d succeeded, %d failed", resp.ProcessedCount, resp.Succeeded, resp.Failed)
	writeJSON(w, http.StatusOK, resp)
}
