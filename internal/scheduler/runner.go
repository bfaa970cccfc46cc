package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/export"
	"reportflow/internal/mail"
	"reportflow/internal/metrics"
	"reportflow/internal/queue"
)

// TaskTypeScheduledReport is the task type recorded in execution logs for
// scheduled report runs.
const TaskTypeScheduledReport = "scheduled_report"

// Store is the persistence the runner needs.
type Store interface {
	GetPendingTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)
	GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	ClaimScheduledTask(ctx context.Context, id string, expected, next time.Time) (bool, error)
	UpdateTaskExecutionStatus(ctx context.Context, id string, executedAt, nextRun time.Time, success bool, errMsg *string) error
	UpdateTaskLastRun(ctx context.Context, id string, executedAt time.Time, success bool, errMsg *string) error
	CreateEmailLog(ctx context.Context, l domain.EmailLog) (int64, error)
	FinishEmailLog(ctx context.Context, id int64, status domain.LogStatus, errMsg *string) error
	AppendExecutionLog(ctx context.Context, l domain.ExecutionLog) (int64, error)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (export.Artifact, error)
}

type RunnerOptions struct {
	// TaskTimeout bounds export and delivery of a single scheduled task.
	TaskTimeout time.Duration
	Templates   *mail.Templates
	Metrics     *metrics.Metrics
}

// Summary aggregates one ExecuteAllPendingTasks call.
type Summary struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Errors    map[string]string `json:"errors"`
}

// Outcome is the result of running a single scheduled task.
type Outcome struct {
	TaskID     string    `json:"taskId"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	NextRun    time.Time `json:"nextRun"`
	DurationMs int64     `json:"durationMs"`
	EmailLogID int64     `json:"emailLogId,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Runner executes due scheduled report definitions: export, email, reschedule.
type Runner struct {
	store     Store
	exporter  Exporter
	mailer    mail.Mailer
	templates *mail.Templates
	metrics   *metrics.Metrics
	timeout   time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewRunner(store Store, exporter Exporter, mailer mail.Mailer, opts RunnerOptions) (*Runner, error) {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if opts.Templates == nil {
		t, err := mail.NewTemplates("", "")
		if err != nil {
			return nil, err
		}
		opts.Templates = t
	}
	return &Runner{
		store:     store,
		exporter:  exporter,
		mailer:    mailer,
		templates: opts.Templates,
		metrics:   opts.Metrics,
		timeout:   opts.TaskTimeout,
		log:       log.With().Str("component", "runner").Logger(),
		now:       time.Now,
	}, nil
}

// ExecuteAllPendingTasks runs every enabled task whose next run has passed.
// Each task is rescheduled to its next natural occurrence before it runs, so
// a failing task waits a full period instead of retrying on every call. A
// task another runner claimed first is counted as skipped. Only a failure to
// fetch the due list is returned as an error.
func (r *Runner) ExecuteAllPendingTasks(ctx context.Context) (Summary, error) {
	sum := Summary{Errors: map[string]string{}}
	now := r.now()

	due, err := r.store.GetPendingTasks(ctx, now)
	if err != nil {
		return sum, fmt.Errorf("fetch due tasks: %w", err)
	}
	sum.Total = len(due)
	if len(due) == 0 {
		return sum, nil
	}
	r.log.Info().Int("due", len(due)).Msg("executing due scheduled tasks")

	for _, t := range due {
		// Earlier tasks in the batch may have taken minutes; the next run is
		// computed from when this one starts.
		start := r.now()
		next, err := CalculateNextRun(t.Frequency, t.Day, t.Time, start)
		if err != nil {
			// An invalid definition still has to leave the due set.
			r.log.Error().Err(err).Str("task_id", t.ID).Msg("cannot compute next run")
			next = start.Add(24 * time.Hour)
		}

		won, cerr := r.store.ClaimScheduledTask(ctx, t.ID, t.NextRun, next)
		if cerr != nil {
			sum.Failed++
			sum.Errors[t.ID] = "claim: " + cerr.Error()
			r.log.Error().Err(cerr).Str("task_id", t.ID).Msg("claim scheduled task")
			continue
		}
		if !won {
			sum.Skipped++
			r.log.Info().Str("task_id", t.ID).Msg("scheduled task claimed by another run, skipping")
			continue
		}

		var out Outcome
		if err != nil {
			out = r.record(ctx, t, start, &next, "", 0, 0, fmt.Errorf("recurrence: %w", err))
		} else {
			out = r.run(ctx, t, start, &next)
		}
		if out.Success {
			sum.Succeeded++
		} else {
			sum.Failed++
			sum.Errors[t.ID] = out.Error
		}
	}

	r.log.Info().
		Int("total", sum.Total).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Msg("scheduled run finished")
	return sum, nil
}

// ExecuteTask runs one scheduled task immediately, regardless of whether it
// is due or enabled. Its next run is left to the scheduled runner, which may
// reschedule it while this run is in flight.
func (r *Runner) ExecuteTask(ctx context.Context, id string) (Outcome, error) {
	t, err := r.store.GetScheduledTask(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load scheduled task %s: %w", id, err)
	}
	out := r.run(ctx, t, r.now(), nil)
	if !out.Success {
		return out, errors.New(out.Error)
	}
	return out, nil
}

// run exports and delivers t under the task timeout and records the result.
// A nil nextRun records the run without rescheduling.
func (r *Runner) run(ctx context.Context, t domain.ScheduledTask, start time.Time, nextRun *time.Time) Outcome {
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	filename, emailID, err := r.deliver(tctx, t, start)
	took := r.now().Sub(start)
	if err != nil && tctx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
	}
	return r.record(ctx, t, start, nextRun, filename, emailID, took, err)
}

func (r *Runner) deliver(ctx context.Context, t domain.ScheduledTask, now time.Time) (string, int64, error) {
	report := t.Report
	if report == "" {
		report = queue.DefaultReport
	}
	art, err := r.exporter.Export(ctx, export.Request{
		Report:  report,
		Title:   t.Name,
		Format:  t.Format,
		Options: t.Options,
		Since:   reportWindow(t, now),
	})
	if err != nil {
		return "", 0, fmt.Errorf("export: %w", err)
	}

	subject, body, err := r.templates.Render(mail.TemplateData{
		TaskName:  t.Name,
		Frequency: string(t.Frequency),
		Format:    string(t.Format),
		Filename:  art.Filename,
		Now:       now,
	})
	if err != nil {
		return art.Filename, 0, err
	}

	meta, _ := json.Marshal(map[string]any{
		"filename": art.Filename,
		"format":   t.Format,
		"bytes":    len(art.Data),
	})
	taskID := t.ID
	emailID, err := r.store.CreateEmailLog(ctx, domain.EmailLog{
		TaskID:     &taskID,
		TaskName:   t.Name,
		Recipients: t.Recipients,
		Subject:    subject,
		SentAt:     now,
		Metadata:   meta,
	})
	if err != nil {
		return art.Filename, 0, fmt.Errorf("create email log: %w", err)
	}

	sendErr := r.mailer.Send(ctx, mail.Message{
		To:      t.Recipients,
		Subject: subject,
		Body:    body,
		Attachments: []mail.Attachment{{
			Filename:    art.Filename,
			ContentType: art.ContentType,
			Data:        art.Data,
		}},
	})

	status := domain.LogSuccess
	var errMsg *string
	if sendErr != nil {
		status = domain.LogFailed
		msg := sendErr.Error()
		errMsg = &msg
	}
	r.metrics.EmailSent(string(status))
	if ferr := r.store.FinishEmailLog(context.WithoutCancel(ctx), emailID, status, errMsg); ferr != nil {
		r.log.Error().Err(ferr).Int64("email_log_id", emailID).Msg("finish email log")
	}
	if sendErr != nil {
		return art.Filename, emailID, fmt.Errorf("send email: %w", sendErr)
	}
	return art.Filename, emailID, nil
}

// record writes the run's status and execution log. It ignores cancellation
// of ctx so a timed out or abandoned run still gets its status written.
func (r *Runner) record(ctx context.Context, t domain.ScheduledTask, executedAt time.Time, nextRun *time.Time, filename string, emailID int64, took time.Duration, runErr error) Outcome {
	ctx = context.WithoutCancel(ctx)
	l := r.log.With().Str("task_id", t.ID).Str("name", t.Name).Logger()
	next := t.NextRun
	if nextRun != nil {
		next = *nextRun
	}
	out := Outcome{
		TaskID:     t.ID,
		Success:    runErr == nil,
		Filename:   filename,
		NextRun:    next,
		DurationMs: took.Milliseconds(),
		EmailLogID: emailID,
		ExecutedAt: executedAt,
	}

	var errMsg *string
	logStatus, runStatus, message := domain.LogSuccess, domain.RunSuccess, "report sent"
	if filename != "" {
		message = "report sent: " + filename
	}
	if runErr != nil {
		out.Error = runErr.Error()
		errMsg = &out.Error
		logStatus, runStatus, message = domain.LogFailed, domain.RunFailure, out.Error
		l.Error().Err(runErr).Time("next_run", next).Msg("scheduled task failed")
	} else {
		l.Info().Str("filename", filename).Time("next_run", next).Msg("scheduled task succeeded")
	}
	r.metrics.ScheduledRun(string(runStatus))

	var err error
	if nextRun != nil {
		err = r.store.UpdateTaskExecutionStatus(ctx, t.ID, executedAt, *nextRun, runErr == nil, errMsg)
	} else {
		err = r.store.UpdateTaskLastRun(ctx, t.ID, executedAt, runErr == nil, errMsg)
	}
	if err != nil {
		l.Error().Err(err).Msg("update execution status")
	}

	meta, _ := json.Marshal(map[string]any{
		"name":       t.Name,
		"frequency":  t.Frequency,
		"format":     t.Format,
		"recipients": t.Recipients,
		"nextRun":    next,
		"filename":   filename,
	})
	if _, err = r.store.AppendExecutionLog(ctx, domain.ExecutionLog{
		TaskID:     t.ID,
		TaskType:   TaskTypeScheduledReport,
		Source:     domain.SourceSchedule,
		Status:     logStatus,
		Message:    message,
		ExecutedAt: executedAt,
		DurationMs: out.DurationMs,
		Metadata:   meta,
	}); err != nil {
		l.Error().Err(err).Msg("append execution log")
	}
	return out
}

// reportWindow is the start of the data a run reports on: the previous run
// if there was one, otherwise one period back.
func reportWindow(t domain.ScheduledTask, now time.Time) time.Time {
	if t.LastRun != nil && t.LastRun.Before(now) {
		return *t.LastRun
	}
	switch t.Frequency {
	case domain.Weekly:
		return now.AddDate(0, 0, -7)
	case domain.Monthly:
		return now.AddDate(0, -1, 0)
	default:
		return now.AddDate(0, 0, -1)
	}
}
