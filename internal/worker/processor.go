package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/metrics"
)

// TaskStore is the persistence the processor needs.
type TaskStore interface {
	Enqueue(ctx context.Context, t domain.QueueTask) (string, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.QueueTask, error)
	MarkStarted(ctx context.Context, id string, at time.Time) error
	Release(ctx context.Context, ids []string) (int, error)
	Succeed(ctx context.Context, id, msg string, took time.Duration) error
	Fail(ctx context.Context, id, errStr string, took time.Duration) error
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)
	Retry(ctx context.Context, id string) error
	CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error)
	ListFailed(ctx context.Context, limit int) ([]domain.QueueTask, error)
	AppendExecutionLog(ctx context.Context, l domain.ExecutionLog) (int64, error)
}

// PanicError is the error recorded for a handler that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }

type Options struct {
	// TaskTimeout bounds a single handler call.
	TaskTimeout time.Duration
	// StaleAfter is how long a task may stay claimed before it is
	// considered abandoned and returned to pending.
	StaleAfter time.Duration
	Metrics    *metrics.Metrics
}

// Processor drains the task queue in priority order.
type Processor struct {
	store      TaskStore
	registry   *Registry
	timeout    time.Duration
	staleAfter time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

func NewProcessor(store TaskStore, registry *Registry, opts Options) *Processor {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2*opts.TaskTimeout + time.Minute
	}
	return &Processor{
		store:      store,
		registry:   registry,
		timeout:    opts.TaskTimeout,
		staleAfter: opts.StaleAfter,
		metrics:    opts.Metrics,
		log:        log.With().Str("component", "processor").Logger(),
		now:        time.Now,
	}
}

func (p *Processor) Registry() *Registry { return p.registry }

// Enqueue validates and stores a new pending task.
func (p *Processor) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, priority int) (string, error) {
	if err := p.registry.Validate(taskType, payload); err != nil {
		return "", err
	}
	id, err := p.store.Enqueue(ctx, domain.QueueTask{Type: taskType, Payload: payload, Priority: priority})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	p.metrics.TaskEnqueued(taskType)
	p.log.Info().Str("task_id", id).Str("type", taskType).Int("priority", priority).Msg("task enqueued")
	return id, nil
}

func (p *Processor) GetQueueLength(ctx context.Context) (int, error) {
	return p.store.CountByStatus(ctx, domain.TaskPending)
}

func (p *Processor) RetryFailedTask(ctx context.Context, id string) error {
	if err := p.store.Retry(ctx, id); err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	p.log.Info().Str("task_id", id).Msg("failed task re-queued")
	return nil
}

// RecoverStale returns claims older than the stale cutoff to pending.
// Claims held by a live processor elsewhere are younger than the cutoff
// and stay untouched.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	n, err := p.store.RecoverStale(ctx, p.now().Add(-p.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	if n > 0 {
		p.log.Warn().Int("recovered", n).Msg("stale claims returned to pending")
	}
	return n, nil
}

func (p *Processor) ListFailedTasks(ctx context.Context, limit int) ([]domain.QueueTask, error) {
	return p.store.ListFailed(ctx, limit)
}

// TaskResult is the outcome of one task within a batch.
type TaskResult struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Status     domain.TaskStatus `json:"status"`
	Message    string            `json:"message"`
	DurationMs int64             `json:"durationMs"`
}

type BatchResult struct {
	Recovered int          `json:"recovered"`
	Claimed   int          `json:"claimed"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []TaskResult `json:"results"`
}

// ProcessTaskQueue claims up to maxBatch pending tasks and runs each one's
// handler in claim order. Handler failures are recorded on the task and do
// not stop the batch; only store failures during recovery or claiming are
// returned.
func (p *Processor) ProcessTaskQueue(ctx context.Context, maxBatch int) (BatchResult, error) {
	res := BatchResult{Results: []TaskResult{}}
	now := p.now()

	recovered, err := p.RecoverStale(ctx)
	if err != nil {
		return res, err
	}
	res.Recovered = recovered

	tasks, err := p.store.ClaimBatch(ctx, maxBatch, now)
	if err != nil {
		return res, err
	}
	res.Claimed = len(tasks)

	for i, t := range tasks {
		if ctx.Err() != nil {
			p.release(tasks[i:])
			break
		}
		tr := p.execute(ctx, t)
		if tr.Status == domain.TaskSucceeded {
			res.Succeeded++
		} else {
			res.Failed++
		}
		res.Results = append(res.Results, tr)
	}

	if n, err := p.GetQueueLength(ctx); err == nil {
		p.metrics.QueueLength(n)
	}
	return res, nil
}

// release hands claimed tasks that never started back to pending.
func (p *Processor) release(tasks []domain.QueueTask) {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	n, err := p.store.Release(context.Background(), ids)
	if err != nil {
		p.log.Error().Err(err).Strs("task_ids", ids).Msg("release unstarted tasks")
		return
	}
	p.log.Warn().Int("released", n).Msg("run cancelled, unstarted tasks returned to pending")
}

func (p *Processor) execute(ctx context.Context, t domain.QueueTask) TaskResult {
	l := p.log.With().Str("task_id", t.ID).Str("type", t.Type).Logger()
	// Results are written even after the run context has ended.
	rctx := context.WithoutCancel(ctx)
	start := p.now()
	if err := p.store.MarkStarted(rctx, t.ID, start); err != nil {
		l.Error().Err(err).Msg("mark task started")
	}

	var (
		result Result
		err    error
	)
	if h, ok := p.registry.Get(t.Type); ok {
		result, err = p.run(ctx, h, t.Payload)
	} else {
		err = fmt.Errorf("%w: %q", ErrUnknownType, t.Type)
	}
	took := p.now().Sub(start)

	tr := TaskResult{ID: t.ID, Type: t.Type, DurationMs: took.Milliseconds()}
	logStatus := domain.LogSuccess
	if err != nil {
		tr.Status, tr.Message, logStatus = domain.TaskFailed, err.Error(), domain.LogFailed
		var pe *PanicError
		if errors.As(err, &pe) {
			l.Error().Str("stack", pe.Stack).Msg("handler panicked")
		}
		l.Error().Err(err).Dur("took", took).Msg("task failed")
		if serr := p.store.Fail(rctx, t.ID, tr.Message, took); serr != nil {
			l.Error().Err(serr).Msg("failed to record task failure")
		}
	} else {
		tr.Status, tr.Message = domain.TaskSucceeded, result.Message
		l.Info().Dur("took", took).Str("message", result.Message).Msg("task succeeded")
		if serr := p.store.Succeed(rctx, t.ID, tr.Message, took); serr != nil {
			l.Error().Err(serr).Msg("failed to record task success")
		}
	}
	p.metrics.TaskProcessed(t.Type, string(tr.Status), took)

	meta := map[string]any{"priority": t.Priority, "retryCount": t.RetryCount}
	for k, v := range result.Metadata {
		meta[k] = v
	}
	metaJSON, _ := json.Marshal(meta)
	if _, lerr := p.store.AppendExecutionLog(rctx, domain.ExecutionLog{
		TaskID:     t.ID,
		TaskType:   t.Type,
		Source:     domain.SourceQueue,
		Status:     logStatus,
		Message:    tr.Message,
		ExecutedAt: start,
		DurationMs: tr.DurationMs,
		Metadata:   metaJSON,
	}); lerr != nil {
		l.Error().Err(lerr).Msg("failed to append execution log")
	}
	return tr
}

// run calls the handler under the task timeout. A handler that ignores its
// context is abandoned when the timeout fires.
func (p *Processor) run(ctx context.Context, h Handler, payload json.RawMessage) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r, Stack: string(debug.Stack())}}
			}
		}()
		res, err := h.Handle(ctx, payload)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		// A handler that finished as the deadline fired still counts.
		select {
		case o := <-done:
			return o.res, o.err
		default:
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, fmt.Errorf("task cancelled: %w", ctx.Err())
		}
		return Result{}, fmt.Errorf("task timed out after %s: %w", p.timeout, ctx.Err())
	}
}
