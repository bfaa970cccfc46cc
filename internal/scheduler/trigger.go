package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"reportflow/internal/lock"
	"reportflow/internal/metrics"
)

// Job is one trigger run.
type Job func(ctx context.Context) error

// Triggers fires jobs on cron specs in-process, for deployments without an
// external cron calling the HTTP trigger endpoints. Each fire takes the
// job's named lock first, so a fire that overlaps a running one (or an HTTP
// trigger) is skipped.
type Triggers struct {
	cron    *cron.Cron
	locker  lock.Locker
	lockTTL time.Duration
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewTriggers(locker lock.Locker, lockTTL time.Duration, m *metrics.Metrics, loc *time.Location) *Triggers {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Triggers{
		cron:    cron.New(cron.WithLocation(loc)),
		locker:  locker,
		lockTTL: lockTTL,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule registers job under name to run on the standard five-field spec.
func (t *Triggers) Schedule(name, spec string, job Job) error {
	if _, err := t.cron.AddFunc(spec, func() { t.fire(name, job) }); err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	log.Info().Str("trigger", name).Str("spec", spec).Msg("trigger scheduled")
	return nil
}

func (t *Triggers) fire(name string, job Job) {
	l := log.With().Str("trigger", name).Logger()
	ctx, cancel := context.WithTimeout(t.ctx, t.lockTTL)
	defer cancel()

	release, ok, err := t.locker.TryLock(ctx, name, t.lockTTL)
	if err != nil {
		t.metrics.Trigger(name, "error")
		l.Error().Err(err).Msg("acquire run lock")
		return
	}
	if !ok {
		t.metrics.Trigger(name, "busy")
		l.Info().Msg("run already in progress, skipping")
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			l.Warn().Err(err).Msg("release run lock")
		}
	}()

	start := time.Now()
	if err := job(ctx); err != nil {
		t.metrics.Trigger(name, "error")
		l.Error().Err(err).Dur("took", time.Since(start)).Msg("trigger run failed")
		return
	}
	t.metrics.Trigger(name, "ok")
	l.Debug().Dur("took", time.Since(start)).Msg("trigger run finished")
}

func (t *Triggers) Start() {
	t.cron.Start()
	log.Info().Int("entries", len(t.cron.Entries())).Msg("in-process triggers started")
}

// Stop stops firing new runs, cancels running ones and waits for them to
// return or for ctx to end.
func (t *Triggers) Stop(ctx context.Context) {
	done := t.cron.Stop()
	t.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// ValidateCronExpression validates a standard five-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
