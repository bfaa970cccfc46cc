// Package report handles `send_report` queue tasks, which run a scheduled
// report definition immediately.
package report

import (
	"context"
	"encoding/json"
	"fmt"

	"reportflow/internal/handlers"
	"reportflow/internal/scheduler"
	"reportflow/internal/worker"
)

const TaskType = "send_report"

type Payload struct {
	ScheduledTaskID string `json:"scheduledTaskId" validate:"required"`
}

type Runner interface {
	ExecuteTask(ctx context.Context, id string) (scheduler.Outcome, error)
}

type Handler struct {
	Runner Runner
}

func (h Handler) ValidatePayload(payload json.RawMessage) error {
	var p Payload
	return handlers.Decode(payload, &p)
}

func (h Handler) Handle(ctx context.Context, payload json.RawMessage) (worker.Result, error) {
	var p Payload
	if err := handlers.Decode(payload, &p); err != nil {
		return worker.Result{}, err
	}
	out, err := h.Runner.ExecuteTask(ctx, p.ScheduledTaskID)
	if err != nil {
		return worker.Result{}, fmt.Errorf("run scheduled task %s: %w", p.ScheduledTaskID, err)
	}
	return worker.Result{
		Message: fmt.Sprintf("report %s sent", out.Filename),
		Metadata: map[string]any{
			"scheduledTaskId": out.TaskID,
			"filename":        out.Filename,
			"emailLogId":      out.EmailLogID,
		},
	}, nil
}
