package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/scheduler"
)

type runnerFunc func(ctx context.Context, id string) (scheduler.Outcome, error)

func (f runnerFunc) ExecuteTask(ctx context.Context, id string) (scheduler.Outcome, error) {
	return f(ctx, id)
}

func TestHandleRunsScheduledTask(t *testing.T) {
	var got string
	h := Handler{Runner: runnerFunc(func(_ context.Context, id string) (scheduler.Outcome, error) {
		got = id
		return scheduler.Outcome{TaskID: id, Success: true, Filename: "payroll_20240306_0900.pdf", EmailLogID: 3}, nil
	})}

	res, err := h.Handle(context.Background(), json.RawMessage(`{"scheduledTaskId":"sch_1"}`))
	require.NoError(t, err)
	assert.Equal(t, "sch_1", got)
	assert.Equal(t, "report payroll_20240306_0900.pdf sent", res.Message)
	assert.Equal(t, int64(3), res.Metadata["emailLogId"])
}

func TestHandlePropagatesFailure(t *testing.T) {
	h := Handler{Runner: runnerFunc(func(context.Context, string) (scheduler.Outcome, error) {
		return scheduler.Outcome{}, errors.New("send email: dial tcp: connection refused")
	})}
	_, err := h.Handle(context.Background(), json.RawMessage(`{"scheduledTaskId":"sch_1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sch_1")
}

func TestValidatePayload(t *testing.T) {
	h := Handler{}
	assert.NoError(t, h.ValidatePayload(json.RawMessage(`{"scheduledTaskId":"sch_1"}`)))
	assert.Error(t, h.ValidatePayload(json.RawMessage(`{}`)))
	assert.Error(t, h.ValidatePayload(json.RawMessage(`{"id":"sch_1"}`)))
}
