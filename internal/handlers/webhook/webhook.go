// Package webhook delivers `webhook` queue tasks as HTTP requests.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reportflow/internal/handlers"
	"reportflow/internal/worker"
)

const TaskType = "webhook"

type Payload struct {
	URL            string            `json:"url" validate:"required,url"`
	Method         string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" validate:"omitempty,min=1,max=300"`
}

// Handler sends the request, retrying connection errors and 5xx responses.
type Handler struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func New(retryMax int) *Handler {
	return &Handler{RetryMax: retryMax, RetryWaitMin: time.Second, RetryWaitMax: 30 * time.Second}
}

func (h *Handler) ValidatePayload(payload json.RawMessage) error {
	var p Payload
	return handlers.Decode(payload, &p)
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) (worker.Result, error) {
	var p Payload
	if err := handlers.Decode(payload, &p); err != nil {
		return worker.Result{}, err
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 30
	}

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return worker.Result{}, fmt.Errorf("build request: %w", err)
	}
	if len(p.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "reportflow-webhook")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	attempts := 0
	client := h.client(time.Duration(p.TimeoutSeconds) * time.Second)
	client.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, n int) { attempts = n + 1 }

	resp, err := client.Do(req)
	if err != nil {
		return worker.Result{}, fmt.Errorf("%s %s: %w", p.Method, p.URL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return worker.Result{}, fmt.Errorf("%s %s: HTTP %d: %s", p.Method, p.URL, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return worker.Result{
		Message: fmt.Sprintf("%s %s -> %d", p.Method, p.URL, resp.StatusCode),
		Metadata: map[string]any{
			"statusCode": resp.StatusCode,
			"attempts":   attempts,
		},
	}, nil
}

func (h *Handler) client(timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = h.RetryMax
	if h.RetryWaitMin > 0 {
		c.RetryWaitMin = h.RetryWaitMin
	}
	if h.RetryWaitMax > 0 {
		c.RetryWaitMax = h.RetryWaitMax
	}
	c.HTTPClient.Timeout = timeout
	c.Logger = leveled{log.With().Str("component", "webhook").Logger()}
	return c
}

// leveled adapts zerolog to retryablehttp's leveled logger.
type leveled struct{ l zerolog.Logger }

func (z leveled) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveled) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveled) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveled) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
