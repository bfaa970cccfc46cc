// Package exportdata handles `export_data` queue tasks: render a report, write
// it to the artifacts directory and optionally email it.
package exportdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/export"
	"reportflow/internal/handlers"
	"reportflow/internal/mail"
	"reportflow/internal/metrics"
	"reportflow/internal/worker"
)

const TaskType = "export_data"

type Payload struct {
	Report     string               `json:"report" validate:"required"`
	Format     domain.Format        `json:"format" validate:"required,oneof=excel pdf"`
	Title      string               `json:"title,omitempty"`
	Options    domain.ReportOptions `json:"options,omitempty"`
	Recipients []string             `json:"recipients,omitempty" validate:"omitempty,dive,email"`
	SinceHours int                  `json:"sinceHours,omitempty" validate:"gte=0"`
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (export.Artifact, error)
	HasReport(name string) bool
}

// EmailLogStore records delivery attempts.
type EmailLogStore interface {
	CreateEmailLog(ctx context.Context, l domain.EmailLog) (int64, error)
	FinishEmailLog(ctx context.Context, id int64, status domain.LogStatus, errMsg *string) error
}

type Handler struct {
	Exporter  Exporter
	Dir       string
	Mailer    mail.Mailer
	Templates *mail.Templates
	Emails    EmailLogStore
	Metrics   *metrics.Metrics
	now       func() time.Time
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func (h *Handler) ValidatePayload(payload json.RawMessage) error {
	var p Payload
	if err := handlers.Decode(payload, &p); err != nil {
		return err
	}
	if !h.Exporter.HasReport(p.Report) {
		return fmt.Errorf("%w: %q", export.ErrUnknownReport, p.Report)
	}
	return nil
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) (worker.Result, error) {
	var p Payload
	if err := handlers.Decode(payload, &p); err != nil {
		return worker.Result{}, err
	}
	now := h.clock()
	req := export.Request{Report: p.Report, Title: p.Title, Format: p.Format, Options: p.Options}
	if p.SinceHours > 0 {
		req.Since = now.Add(-time.Duration(p.SinceHours) * time.Hour)
	}

	art, err := h.Exporter.Export(ctx, req)
	if err != nil {
		return worker.Result{}, fmt.Errorf("export %s: %w", p.Report, err)
	}

	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return worker.Result{}, fmt.Errorf("create artifacts dir: %w", err)
	}
	path := filepath.Join(h.Dir, art.Filename)
	if err := os.WriteFile(path, art.Data, 0o644); err != nil {
		return worker.Result{}, fmt.Errorf("write artifact: %w", err)
	}

	res := worker.Result{
		Message:  "exported " + art.Filename,
		Metadata: map[string]any{"filename": art.Filename, "path": path, "bytes": len(art.Data)},
	}
	if len(p.Recipients) == 0 {
		return res, nil
	}

	title := p.Title
	if title == "" {
		title = p.Report
	}
	if err := h.email(ctx, title, p, art, now); err != nil {
		return worker.Result{}, err
	}
	res.Message += fmt.Sprintf(" and emailed to %d recipient(s)", len(p.Recipients))
	res.Metadata["recipients"] = p.Recipients
	return res, nil
}

func (h *Handler) email(ctx context.Context, title string, p Payload, art export.Artifact, now time.Time) error {
	subject, body, err := h.Templates.Render(mail.TemplateData{
		TaskName:  title,
		Frequency: "one-off",
		Format:    string(p.Format),
		Filename:  art.Filename,
		Now:       now,
	})
	if err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]any{"filename": art.Filename, "report": p.Report})
	id, err := h.Emails.CreateEmailLog(ctx, domain.EmailLog{
		TaskName:   title,
		Recipients: p.Recipients,
		Subject:    subject,
		SentAt:     now,
		Metadata:   meta,
	})
	if err != nil {
		return fmt.Errorf("create email log: %w", err)
	}

	sendErr := h.Mailer.Send(ctx, mail.Message{
		To:          p.Recipients,
		Subject:     subject,
		Body:        body,
		Attachments: []mail.Attachment{{Filename: art.Filename, ContentType: art.ContentType, Data: art.Data}},
	})
	status := domain.LogSuccess
	var errMsg *string
	if sendErr != nil {
		status = domain.LogFailed
		msg := sendErr.Error()
		errMsg = &msg
	}
	h.Metrics.EmailSent(string(status))
	// The task outcome follows the send, not the bookkeeping.
	if err := h.Emails.FinishEmailLog(context.WithoutCancel(ctx), id, status, errMsg); err != nil {
		log.Error().Err(err).Str("component", "exportdata").Int64("email_log_id", id).Msg("finish email log")
	}
	if sendErr != nil {
		return fmt.Errorf("send email: %w", sendErr)
	}
	return nil
}
