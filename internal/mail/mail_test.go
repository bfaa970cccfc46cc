package mail

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplates(t *testing.T) {
	tpl, err := NewTemplates("", "")
	require.NoError(t, err)

	subject, body, err := tpl.Render(TemplateData{
		TaskName:  "Attendance",
		Frequency: "weekly",
		Format:    "pdf",
		Filename:  "attendance_20240306_0900.pdf",
		Now:       time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "Attendance report - 2024-03-06", subject)
	assert.Contains(t, body, `weekly "Attendance" report (PDF)`)
	assert.Contains(t, body, "File: attendance_20240306_0900.pdf")
}

func TestCustomTemplates(t *testing.T) {
	tpl, err := NewTemplates(`[{{ .TaskName | upper }}]`, `{{ .Format }}`)
	require.NoError(t, err)
	subject, body, err := tpl.Render(TemplateData{TaskName: "payroll", Format: "excel"})
	require.NoError(t, err)
	assert.Equal(t, "[PAYROLL]", subject)
	assert.Equal(t, "excel", body)

	_, err = NewTemplates("{{ .Broken", "")
	require.Error(t, err)
}

func TestLogMailer(t *testing.T) {
	var buf bytes.Buffer
	m := LogMailer{Log: zerolog.New(&buf)}

	require.Error(t, m.Send(context.Background(), Message{Subject: "x"}))

	err := m.Send(context.Background(), Message{
		To:          []string{"hr@example.com"},
		Subject:     "Report",
		Attachments: []Attachment{{Filename: "r.pdf", Data: []byte("1234")}},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"subject":"Report"`)
	assert.Contains(t, buf.String(), `"bytes":4`)
}

func TestSMTPMailerRejectsEmptyRecipients(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "localhost", Port: 2525, From: "noreply@example.com"})
	require.Error(t, m.Send(context.Background(), Message{Subject: "x"}))
}

func TestSMTPMailerHonoursContext(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "localhost", Port: 2525, From: "noreply@example.com", RatePerSec: 1})
	// Drain the single token so the next send has to wait on the limiter.
	require.True(t, m.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Send(ctx, Message{To: []string{"a@example.com"}})
	require.Error(t, err)
}
