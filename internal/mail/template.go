package mail

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

const (
	DefaultSubject = `{{ .TaskName }} report - {{ .Now | date "2006-01-02" }}`
	DefaultBody    = `Hello,

Attached is the {{ .Frequency }} "{{ .TaskName }}" report ({{ .Format | upper }}), generated {{ .Now | date "2006-01-02 15:04" }}.
{{- if .Filename }}

File: {{ .Filename }}
{{- end }}

This message was sent automatically.
`
)

// TemplateData is the context subject and body templates are rendered with.
type TemplateData struct {
	TaskName  string
	Frequency string
	Format    string
	Filename  string
	Now       time.Time
}

// Templates renders email subjects and bodies.
type Templates struct {
	subject *template.Template
	body    *template.Template
}

// NewTemplates parses the subject and body templates; empty strings select
// the defaults.
func NewTemplates(subject, body string) (*Templates, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if body == "" {
		body = DefaultBody
	}
	st, err := template.New("subject").Funcs(sprig.TxtFuncMap()).Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	bt, err := template.New("body").Funcs(sprig.TxtFuncMap()).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Templates{subject: st, body: bt}, nil
}

func (t *Templates) Render(d TemplateData) (subject, body string, err error) {
	var sb, bb bytes.Buffer
	if err := t.subject.Execute(&sb, d); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	if err := t.body.Execute(&bb, d); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return sb.String(), bb.String(), nil
}
