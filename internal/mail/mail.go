package mail

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
)

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailer delivers a message or returns why it could not.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	RatePerSec float64
}

// SMTPMailer sends through an SMTP relay, throttled to a fixed message rate.
type SMTPMailer struct {
	from    string
	dialer  *gomail.Dialer
	limiter *rate.Limiter
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &SMTPMailer{
		from:    cfg.From,
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (s *SMTPMailer) Send(ctx context.Context, m Message) error {
	if len(m.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", m.Body)
	for _, a := range m.Attachments {
		a := a
		msg.Attach(a.Filename,
			gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(a.Data)
				return err
			}),
		)
	}

	// gomail has no context support; the send keeps running in the
	// background if ctx ends first.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

// LogMailer only logs messages. It is used when no SMTP host is configured.
type LogMailer struct {
	Log zerolog.Logger
}

func (l LogMailer) Send(ctx context.Context, m Message) error {
	if len(m.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	names := make([]string, len(m.Attachments))
	size := 0
	for i, a := range m.Attachments {
		names[i] = a.Filename
		size += len(a.Data)
	}
	l.Log.Info().
		Strs("to", m.To).
		Str("subject", m.Subject).
		Strs("attachments", names).
		Int("bytes", size).
		Time("at", time.Now()).
		Msg("email not sent: smtp disabled")
	return nil
}
