package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type emailConfig struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailExecutor sends an email via SMTP.
type EmailExecutor struct {
	cfg      EmailConfig
	sendMail SendMailFunc
}

// NewEmailExecutor creates an EmailExecutor. A nil send uses smtp.SendMail.
func NewEmailExecutor(cfg EmailConfig, send SendMailFunc) *EmailExecutor {
	if send == nil {
		send = smtp.SendMail
	}
	return &EmailExecutor{cfg: cfg, sendMail: send}
}

func (e *EmailExecutor) StepType() string { return "email" }

func (e *EmailExecutor) Execute(ctx context.Context, step Step, sc StepContext) StepResult {
	ctx, span := otel.Tracer("worker").Start(ctx, "step.email")
	defer span.End()

	var p emailConfig
	if err := json.Unmarshal(step.Config, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid config")
		return Failed(domain.Permanent(fmt.Errorf("invalid email step config: %w", err)))
	}
	if err := validate.Struct(p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid config")
		return Failed(domain.Permanent(fmt.Errorf("invalid email step config: %w", err)))
	}

	span.SetAttributes(attribute.String("email.to", p.To), attribute.String("job.id", sc.JobID))

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	msg := buildMIME(e.cfg.From, p.To, p.Subject, p.Body, sc.IdempotencyKey(step.ID))

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	// Run the blocking SMTP call in a goroutine so we respect ctx cancellation.
	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, auth, e.cfg.From, []string{p.To}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return Failed(fmt.Errorf("smtp send to %s: %w", p.To, err))
		}
		return Succeeded(map[string]string{"to": p.To})
	case <-ctx.Done():
		err := fmt.Errorf("email send timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return Failed(err)
	}
}

// buildMIME sets Message-ID from the step key so mail servers can drop a resend.
func buildMIME(from, to, subject, body, key string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%s@orchestrator>\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, key, body,
	)
	return []byte(msg)
}
