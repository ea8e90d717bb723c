package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/retry"
)

var validate = validator.New()

// maxResponseBody caps how much of a response is kept as step output.
const maxResponseBody = 64 << 10

type httpConfig struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type httpOutput struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// HTTPExecutor makes an outbound HTTP call. Every request carries an
// Idempotency-Key header of job id and step id, so a step redone after a crash
// or retried within the step can be deduplicated by the receiver.
type HTTPExecutor struct {
	client   *http.Client
	attempts int
	backoff  retry.Backoff
}

// HTTPOption configures an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithHTTPRetry sets how many times a transient failure (network error, 408,
// 429, 5xx) is attempted inside one step execution, and the first backoff delay.
func WithHTTPRetry(attempts int, initialDelay time.Duration) HTTPOption {
	return func(e *HTTPExecutor) {
		e.attempts = attempts
		e.backoff.InitialDelay = initialDelay
	}
}

// NewHTTPExecutor creates an HTTPExecutor. A zero timeout uses 15s. Transient
// failures are tried 3 times by default.
func NewHTTPExecutor(timeout time.Duration, opts ...HTTPOption) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	e := &HTTPExecutor{
		client:   &http.Client{Timeout: timeout},
		attempts: 3,
		backoff:  retry.Backoff{InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, Jitter: true},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *HTTPExecutor) StepType() string { return "http" }

func (e *HTTPExecutor) Execute(ctx context.Context, step Step, sc StepContext) StepResult {
	ctx, span := otel.Tracer("worker").Start(ctx, "step.http")
	defer span.End()

	fail := func(err error, msg string) StepResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return Failed(err)
	}

	var cfg httpConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return fail(domain.Permanent(fmt.Errorf("invalid http step config: %w", err)), "invalid config")
	}
	if err := validate.Struct(cfg); err != nil {
		return fail(domain.Permanent(fmt.Errorf("invalid http step config: %w", err)), "invalid config")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("http.url", cfg.URL),
		attribute.String("http.method", cfg.Method),
		attribute.String("job.id", sc.JobID),
		attribute.String("step.id", step.ID),
	)

	var out httpOutput
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: e.attempts,
		Backoff:     e.backoff,
		Retryable:   domain.IsTransient,
		OnRetry: func(attempt int, err error) {
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("error", err.Error()),
			))
		},
	}, func() error {
		var err error
		out, err = e.call(ctx, cfg, sc.IdempotencyKey(step.ID))
		return err
	})
	if err != nil {
		return fail(err, "http call failed")
	}
	span.SetAttributes(attribute.Int("http.status_code", out.StatusCode))
	return Succeeded(out)
}

// call performs one request. Rejections by the receiver (4xx other than 408
// and 429) are permanent.
func (e *HTTPExecutor) call(ctx context.Context, cfg httpConfig, idempotencyKey string) (httpOutput, error) {
	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return httpOutput{}, domain.Permanent(fmt.Errorf("build http request: %w", err))
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return httpOutput{}, fmt.Errorf("http call to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return httpOutput{}, fmt.Errorf("http %s returned status %d", cfg.URL, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return httpOutput{}, domain.Permanent(fmt.Errorf("http %s returned status %d", cfg.URL, resp.StatusCode))
	}
	return httpOutput{StatusCode: resp.StatusCode, Body: string(respBody)}, nil
}
