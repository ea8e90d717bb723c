package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// Router decodes framed messages and calls the handler registered for their type.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Type]func(context.Context, Message) error
}

// NewRouter returns an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, handlers: make(map[Type]func(context.Context, Message) error)}
}

// Handle registers fn for messages of type T.
//
//	protocol.Handle(r, func(ctx context.Context, hb protocol.Heartbeat) error { ... })
func Handle[T any, PT interface {
	*T
	Message
}](r *Router, fn func(context.Context, T) error) {
	typ := PT(new(T)).MessageType()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = func(ctx context.Context, m Message) error {
		p, ok := m.(PT)
		if !ok {
			return nil
		}
		return fn(ctx, *p)
	}
}

// Dispatch decodes raw and runs its handler. Unknown types and types with no
// handler are logged and ignored, so newer peers can add messages.
func (r *Router) Dispatch(ctx context.Context, raw []byte) error {
	m, err := Decode(raw)
	var unknown *UnknownTypeError
	if errors.As(err, &unknown) {
		telemetry.MessagesTotal.WithLabelValues("unknown").Inc()
		r.logger.Warn("ignoring message of unknown type", slog.String("type", string(unknown.Type)))
		return nil
	}
	if err != nil {
		telemetry.MessagesTotal.WithLabelValues("invalid").Inc()
		return err
	}

	r.mu.RLock()
	h, ok := r.handlers[m.MessageType()]
	r.mu.RUnlock()
	telemetry.MessagesTotal.WithLabelValues(string(m.MessageType())).Inc()
	if !ok {
		r.logger.Debug("no handler for message type", slog.String("type", string(m.MessageType())))
		return nil
	}
	return h(ctx, m)
}
