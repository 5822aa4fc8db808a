package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix roots the event subject taxonomy. Events publish to
// "<prefix>.<type>" with dots preserved, e.g. "mesh.events.node.started".
const SubjectPrefix = "mesh.events"

// NATSEmitter publishes events as JSON messages on per-type subjects.
// A nil connection degrades gracefully to a no-op, so callers can wire
// it unconditionally.
type NATSEmitter struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NATSOption configures a NATSEmitter.
type NATSOption func(*NATSEmitter)

// WithSubjectPrefix overrides the default subject prefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(e *NATSEmitter) { e.prefix = strings.TrimSuffix(prefix, ".") }
}

// WithLogger sets the logger used for publish failures.
func WithLogger(logger *slog.Logger) NATSOption {
	return func(e *NATSEmitter) { e.logger = logger }
}

// NewNATSEmitter creates an emitter over an existing connection.
func NewNATSEmitter(nc *nats.Conn, opts ...NATSOption) *NATSEmitter {
	e := &NATSEmitter{
		nc:     nc,
		prefix: SubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit publishes the event. Publish failures are logged, never
// propagated: observability must not affect runs.
func (e *NATSEmitter) Emit(_ context.Context, ev Event) {
	if e.nc == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	subject := e.prefix + "." + string(ev.Type)
	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn("Failed to publish event",
			"subject", subject,
			"type", ev.Type,
			"error", err)
	}
}
