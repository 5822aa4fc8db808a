package event

import (
	"context"
	"log/slog"
)

// SlogEmitter writes events to a structured logger. Useful as the
// default sink when no telemetry collaborator is attached.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates an emitter over the given logger.
// A nil logger uses slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit implements Emitter.
func (e *SlogEmitter) Emit(_ context.Context, ev Event) {
	attrs := []any{
		"run_id", ev.RunID,
		"task_id", ev.TaskID,
	}
	if ev.Node != "" {
		attrs = append(attrs, "node", ev.Node)
	}
	if ev.Provider != "" {
		attrs = append(attrs, "provider", ev.Provider)
	}
	for k, v := range ev.Detail {
		attrs = append(attrs, k, v)
	}

	switch ev.Type {
	case TypeNodeFailed, TypeRunFailed:
		e.logger.Warn(string(ev.Type), attrs...)
	case TypeStreamChunk:
		e.logger.Debug(string(ev.Type), attrs...)
	default:
		e.logger.Info(string(ev.Type), attrs...)
	}
}
