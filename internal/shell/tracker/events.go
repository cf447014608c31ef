package tracker

import (
	"context"
	"log/slog"

	"github.com/artpar/dualdeploy/internal/core/tracking"
)

// EventSink receives tracker events. Emit must not block for long; it is
// called on the tracking goroutine.
type EventSink interface {
	Emit(event tracking.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event tracking.Event)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(event tracking.Event) {
	f(event)
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink over logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "tracker")}
}

// Emit implements EventSink.
func (s *LogSink) Emit(event tracking.Event) {
	level := slog.LevelInfo
	switch event.Type {
	case tracking.EventExecProgress, tracking.EventAnchorProgress:
		level = slog.LevelDebug
	case tracking.EventResubmitted:
		level = slog.LevelWarn
	case tracking.EventFailed, tracking.EventTimedOut:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("batch_id", event.BatchID),
		slog.String("stage", string(event.Stage)),
		slog.Any("units", event.Units),
		slog.Uint64("exec_depth", event.ExecDepth),
		slog.Uint64("anchor_depth", event.AnchorDepth),
		slog.Int("attempt", event.Attempt),
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("error", event.Err.Error()))
	}
	s.logger.LogAttrs(context.Background(), level, string(event.Type), attrs...)
}

// fanout emits to several sinks in order.
type fanout []EventSink

func (f fanout) Emit(event tracking.Event) {
	for _, s := range f {
		s.Emit(event)
	}
}

// Sinks combines several sinks into one. Nil sinks are skipped.
func Sinks(sinks ...EventSink) EventSink {
	var out fanout
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
