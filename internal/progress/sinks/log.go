// Package sinks provides progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/progress"
)

// LogSink writes progress events to the structured log.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Consume logs each event at info level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.log.Info("scan progress",
			zap.String("scan", evt.Scan),
			zap.String("kind", evt.Kind),
			zap.String("stage", string(evt.Stage)),
			zap.String("batch", evt.BatchKey),
			zap.String("bot", evt.Bot),
			zap.Int64("items", evt.Items),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error { return nil }
