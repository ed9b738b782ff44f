package sinks

import (
	"context"

	"github.com/calyptra/tornet-scanner/internal/progress"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
)

// MetricsSink counts progress events per stage in Prometheus.
type MetricsSink struct{}

// NewMetricsSink builds a MetricsSink. telemetry.Init must have run.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume bumps the per-stage event counter.
func (s *MetricsSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		telemetry.ObserveProgressEvent(string(evt.Stage))
	}
	return nil
}

// Close is a no-op.
func (s *MetricsSink) Close(context.Context) error { return nil }
