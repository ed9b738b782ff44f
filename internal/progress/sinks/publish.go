package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/progress"
	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// PublishSink forwards terminal scan events to the downstream
// publisher so other systems learn when scans finish.
type PublishSink struct {
	publisher scanner.Publisher
	log       *zap.Logger
}

// NewPublishSink builds a PublishSink.
func NewPublishSink(publisher scanner.Publisher, log *zap.Logger) *PublishSink {
	return &PublishSink{publisher: publisher, log: log}
}

type scanNotice struct {
	ScanID int64  `json:"scan_id"`
	Scan   string `json:"scan"`
	Kind   string `json:"kind"`
	Stage  string `json:"stage"`
	Items  int64  `json:"items"`
	TS     string `json:"ts"`
	Note   string `json:"note,omitempty"`
}

// Consume publishes every terminal event in the batch. Publish errors
// are logged and swallowed; notifications never fail a scan.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		topic := "scan.completed"
		if evt.Stage == progress.StageScanStopped {
			topic = "scan.stopped"
		}
		notice := scanNotice{
			ScanID: evt.ScanID,
			Scan:   evt.Scan,
			Kind:   evt.Kind,
			Stage:  string(evt.Stage),
			Items:  evt.Items,
			TS:     evt.TS.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Note:   evt.Note,
		}
		if _, err := s.publisher.Publish(ctx, topic, notice); err != nil {
			s.log.Warn("failed to publish scan notice",
				zap.String("scan", evt.Scan),
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close is a no-op; the publisher's lifecycle belongs to its owner.
func (s *PublishSink) Close(context.Context) error { return nil }
