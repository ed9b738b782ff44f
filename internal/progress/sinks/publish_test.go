package sinks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/progress"
	"github.com/calyptra/tornet-scanner/internal/publisher"
)

func TestPublishSinkForwardsTerminalEventsOnly(t *testing.T) {
	t.Parallel()

	pub := publisher.NewMemoryPublisher()
	sink := NewPublishSink(pub, zap.NewNop())

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	batch := []progress.Event{
		{ScanID: 7, Scan: "market-aug", Kind: "listing", TS: ts, Stage: progress.StageScanStart},
		{ScanID: 7, Scan: "market-aug", Kind: "listing", TS: ts, Stage: progress.StageBatchDone, BatchKey: "1", Items: 12},
		{ScanID: 7, Scan: "market-aug", Kind: "listing", TS: ts, Stage: progress.StageScanDone, Items: 40},
		{ScanID: 8, Scan: "posts-aug", Kind: "detail", TS: ts, Stage: progress.StageScanStopped, Note: "batch batch_002 failed"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "scan.completed", msgs[0].Topic)
	require.Equal(t, "scan.stopped", msgs[1].Topic)

	var notice struct {
		ScanID int64  `json:"scan_id"`
		Stage  string `json:"stage"`
		Items  int64  `json:"items"`
		TS     string `json:"ts"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &notice))
	require.Equal(t, int64(7), notice.ScanID)
	require.Equal(t, "SCAN_DONE", notice.Stage)
	require.Equal(t, int64(40), notice.Items)
	require.Equal(t, "2026-08-30T12:00:00Z", notice.TS)
}
