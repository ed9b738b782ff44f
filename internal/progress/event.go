// Package progress defines the event stream emitted while scans run.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageScanStart   Stage = "SCAN_START"
	StageBatchDone   Stage = "BATCH_DONE"
	StageBatchError  Stage = "BATCH_ERROR"
	StageItemSkipped Stage = "ITEM_SKIPPED"
	StageScanDone    Stage = "SCAN_DONE"
	StageScanStopped Stage = "SCAN_STOPPED"
)

// Event captures a single milestone of a running scan.
type Event struct {
	// ScanID is the persistent id of the scan emitting the event.
	ScanID int64
	// Scan is the scan's human-facing name.
	Scan string
	// Kind is the scan kind label (pagination, listing, detail).
	Kind string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// BatchKey scopes batch-level events to one batch.
	BatchKey string
	// Bot names the bot that processed the batch, when applicable.
	Bot string
	// Items carries the number of items affected by the milestone.
	Items int64
	// Dur captures execution latency for batch and scan completions.
	Dur time.Duration
	// Note attaches low-volume debug context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Scan == "" {
		return errors.New("scan name is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanStart, StageScanDone, StageScanStopped:
	case StageBatchDone, StageBatchError:
		if e.BatchKey == "" {
			return fmt.Errorf("%s requires a batch key", e.Stage)
		}
	case StageItemSkipped:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a scan's lifecycle.
func (e Event) Terminal() bool {
	return e.Stage == StageScanDone || e.Stage == StageScanStopped
}
