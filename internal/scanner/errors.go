package scanner

import (
	"errors"
	"fmt"
)

// Sentinel errors for scan-start guards and activation outcomes.
var (
	// ErrScanNotFound is returned when a scan id or name resolves to nothing.
	ErrScanNotFound = errors.New("scan not found")

	// ErrScanRunning rejects starting a scan that is already running.
	ErrScanRunning = errors.New("scan is already running")

	// ErrScanCompleted rejects restarting a completed scan in place.
	ErrScanCompleted = errors.New("completed scan cannot be restarted")

	// ErrSourceNotReady means the referenced source scan does not exist
	// or has not completed.
	ErrSourceNotReady = errors.New("source scan not found or not completed")

	// ErrNoEligibleBots means no bot with a matching purpose holds a session.
	ErrNoEligibleBots = errors.New("no eligible bots available")

	// ErrNoBatches means the source pagination scan holds an empty partition.
	ErrNoBatches = errors.New("no batches available")

	// ErrNoWork means the source listing scan produced zero posts.
	ErrNoWork = errors.New("no posts found for source scan")

	// ErrInvalidCredentials is the terminal activation outcome; the
	// activator never retries it.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrDuplicate marks a natural-key collision. Callers treat it as a
	// silent skip, never a failure.
	ErrDuplicate = errors.New("duplicate item")
)

// ProvisioningError wraps a circuit provisioning failure. The partially
// created circuit has already been force-removed when this surfaces.
type ProvisioningError struct {
	Circuit string
	Stage   string
	Err     error
}

func (e *ProvisioningError) Error() string {
	if e.Circuit == "" {
		return fmt.Sprintf("provision %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("provision %s (circuit %s): %v", e.Stage, e.Circuit, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// BatchError records one batch's unrecoverable failure. Sibling
// batches are unaffected; the scan finalizes as stopped.
type BatchError struct {
	BatchKey string
	Bot      string
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s (bot %s): %v", e.BatchKey, e.Bot, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// SkipError marks an item-level enrichment or integrity failure that
// skips only that item.
type SkipError struct {
	Link   string
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skip %s: %s: %v", e.Link, e.Reason, e.Err)
	}
	return fmt.Sprintf("skip %s: %s", e.Link, e.Reason)
}

func (e *SkipError) Unwrap() error { return e.Err }
