package scanner

import (
	"context"
	"time"
)

// Registry is the external record-management collaborator. The engine
// only reads from it; bot/API/scan CRUD lives elsewhere.
type Registry interface {
	EligibleBots(ctx context.Context, purpose BotPurpose) ([]BotIdentity, error)
	ActiveAPI(ctx context.Context, kind string) (APICredentials, error)
	ScanByName(ctx context.Context, kind ScanKind, name string) (Scan, error)
}

// ScanStore persists scan lifecycle state and scan-scoped reads.
type ScanStore interface {
	GetScan(ctx context.Context, kind ScanKind, id int64) (Scan, error)
	UpdateScanStatus(ctx context.Context, kind ScanKind, id int64, status ScanStatus, startedAt, completedAt *time.Time) error
	SavePartition(ctx context.Context, scanID int64, partition Partition) error
	PartitionByScanName(ctx context.Context, name string) (Partition, error)
	ListedPosts(ctx context.Context, scanID int64) ([]ListedPost, error)
	PostDetails(ctx context.Context, scanID int64) ([]PostDetail, error)
}

// ItemStore opens isolated per-batch transactions for item inserts.
type ItemStore interface {
	Begin(ctx context.Context) (ItemTx, error)
}

// ItemTx is one batch's storage transaction. Insert methods return
// false when the natural key already exists (silent duplicate skip).
type ItemTx interface {
	InsertListedPost(ctx context.Context, post ListedPost) (bool, error)
	InsertPostDetail(ctx context.Context, detail PostDetail) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SnapshotStore persists watchlist profile snapshots.
type SnapshotStore interface {
	SaveProfileSnapshot(ctx context.Context, snap ProfileSnapshot) error
}

// ChallengeSolver turns a challenge image into free text.
type ChallengeSolver interface {
	Solve(ctx context.Context, image []byte, prompt string) (string, error)
}

// Translator translates text into the canonical language.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (Translation, error)
}

// Classifier evaluates a prompt against the policy taxonomy.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (Classification, error)
}

// LanguageDetector returns an ISO 639-1 code for the text, or
// "unknown" when detection is impossible.
type LanguageDetector interface {
	Detect(text string) string
}

// Archive stores raw page bodies and returns a URI.
type Archive interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes scan lifecycle notifications downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces circuit and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
