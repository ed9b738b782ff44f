// Package archive stores raw harvested pages so scans can be replayed
// or audited. This abstraction keeps the engine independent of a
// specific blob store (Google Cloud Storage or the local filesystem).
package archive

import (
	"context"
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/config"
	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// ObjectPath derives a content-addressed object path for one raw page.
// Identical bodies map to identical paths, so re-harvests do not grow
// the archive.
func ObjectPath(scanName string, data []byte) string {
	return fmt.Sprintf("%s/%x.html", scanName, sha256.Sum256(data))
}

// NoOpArchive discards everything. It backs dry runs and tests.
type NoOpArchive struct{}

// Put for NoOpArchive does nothing and returns an empty URI.
func (NoOpArchive) Put(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}

// New builds the archive provider selected in the configuration.
func New(ctx context.Context, cfg config.ArchiveConfig, log *zap.Logger) (scanner.Archive, error) {
	switch cfg.Provider {
	case "local":
		return NewLocalArchive(cfg.LocalPath, cfg.Prefix)
	case "gcs":
		return NewGCSArchive(ctx, cfg.GCSBucket, cfg.Prefix, log)
	case "noop", "":
		return NoOpArchive{}, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}
