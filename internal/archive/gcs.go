package archive

import (
	"context"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSArchive stores raw pages in a Google Cloud Storage bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
	log    *zap.Logger
}

// NewGCSArchive initializes a GCS client and verifies the bucket is
// reachable. Authentication comes from Application Default Credentials.
func NewGCSArchive(ctx context.Context, bucket, prefix string, log *zap.Logger) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	// Fail fast on a misconfigured bucket rather than on first upload.
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if cerr := client.Close(); cerr != nil {
			log.Warn("failed to close gcs client after bucket check", zap.Error(cerr))
		}
		return nil, fmt.Errorf("gcs bucket %q attributes: %w", bucket, err)
	}

	return &GCSArchive{client: client, bucket: bucket, prefix: prefix, log: log}, nil
}

// Put uploads the page body and returns its gs:// URI.
func (a *GCSArchive) Put(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	object := path.Join(a.prefix, objectPath)
	wc := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := wc.Write(data); err != nil {
		if cerr := wc.Close(); cerr != nil {
			a.log.Warn("failed to close gcs writer after write failure", zap.Error(cerr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", object, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}

// Close releases the underlying client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}
