package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalArchive writes raw pages under a directory on the local disk.
type LocalArchive struct {
	root   string
	prefix string
}

// NewLocalArchive creates the root directory if needed.
func NewLocalArchive(root, prefix string) (*LocalArchive, error) {
	if root == "" {
		return nil, fmt.Errorf("local archive path is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root %s: %w", root, err)
	}
	return &LocalArchive{root: root, prefix: prefix}, nil
}

// Put writes the page body to disk and returns a file:// URI. The
// content type is ignored; the extension in the path carries it.
func (a *LocalArchive) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	full := filepath.Join(a.root, a.prefix, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive object %s: %w", path, err)
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolve archive path %s: %w", full, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
