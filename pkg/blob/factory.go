package blob

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names a blob storage implementation.
type Backend string

const (
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// Config selects and configures a blob storage backend.
type Config struct {
	Backend   Backend
	Dir       string // Base directory for the file backend
	S3        S3Config
	GCSBucket string
	GCSPrefix string
}

// New builds the configured Store. An empty backend selects the
// filesystem store.
func New(ctx context.Context, cfg Config) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendFile
	}

	switch backend {
	case BackendFile:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "evidence")
		}
		return NewFileStore(dir)
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return newGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("blob: unsupported storage backend %q", backend)
	}
}
