// Package stats persists upload outcomes durably so /status survives a
// process restart, backed by an embedded SQLite driver with a single
// writer-side mutex.
package stats

import (
	"context"

	"github.com/mkrupp/imgqueue/internal/domain"
)

// Repository records terminal upload outcomes and serves the aggregate view.
type Repository interface {
	// RecordUpload appends one Upload Record. Called by the worker on every
	// terminal outcome and by the connection handler on pre-enqueue rejections.
	RecordUpload(ctx context.Context, record domain.UploadRecord) error

	// Stats returns the current aggregate view: total uploads, total bytes,
	// average processing time, and counts per predominant color.
	Stats(ctx context.Context) (domain.UploadStats, error)

	// Close releases the underlying database connection.
	Close() error
}

// RepositoryFactory constructs a Repository, matching the factory-function
// pattern this codebase uses for every pluggable storage backend.
type RepositoryFactory func() (Repository, error)
