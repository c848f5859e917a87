// Package imagestore writes temp, equalized, and classified image files to
// plain filesystem paths, verifying every write the way this codebase's
// blob repository always has: truncate, write, sync, re-stat, compare sizes.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mkrupp/imgqueue/internal/infra/logging"
)

// ErrBytesWrittenMismatch is returned when the bytes reported written do not
// match the file's size on disk after Sync.
var ErrBytesWrittenMismatch = errors.New("bytes written mismatch")

// Store writes image payloads under a root directory. Unlike the
// content-addressed blob repository it's descended from, paths here are
// caller-chosen (temp file names, "<stem>_equalized.<ext>", color-directory
// copies) rather than derived from a content hash, and each path has
// exactly one writer, so no per-file locking is needed.
type Store struct {
	log logging.Logger
}

// New creates a Store. WriteFile creates any missing parent directory
// itself; cmd/imagesvc also creates the temp/processed/color directories at
// startup.
func New() *Store {
	return &Store{log: logging.GetLogger("repo.imagestore")}
}

// WriteFile writes data to path and verifies the write: it creates missing
// parent directories and the file, truncates to the final size, writes,
// syncs, then re-stats to confirm the byte count landed on disk before
// returning. The file is written in place, so a failure part-way leaves a
// partial file at path.
func (s *Store) WriteFile(ctx context.Context, path string, data []byte) (err error) {
	defer func() {
		log := s.log.With(logging.Group("imagestore", "path", path, "size", len(data)))
		if err != nil {
			log.ErrorContext(ctx, "write failed", "error", err)
		} else {
			log.DebugContext(ctx, "written")
		}
	}()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir all: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(int64(len(data))); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	written, err := file.Write(data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	if int64(written) != info.Size() || written != len(data) {
		return fmt.Errorf("%w: expected %d, got %d", ErrBytesWrittenMismatch, len(data), written)
	}

	return nil
}

// RemoveFile deletes path, treating a missing file as success (the worker
// may race a reaper that already cleaned it up).
func (s *Store) RemoveFile(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.WarnContext(ctx, "remove failed", logging.Group("imagestore", "path", path, "error", err.Error()))

		return fmt.Errorf("remove: %w", err)
	}

	return nil
}
