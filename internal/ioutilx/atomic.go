// Package ioutilx holds the durable-write helper shared by every component
// that persists small component state to disk (the index's checkpoint
// record, the index-page-map snapshot). Grounded on
// storage_engine/checkpoint_manager.SaveCheckpoint's temp-file + fsync +
// atomic-rename + directory-fsync sequence.
package ioutilx

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic durably replaces path with data. It writes to a sibling
// temp file, fsyncs it, renames it into place, then fsyncs the containing
// directory so the rename itself survives a crash.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, perm); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	tempFile, err := os.OpenFile(tempPath, os.O_RDWR, perm)
	if err != nil {
		return fmt.Errorf("reopen temp file %s: %w", tempPath, err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync temp file %s: %w", tempPath, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	dir, err := os.Open(filepath.Dir(path))
	if err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}
