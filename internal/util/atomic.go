// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared across the service. At present
// that is crash-safe file persistence, used by the document retriever to
// store its chunk index.
package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// RELIABILITY: Write-to-temp, fsync, then rename. A reader of the target
// path sees either the previous file or the new one in full, never a
// partial write, even if the process dies mid-save.
//
// AtomicWriteFile replaces the file at path with data. The parent
// directory is created if missing. The temp file is placed in the same
// directory as the target so the final rename stays on one filesystem.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	fail := func(err error) error {
		f.Close()
		os.Remove(tempPath)
		return err
	}

	if _, err := f.Write(data); err != nil {
		return fail(fmt.Errorf("failed to write data: %w", err))
	}

	// Data must be on disk before the rename makes it visible.
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync data: %w", err))
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tempPath, perm); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tempPath, absPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace target file: %w", err)
	}

	return nil
}
