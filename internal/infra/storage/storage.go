// Package storage holds local-filesystem primitives shared by any component
// that must never leave a torn file behind: EnsureDir and AtomicWriteFile.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"eventbridge/internal/infra/logger"
)

// defaultFilePerm is the mode set on the final file after an atomic write,
// restricting it to the owning process's user.
const defaultFilePerm = 0600

// EnsureDir makes sure path's parent directory exists, creating it (mode
// 0o700) if needed. A bare filename with no directory component is a no-op.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile writes data to path such that a reader never observes a
// partial file: write to a temp file in the same directory, fsync it, chmod
// it, close it, rename over the target, then best-effort fsync the
// directory so the rename itself survives a crash. os.Rename is atomic only
// within a single filesystem volume, which is why the temp file is created
// alongside the target rather than in a shared system temp dir.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	var tmp *os.File
	if tmpFile, err := os.CreateTemp(dir, "atomic-*.tmp"); err != nil {
		return fmt.Errorf("create temp file: %w", err)
	} else {
		tmp = tmpFile
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}
