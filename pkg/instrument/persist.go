package instrument

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// BackupSuffix is appended to an instrumented file's path for its backup.
const BackupSuffix = ".trainctl.bak"

// BackupPath returns the colocated backup path for path.
func BackupPath(path string) string { return path + BackupSuffix }

// HasBackup reports whether path has an unrestored, undiscarded backup.
func HasBackup(path string) bool {
	_, err := os.Stat(BackupPath(path))
	return err == nil
}

// WriteFile persists a patch: the original bytes go to the backup first, then
// the patched text replaces path through a temp file and rename. If the
// second write fails the backup is removed and path is untouched.
func WriteFile(path string, p *Patch) error {
	if !p.Changed() {
		return nil
	}
	if HasBackup(path) {
		return fmt.Errorf("%w: %s", ErrBackupExists, BackupPath(path))
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	if err := writeAtomic(BackupPath(path), p.Original, mode); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := writeAtomic(path, p.Patched, mode); err != nil {
		_ = os.Remove(BackupPath(path))
		return fmt.Errorf("write instrumented source: %w", err)
	}
	return nil
}

// Restore puts the backup back in place and removes it.
func Restore(path string) error {
	b, err := os.ReadFile(BackupPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoBackup, path)
		}
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(BackupPath(path)); err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeAtomic(path, b, mode); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return os.Remove(BackupPath(path))
}

// Discard deletes the backup, keeping the instrumented source.
func Discard(path string) error {
	if err := os.Remove(BackupPath(path)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoBackup, path)
		}
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
