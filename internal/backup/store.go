// internal/backup/store.go
package backup

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Store preserves pre-change copies of files so a later rollback can
// restore them. Copies are zstd-compressed at rest; Restore always hands
// back the exact original bytes. Backups and the ledger's pointers to them
// have independent lifecycles, so callers must re-check Exists before
// relying on a recorded backup path.
type Store struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewStore creates a backup store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Store{dir: dir, encoder: encoder, decoder: decoder}, nil
}

// Dir returns the backup directory.
func (s *Store) Dir() string {
	return s.dir
}

// Backup copies a file's current bytes aside, keyed by the owning command
// id, a nanosecond timestamp and the original file name. Returns "" when
// the source does not exist or cannot be read; backup failure is recovered
// locally and only gates rollback eligibility later.
func (s *Store) Backup(path string, commandID int64) string {
	return s.BackupFrom(path, path, commandID)
}

// BackupFrom preserves the bytes of source as the backup for originalPath.
// Callers that hold a pre-change copy of a file (stashed before running a
// command) use this so the backup carries the original bytes even though
// the live file has already changed. Returns "" when source cannot be read.
func (s *Store) BackupFrom(source, originalPath string, commandID int64) string {
	data, err := os.ReadFile(source)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("backup: cannot read %s: %v", source, err)
		}
		return ""
	}

	info, err := os.Stat(source)
	if err != nil {
		return ""
	}

	// Nanosecond precision keeps names unique for same-basename files
	// changed within the same second.
	now := time.Now()
	name := fmt.Sprintf("cmd_%d_%s.%09d_%s.zst",
		commandID, now.Format("20060102_150405"), now.Nanosecond(), filepath.Base(originalPath))
	backupPath := filepath.Join(s.dir, name)

	compressed := s.encoder.EncodeAll(data, nil)
	if err := os.WriteFile(backupPath, compressed, 0644); err != nil {
		log.Printf("backup: cannot write %s: %v", backupPath, err)
		return ""
	}

	// Carry the source mtime so age-based cleanup reflects origin time
	if err := os.Chtimes(backupPath, info.ModTime(), info.ModTime()); err != nil {
		log.Printf("backup: cannot set mtime on %s: %v", backupPath, err)
	}

	return backupPath
}

// Exists reports whether a recorded backup path still resolves to a file.
func (s *Store) Exists(backupPath string) bool {
	if backupPath == "" {
		return false
	}
	info, err := os.Stat(backupPath)
	return err == nil && info.Mode().IsRegular()
}

// Restore writes the backed-up bytes over dest, creating missing parent
// directories and overwriting unconditionally. Returns false when the
// backup no longer exists or cannot be applied.
func (s *Store) Restore(backupPath, dest string) bool {
	data, err := s.ReadOriginal(backupPath)
	if err != nil {
		return false
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false
	}
	return os.WriteFile(dest, data, 0644) == nil
}

// ReadOriginal returns the original (decompressed) bytes of a backup.
func (s *Store) ReadOriginal(backupPath string) ([]byte, error) {
	compressed, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(backupPath, ".zst") {
		data, err := s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress backup %s: %w", backupPath, err)
		}
		return data, nil
	}
	return compressed, nil
}

// Cleanup deletes backups older than maxAgeDays by modification time.
// Individual delete failures are swallowed; housekeeping is best-effort.
// Returns the number of backups removed.
func (s *Store) Cleanup(maxAgeDays int) int {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	removed := 0

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
				log.Printf("backup: cleanup failed for %s: %v", entry.Name(), err)
				continue
			}
			removed++
		}
	}

	return removed
}
