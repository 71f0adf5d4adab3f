// internal/tracker/tracker.go
package tracker

import (
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// Entry is the recorded state of one file: its content digest and size.
type Entry struct {
	Hash string
	Size int64
}

// Snapshot is a point-in-time capture of a set of files. In directory mode
// keys are paths relative to Root; in individual-file mode Root is empty
// and keys are the watched paths as given. A Snapshot is an explicit value:
// taking a new one never invalidates an old one, so tracking flows compose.
type Snapshot struct {
	Root  string
	Files map[string]Entry
}

// Change describes one detected file transition between a baseline
// snapshot and live state. Sizes are informational; digest equality is the
// sole modification signal.
type Change struct {
	Path    string
	Kind    string // "created", "modified", "deleted"
	OldHash string
	NewHash string
	OldSize *int64
	NewSize *int64
}

const (
	KindCreated  = "created"
	KindModified = "modified"
	KindDeleted  = "deleted"
)

// HashFile computes the content digest of a file. ok is false when the
// path does not exist, is not a regular file, or cannot be read; those all
// count as "absent" content rather than errors.
func HashFile(path string) (digest string, ok bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", false
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

// FileSize returns a file's size in bytes, or nil when it is absent.
func FileSize(path string) *int64 {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	size := info.Size()
	return &size
}

// SnapshotDirectory walks the subtree under root and captures every
// regular file. A missing root yields an empty snapshot, not an error;
// unreadable entries are skipped.
func SnapshotDirectory(root string) Snapshot {
	snap := Snapshot{Root: root, Files: make(map[string]Entry)}

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		digest, ok := HashFile(path)
		if !ok {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		entry := Entry{Hash: digest}
		if size := FileSize(path); size != nil {
			entry.Size = *size
		}
		snap.Files[rel] = entry
		return nil
	})

	return snap
}

// WatchDirectory captures a baseline snapshot of all files under root.
func WatchDirectory(root string) Snapshot {
	return SnapshotDirectory(root)
}

// WatchFiles captures a baseline snapshot of specific files, keyed by the
// given paths. Absent files are recorded with an empty hash so a later
// appearance classifies as created.
func WatchFiles(paths []string) Snapshot {
	snap := Snapshot{Files: make(map[string]Entry)}
	for _, path := range paths {
		entry := Entry{}
		if digest, ok := HashFile(path); ok {
			entry.Hash = digest
			if size := FileSize(path); size != nil {
				entry.Size = *size
			}
		}
		snap.Files[path] = entry
	}
	return snap
}

// DetectChanges compares current live state against the baseline snapshot
// and classifies every difference as created, modified or deleted.
func DetectChanges(base Snapshot) []Change {
	if base.Root != "" {
		return detectDirectoryChanges(base)
	}
	return detectFileChanges(base)
}

func detectDirectoryChanges(base Snapshot) []Change {
	current := SnapshotDirectory(base.Root)
	var changes []Change

	for rel, old := range base.Files {
		fullPath := filepath.Join(base.Root, rel)
		live, exists := current.Files[rel]
		if !exists {
			oldSize := old.Size
			changes = append(changes, Change{
				Path:    fullPath,
				Kind:    KindDeleted,
				OldHash: old.Hash,
				OldSize: &oldSize,
			})
			continue
		}
		if live.Hash != old.Hash {
			oldSize, newSize := old.Size, live.Size
			changes = append(changes, Change{
				Path:    fullPath,
				Kind:    KindModified,
				OldHash: old.Hash,
				NewHash: live.Hash,
				OldSize: &oldSize,
				NewSize: &newSize,
			})
		}
	}

	for rel, live := range current.Files {
		if _, existed := base.Files[rel]; !existed {
			newSize := live.Size
			changes = append(changes, Change{
				Path:    filepath.Join(base.Root, rel),
				Kind:    KindCreated,
				NewHash: live.Hash,
				NewSize: &newSize,
			})
		}
	}

	return changes
}

func detectFileChanges(base Snapshot) []Change {
	var changes []Change

	for path, old := range base.Files {
		newHash, present := HashFile(path)
		wasPresent := old.Hash != ""

		switch {
		case !wasPresent && present:
			changes = append(changes, Change{
				Path:    path,
				Kind:    KindCreated,
				NewHash: newHash,
				NewSize: FileSize(path),
			})
		case wasPresent && !present:
			oldSize := old.Size
			changes = append(changes, Change{
				Path:    path,
				Kind:    KindDeleted,
				OldHash: old.Hash,
				OldSize: &oldSize,
			})
		case wasPresent && present && old.Hash != newHash:
			oldSize := old.Size
			changes = append(changes, Change{
				Path:    path,
				Kind:    KindModified,
				OldHash: old.Hash,
				NewHash: newHash,
				OldSize: &oldSize,
				NewSize: FileSize(path),
			})
		}
	}

	return changes
}
