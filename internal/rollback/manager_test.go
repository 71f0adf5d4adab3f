// internal/rollback/manager_test.go
package rollback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"termrewind/internal/backup"
	"termrewind/internal/ledger"
	"termrewind/internal/tracker"
)

type fixture struct {
	db      *ledger.DB
	backups *backup.Store
	manager *Manager
	workDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmpDir := t.TempDir()

	db, err := ledger.Open(filepath.Join(tmpDir, "ledger.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	backups, err := backup.NewStore(filepath.Join(tmpDir, "backups"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := db.StartSession(&ledger.Session{ID: "s1"}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	return &fixture{
		db:      db,
		backups: backups,
		manager: NewManager(db, backups),
		workDir: filepath.Join(tmpDir, "work"),
	}
}

func (f *fixture) recordCommand(t *testing.T, command string) int64 {
	t.Helper()
	id, err := f.db.RecordCommand(&ledger.Command{SessionID: "s1", Command: command, Cwd: f.workDir})
	if err != nil {
		t.Fatalf("RecordCommand failed: %v", err)
	}
	return id
}

func (f *fixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.workDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRollback_NoChangesRecorded(t *testing.T) {
	f := newFixture(t)
	id := f.recordCommand(t, "true")

	ok, reason, err := f.manager.CanRollback(id)
	if err != nil {
		t.Fatalf("CanRollback failed: %v", err)
	}
	if ok {
		t.Error("Expected rollback to be ineligible with no changes")
	}
	if !strings.Contains(reason, "no file changes") {
		t.Errorf("Expected reason to mention missing changes, got %q", reason)
	}

	result, err := f.manager.RollbackCommand(id, Options{})
	if err != nil {
		t.Fatalf("RollbackCommand failed: %v", err)
	}
	if result.Success {
		t.Error("Expected structured refusal, not success")
	}
	if len(result.Actions) != 0 {
		t.Errorf("Expected no actions in refusal, got %d", len(result.Actions))
	}
}

func TestRollback_CreatedFileIsDeleted(t *testing.T) {
	f := newFixture(t)
	id := f.recordCommand(t, "touch created.txt")
	path := f.writeFile(t, "created.txt", "new file")

	err := f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: path, Kind: ledger.ChangeCreated,
	})
	if err != nil {
		t.Fatalf("RecordFileChange failed: %v", err)
	}

	result, err := f.manager.RollbackCommand(id, Options{})
	if err != nil {
		t.Fatalf("RollbackCommand failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}
	if len(result.Actions) != 1 || result.Actions[0].Status != StatusSuccess {
		t.Fatalf("Expected one successful delete action, got %+v", result.Actions)
	}
	if result.Actions[0].Action != ActionDelete {
		t.Errorf("Expected delete action, got %s", result.Actions[0].Action)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected created file to be deleted by rollback")
	}
}

func TestRollback_ModificationRoundTrip(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "app.conf", "v1")
	v1Hash, _ := tracker.HashFile(path)

	id := f.recordCommand(t, "edit app.conf")
	backupPath := f.backups.Backup(path, id)
	if backupPath == "" {
		t.Fatal("Backup failed")
	}

	f.writeFile(t, "app.conf", "v2")
	err := f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: path, Kind: ledger.ChangeModified,
		OldHash: v1Hash, BackupPath: backupPath,
	})
	if err != nil {
		t.Fatalf("RecordFileChange failed: %v", err)
	}

	result, err := f.manager.RollbackCommand(id, Options{})
	if err != nil {
		t.Fatalf("RollbackCommand failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}

	restoredHash, ok := tracker.HashFile(path)
	if !ok {
		t.Fatal("Expected restored file to exist")
	}
	if restoredHash != v1Hash {
		t.Error("Expected restored bytes to hash-match the pre-modification content")
	}
}

func TestRollback_DeletedFileIsRestored(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "precious.txt", "keep me")

	id := f.recordCommand(t, "rm precious.txt")
	backupPath := f.backups.Backup(path, id)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	err := f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: path, Kind: ledger.ChangeDeleted, BackupPath: backupPath,
	})
	if err != nil {
		t.Fatalf("RecordFileChange failed: %v", err)
	}

	result, err := f.manager.RollbackCommand(id, Options{})
	if err != nil {
		t.Fatalf("RollbackCommand failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal("Expected deleted file to be restored")
	}
	if string(data) != "keep me" {
		t.Errorf("Expected original content, got %q", string(data))
	}
}

func TestRollback_MissingBackupIneligible(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "orphan.txt", "current")
	id := f.recordCommand(t, "edit orphan.txt")

	// Modified record with no backup pointer at all
	err := f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: path, Kind: ledger.ChangeModified,
	})
	if err != nil {
		t.Fatalf("RecordFileChange failed: %v", err)
	}

	ok, reason, err := f.manager.CanRollback(id)
	if err != nil {
		t.Fatalf("CanRollback failed: %v", err)
	}
	if ok {
		t.Error("Expected rollback to be ineligible without a backup")
	}
	if !strings.Contains(reason, "orphan.txt") {
		t.Errorf("Expected reason to name the offending file, got %q", reason)
	}

	result, err := f.manager.RollbackCommand(id, Options{})
	if err != nil {
		t.Fatalf("RollbackCommand failed: %v", err)
	}
	if result.Success {
		t.Error("Expected refusal")
	}

	// The live file must be untouched by the refusal
	data, _ := os.ReadFile(path)
	if string(data) != "current" {
		t.Error("Expected refusal to leave the filesystem untouched")
	}
}

func TestRollback_StaleBackupPointerIneligible(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "drifted.txt", "v1")
	id := f.recordCommand(t, "edit drifted.txt")

	backupPath := f.backups.Backup(path, id)
	err := f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: path, Kind: ledger.ChangeModified, BackupPath: backupPath,
	})
	if err != nil {
		t.Fatalf("RecordFileChange failed: %v", err)
	}

	// Simulate cleanup racing ahead of the ledger
	if err := os.Remove(backupPath); err != nil {
		t.Fatal(err)
	}

	ok, reason, err := f.manager.CanRollback(id)
	if err != nil {
		t.Fatalf("CanRollback failed: %v", err)
	}
	if ok {
		t.Error("Expected stale backup pointer to make rollback ineligible")
	}
	if !strings.Contains(reason, "drifted.txt") {
		t.Errorf("Expected reason to name the file, got %q", reason)
	}
}

func TestRollback_DryRunPurity(t *testing.T) {
	f := newFixture(t)
	modified := f.writeFile(t, "mod.txt", "v1")
	id := f.recordCommand(t, "edit files")
	backupPath := f.backups.Backup(modified, id)
	f.writeFile(t, "mod.txt", "v2")
	created := f.writeFile(t, "new.txt", "fresh")

	f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: modified, Kind: ledger.ChangeModified, BackupPath: backupPath,
	})
	f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: created, Kind: ledger.ChangeCreated,
	})

	result, err := f.manager.RollbackCommand(id, Options{DryRun: true})
	if err != nil {
		t.Fatalf("RollbackCommand failed: %v", err)
	}
	if !result.Success || !result.DryRun {
		t.Fatalf("Expected successful dry run, got %+v", result)
	}
	if len(result.Actions) != 2 {
		t.Fatalf("Expected 2 planned actions, got %d", len(result.Actions))
	}
	for _, a := range result.Actions {
		if a.Status != StatusPending {
			t.Errorf("Expected pending status in dry run, got %s", a.Status)
		}
	}

	// Nothing on disk may have changed
	data, _ := os.ReadFile(modified)
	if string(data) != "v2" {
		t.Error("Expected dry run to leave modified file at v2")
	}
	if _, err := os.Stat(created); err != nil {
		t.Error("Expected dry run to leave created file in place")
	}
}

func TestRollback_PartialFailureIsPerFile(t *testing.T) {
	f := newFixture(t)
	id := f.recordCommand(t, "touch two files")

	existing := f.writeFile(t, "there.txt", "x")
	ghost := filepath.Join(f.workDir, "ghost.txt") // never created on disk

	f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: ghost, Kind: ledger.ChangeCreated,
	})
	f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: existing, Kind: ledger.ChangeCreated,
	})

	result, err := f.manager.RollbackCommand(id, Options{})
	if err != nil {
		t.Fatalf("RollbackCommand failed: %v", err)
	}
	if result.Success {
		t.Error("Expected overall failure when one action fails")
	}

	byFile := map[string]Action{}
	for _, a := range result.Actions {
		byFile[a.File] = a
	}
	if byFile[ghost].Status != StatusFailed {
		t.Errorf("Expected ghost delete to fail, got %s", byFile[ghost].Status)
	}
	if byFile[existing].Status != StatusSuccess {
		t.Errorf("Expected existing delete to succeed, got %s", byFile[existing].Status)
	}
	if _, err := os.Stat(existing); !os.IsNotExist(err) {
		t.Error("Expected successful action to stick despite sibling failure")
	}
}

func TestRollback_AtomicStagesAllRestores(t *testing.T) {
	f := newFixture(t)
	a := f.writeFile(t, "a.txt", "a1")
	b := f.writeFile(t, "b.txt", "b1")

	id := f.recordCommand(t, "edit a and b")
	backupA := f.backups.Backup(a, id)
	backupB := f.backups.Backup(b, id)
	f.writeFile(t, "a.txt", "a2")
	f.writeFile(t, "b.txt", "b2")

	f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: a, Kind: ledger.ChangeModified, BackupPath: backupA,
	})
	f.db.RecordFileChange(&ledger.FileChange{
		CommandID: id, FilePath: b, Kind: ledger.ChangeModified, BackupPath: backupB,
	})

	result, err := f.manager.RollbackCommand(id, Options{Atomic: true})
	if err != nil {
		t.Fatalf("RollbackCommand failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected atomic rollback to succeed, got %+v", result)
	}

	dataA, _ := os.ReadFile(a)
	dataB, _ := os.ReadFile(b)
	if string(dataA) != "a1" || string(dataB) != "b1" {
		t.Errorf("Expected both files restored, got %q %q", dataA, dataB)
	}

	// No staging temp files may be left behind
	entries, _ := os.ReadDir(f.workDir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".termrewind-stage-") {
			t.Errorf("Staging file left behind: %s", e.Name())
		}
	}
}

func TestRollbackLast(t *testing.T) {
	f := newFixture(t)

	t.Run("EmptyWindow", func(t *testing.T) {
		result, err := f.manager.RollbackLast(Options{DryRun: true})
		if err != nil {
			t.Fatalf("RollbackLast failed: %v", err)
		}
		if result.Success {
			t.Error("Expected refusal when no commands have changes")
		}
		if !strings.Contains(result.Error, "no recent commands") {
			t.Errorf("Expected window-exhausted reason, got %q", result.Error)
		}
	})

	t.Run("FindsMostRecentWithChanges", func(t *testing.T) {
		withChanges := f.recordCommand(t, "touch tracked.txt")
		path := f.writeFile(t, "tracked.txt", "data")
		f.db.RecordFileChange(&ledger.FileChange{
			CommandID: withChanges, FilePath: path, Kind: ledger.ChangeCreated,
		})
		f.recordCommand(t, "echo no changes here")

		result, err := f.manager.RollbackLast(Options{DryRun: true})
		if err != nil {
			t.Fatalf("RollbackLast failed: %v", err)
		}
		if !result.Success {
			t.Fatalf("Expected dry-run success, got %+v", result)
		}
		if result.CommandID != withChanges {
			t.Errorf("Expected command %d, got %d", withChanges, result.CommandID)
		}
	})
}
