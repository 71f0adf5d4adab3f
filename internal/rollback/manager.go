// internal/rollback/manager.go
package rollback

import (
	"fmt"
	"os"
	"path/filepath"

	"termrewind/internal/backup"
	"termrewind/internal/ledger"
)

// Action status values.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Inverse action names.
const (
	ActionDelete  = "delete"  // undo a created file
	ActionRestore = "restore" // undo a modified or deleted file
)

// Action is one planned or executed inverse step of a rollback.
type Action struct {
	File   string            `json:"file"`
	Change ledger.ChangeKind `json:"change_type"`
	Action string            `json:"action"`
	Backup string            `json:"backup,omitempty"`
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
}

// Result reports a rollback request. Success is true only when no action
// failed; a structured refusal (ineligibility) carries Error and an empty
// action list and is never a process error.
type Result struct {
	Success   bool     `json:"success"`
	DryRun    bool     `json:"dry_run"`
	CommandID int64    `json:"command_id,omitempty"`
	Error     string   `json:"error,omitempty"`
	Actions   []Action `json:"actions"`
}

// Options controls rollback execution.
type Options struct {
	DryRun bool
	// Atomic stages every restore before applying any of them: if one
	// file cannot be staged, nothing is touched. Deleting created files
	// still happens per-file after staging succeeds. Default is the
	// per-file best-effort mode.
	Atomic bool
	// ScanWindow bounds how many recent commands RollbackLast inspects.
	ScanWindow int
}

const defaultScanWindow = 20

// Manager verifies, plans and applies the inverse of a command's recorded
// file changes, using the ledger for records and the backup store for
// preserved bytes.
type Manager struct {
	db      *ledger.DB
	backups *backup.Store
}

// NewManager creates a rollback manager over the given stores.
func NewManager(db *ledger.DB, backups *backup.Store) *Manager {
	return &Manager{db: db, backups: backups}
}

// CanRollback checks whether a command's file changes can be rolled back.
// The returned reason names the specific file blocking an ineligible
// rollback.
func (m *Manager) CanRollback(commandID int64) (bool, string, error) {
	changes, err := m.db.GetFileChanges(commandID)
	if err != nil {
		return false, "", fmt.Errorf("load file changes: %w", err)
	}

	if len(changes) == 0 {
		return false, "no file changes recorded for this command", nil
	}

	for _, fc := range changes {
		if !fc.Kind.Destructive() {
			continue
		}
		if fc.BackupPath == "" {
			return false, fmt.Sprintf("no backup available for %s", fc.FilePath), nil
		}
		// Backups are garbage-collected independently of the ledger, so
		// the recorded pointer may have gone stale.
		if !m.backups.Exists(fc.BackupPath) {
			return false, fmt.Sprintf("backup file missing for %s", fc.FilePath), nil
		}
	}

	return true, "rollback is possible", nil
}

// RollbackCommand rolls back the file changes recorded for a command.
// In dry-run mode the plan is returned with every action pending and the
// filesystem untouched. In apply mode each action runs independently: one
// failure is recorded against its action and does not halt or revert the
// others (unless Options.Atomic staged them together).
func (m *Manager) RollbackCommand(commandID int64, opts Options) (*Result, error) {
	ok, reason, err := m.CanRollback(commandID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Success: false, DryRun: opts.DryRun, CommandID: commandID, Error: reason}, nil
	}

	changes, err := m.db.GetFileChanges(commandID)
	if err != nil {
		return nil, fmt.Errorf("load file changes: %w", err)
	}

	actions := planActions(changes)
	result := &Result{DryRun: opts.DryRun, CommandID: commandID, Actions: actions}

	if opts.DryRun {
		result.Success = true
		return result, nil
	}

	if opts.Atomic {
		m.applyAtomic(result)
	} else {
		m.apply(result)
	}

	result.Success = true
	for _, a := range result.Actions {
		if a.Status == StatusFailed {
			result.Success = false
			break
		}
	}
	return result, nil
}

// RollbackLast rolls back the most recent command that has file changes,
// scanning a bounded window of recent commands.
func (m *Manager) RollbackLast(opts Options) (*Result, error) {
	window := opts.ScanWindow
	if window <= 0 {
		window = defaultScanWindow
	}

	commands, err := m.db.QueryCommands(ledger.Query{Limit: window})
	if err != nil {
		return nil, fmt.Errorf("scan recent commands: %w", err)
	}

	for _, cmd := range commands {
		changes, err := m.db.GetFileChanges(cmd.ID)
		if err != nil {
			return nil, fmt.Errorf("load file changes: %w", err)
		}
		if len(changes) > 0 {
			return m.RollbackCommand(cmd.ID, opts)
		}
	}

	return &Result{
		Success: false,
		DryRun:  opts.DryRun,
		Error:   "no recent commands with file changes found",
	}, nil
}

// planActions derives the inverse action for each recorded change.
func planActions(changes []*ledger.FileChange) []Action {
	actions := make([]Action, 0, len(changes))
	for _, fc := range changes {
		a := Action{File: fc.FilePath, Change: fc.Kind, Status: StatusPending}
		if fc.Kind == ledger.ChangeCreated {
			a.Action = ActionDelete
		} else {
			a.Action = ActionRestore
			a.Backup = fc.BackupPath
		}
		actions = append(actions, a)
	}
	return actions
}

// apply executes the planned actions per-file, best-effort.
func (m *Manager) apply(result *Result) {
	for i := range result.Actions {
		a := &result.Actions[i]
		switch a.Action {
		case ActionDelete:
			if err := os.Remove(a.File); err != nil {
				a.Status = StatusFailed
				a.Error = err.Error()
			} else {
				a.Status = StatusSuccess
			}
		case ActionRestore:
			if m.backups.Restore(a.Backup, a.File) {
				a.Status = StatusSuccess
			} else {
				a.Status = StatusFailed
				a.Error = fmt.Sprintf("restore from %s failed", a.Backup)
			}
		}
	}
}

// applyAtomic stages every restore to a temp file in its destination
// directory first. Only when all stages succeed are they renamed into
// place; otherwise the staging files are discarded and nothing changes.
func (m *Manager) applyAtomic(result *Result) {
	type staged struct {
		action *Action
		temp   string
	}
	var stages []staged

	abort := func(reason string) {
		for _, s := range stages {
			os.Remove(s.temp)
		}
		for i := range result.Actions {
			result.Actions[i].Status = StatusFailed
			result.Actions[i].Error = reason
		}
	}

	for i := range result.Actions {
		a := &result.Actions[i]
		if a.Action != ActionRestore {
			continue
		}

		data, err := m.backups.ReadOriginal(a.Backup)
		if err != nil {
			abort(fmt.Sprintf("staging aborted: %v", err))
			return
		}

		dir := filepath.Dir(a.File)
		if err := os.MkdirAll(dir, 0755); err != nil {
			abort(fmt.Sprintf("staging aborted: %v", err))
			return
		}
		tmp, err := os.CreateTemp(dir, ".termrewind-stage-*")
		if err != nil {
			abort(fmt.Sprintf("staging aborted: %v", err))
			return
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			abort(fmt.Sprintf("staging aborted: %v", err))
			return
		}
		tmp.Close()
		stages = append(stages, staged{action: a, temp: tmp.Name()})
	}

	for _, s := range stages {
		if err := os.Rename(s.temp, s.action.File); err != nil {
			s.action.Status = StatusFailed
			s.action.Error = err.Error()
			os.Remove(s.temp)
			continue
		}
		s.action.Status = StatusSuccess
	}

	for i := range result.Actions {
		a := &result.Actions[i]
		if a.Action != ActionDelete {
			continue
		}
		if err := os.Remove(a.File); err != nil {
			a.Status = StatusFailed
			a.Error = err.Error()
		} else {
			a.Status = StatusSuccess
		}
	}
}
