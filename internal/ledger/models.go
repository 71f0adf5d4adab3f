// internal/ledger/models.go
package ledger

import (
	"fmt"
	"time"
)

// Session groups recorded commands into a bounded recording window,
// optionally attributed to a named agent.
type Session struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Description  string     `json:"description,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CommandCount int        `json:"command_count"`
	SuccessCount int        `json:"success_count"`
	ErrorCount   int        `json:"error_count"`
	CwdStart     string     `json:"cwd_start,omitempty"`
	AgentName    string     `json:"agent_name,omitempty"`
	Metadata     string     `json:"metadata,omitempty"`
}

// Active reports whether the session has not been ended yet.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// Command is one recorded shell invocation with its metadata and outcome.
// ExitCode nil means the outcome is unknown (the command was logged as
// intent, not verified) and is distinct from 0 in every counting query.
type Command struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	Command     string    `json:"command"`
	Cwd         string    `json:"cwd"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Output      string    `json:"output,omitempty"`
	ErrorOutput string    `json:"error_output,omitempty"`
	DurationMs  *int64    `json:"duration_ms,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Shell       string    `json:"shell,omitempty"`
	User        string    `json:"user,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// ChangeKind classifies a file's state transition relative to a baseline.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Valid reports whether k is one of the three known change kinds.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreated, ChangeModified, ChangeDeleted:
		return true
	}
	return false
}

// Destructive reports whether rolling back this kind of change requires a
// backup of the original bytes. Created files are undone by deletion.
func (k ChangeKind) Destructive() bool {
	return k == ChangeModified || k == ChangeDeleted
}

// FileChange records one file affected by a command. BackupPath points to
// the preserved pre-change copy for modified/deleted files; backups are
// garbage-collected independently, so the pointer may go stale and must be
// re-validated before rollback.
type FileChange struct {
	ID         int64      `json:"id"`
	CommandID  int64      `json:"command_id"`
	FilePath   string     `json:"file_path"`
	Kind       ChangeKind `json:"change_type"`
	OldHash    string     `json:"old_hash,omitempty"`
	NewHash    string     `json:"new_hash,omitempty"`
	OldSize    *int64     `json:"old_size,omitempty"`
	NewSize    *int64     `json:"new_size,omitempty"`
	BackupPath string     `json:"backup_path,omitempty"`
}

// Validate checks the fields a caller controls before the record is written.
func (fc *FileChange) Validate() error {
	if fc.CommandID <= 0 {
		return fmt.Errorf("file change requires a command id")
	}
	if fc.FilePath == "" {
		return fmt.Errorf("file change requires a file path")
	}
	if !fc.Kind.Valid() {
		return fmt.Errorf("invalid change kind %q", fc.Kind)
	}
	return nil
}

// Stats is the aggregate view over the whole ledger.
type Stats struct {
	TotalCommands      int     `json:"total_commands"`
	SuccessfulCommands int     `json:"successful_commands"`
	FailedCommands     int     `json:"failed_commands"`
	SuccessRate        float64 `json:"success_rate"`
	TotalSessions      int     `json:"total_sessions"`
	TotalFileChanges   int     `json:"total_file_changes"`
	DatabasePath       string  `json:"database_path"`
	DatabaseSizeKB     float64 `json:"database_size_kb"`
}
