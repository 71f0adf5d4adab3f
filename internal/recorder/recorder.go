// internal/recorder/recorder.go
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"time"

	"github.com/google/uuid"

	"termrewind/internal/backup"
	"termrewind/internal/config"
	"termrewind/internal/gitinfo"
	"termrewind/internal/ledger"
	"termrewind/internal/tracker"
)

// executeTimeout bounds execute-mode commands.
const executeTimeout = 5 * time.Minute

// Recorder records command executions with full context: environment,
// outcome, captured output and the file changes the command caused.
type Recorder struct {
	db        *ledger.DB
	backups   *backup.Store
	settings  config.Settings
	sessionID string
}

// New creates a recorder over the given stores.
func New(db *ledger.DB, backups *backup.Store, settings config.Settings) *Recorder {
	return &Recorder{db: db, backups: backups, settings: settings}
}

// StartSession starts a new recording session and makes it current. When
// id is empty a fresh uuid is used.
func (r *Recorder) StartSession(id, name, agentName string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}

	cwd, _ := os.Getwd()
	err := r.db.StartSession(&ledger.Session{
		ID:        id,
		Name:      name,
		AgentName: agentName,
		CwdStart:  cwd,
	})
	if err != nil {
		return "", err
	}

	r.sessionID = id
	return id, nil
}

// ResumeSession makes an existing session id current without touching its
// row.
func (r *Recorder) ResumeSession(id string) {
	r.sessionID = id
}

// CurrentSession returns the current session id, or "" when none is
// active.
func (r *Recorder) CurrentSession() string {
	return r.sessionID
}

// EndSession ends the current session.
func (r *Recorder) EndSession() error {
	if r.sessionID == "" {
		return nil
	}
	if err := r.db.EndSession(r.sessionID); err != nil {
		return err
	}
	r.sessionID = ""
	return nil
}

// Request describes one command to record.
type Request struct {
	Command    string
	Cwd        string   // defaults to the process working directory
	TrackFiles []string // watch these specific files for changes
	TrackCwd   bool     // watch the whole working directory subtree
	Execute    bool     // actually run the command and capture its outcome
}

// Record records a command execution: it captures a file baseline,
// optionally executes the command, writes the command row and persists
// every detected file change (backing up destructive ones).
func (r *Recorder) Record(req Request) (int64, error) {
	if err := r.ensureSession(); err != nil {
		return 0, err
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	var base tracker.Snapshot
	tracking := false
	if len(req.TrackFiles) > 0 {
		base = tracker.WatchFiles(req.TrackFiles)
		tracking = true
	} else if req.TrackCwd {
		base = tracker.WatchDirectory(cwd)
		tracking = true
	}

	// Executing will overwrite or remove files between the baseline and
	// detection, so the original bytes must be stashed now.
	var pre *preImages
	if tracking && req.Execute {
		pre = stashBaseline(base)
		defer pre.Close()
	}

	cmd := &ledger.Command{
		SessionID: r.sessionID,
		Command:   req.Command,
		Cwd:       cwd,
	}
	r.captureEnvironment(cmd)

	if req.Execute {
		runShell(cmd, r.settings)
	}

	id, err := r.db.RecordCommand(cmd)
	if err != nil {
		return 0, err
	}

	if tracking {
		if err := r.recordChanges(id, base, pre); err != nil {
			return id, err
		}
	}

	return id, nil
}

// Log records a command that was already executed elsewhere (shell
// integration or manual logging).
func (r *Recorder) Log(command string, exitCode int, output, errorOutput, cwd string, durationMs int64) (int64, error) {
	if err := r.ensureSession(); err != nil {
		return 0, err
	}

	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	cmd := &ledger.Command{
		SessionID:   r.sessionID,
		Command:     command,
		Cwd:         cwd,
		ExitCode:    &exitCode,
		Output:      truncate(output, r.settings.MaxOutputBytes),
		ErrorOutput: truncate(errorOutput, r.settings.MaxErrorOutputBytes),
	}
	if durationMs > 0 {
		cmd.DurationMs = &durationMs
	}
	r.captureEnvironment(cmd)

	return r.db.RecordCommand(cmd)
}

// TrackChanges detects changes against an externally captured baseline and
// records them for an already recorded command. The changes already
// happened, so destructive records only get a backup pointer when the live
// file can still supply bytes; a missing backup gates rollback eligibility
// later instead of failing the recording.
func (r *Recorder) TrackChanges(commandID int64, base tracker.Snapshot) error {
	return r.recordChanges(commandID, base, nil)
}

func (r *Recorder) recordChanges(commandID int64, base tracker.Snapshot, pre *preImages) error {
	for _, change := range tracker.DetectChanges(base) {
		fc := &ledger.FileChange{
			CommandID: commandID,
			FilePath:  change.Path,
			Kind:      ledger.ChangeKind(change.Kind),
			OldHash:   change.OldHash,
			NewHash:   change.NewHash,
			OldSize:   change.OldSize,
			NewSize:   change.NewSize,
		}
		if fc.Kind.Destructive() {
			if stashed, ok := pre.lookup(change.Path); ok {
				fc.BackupPath = r.backups.BackupFrom(stashed, change.Path, commandID)
			} else {
				fc.BackupPath = r.backups.Backup(change.Path, commandID)
			}
		}
		if err := r.db.RecordFileChange(fc); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) ensureSession() error {
	if r.sessionID != "" {
		return nil
	}
	_, err := r.StartSession("", "", "")
	return err
}

// captureEnvironment fills the command's execution context descriptors.
func (r *Recorder) captureEnvironment(cmd *ledger.Command) {
	cmd.Platform = runtime.GOOS

	cmd.Shell = os.Getenv("SHELL")
	if cmd.Shell == "" {
		cmd.Shell = os.Getenv("COMSPEC")
	}
	if cmd.Shell == "" {
		cmd.Shell = "unknown"
	}

	if u, err := user.Current(); err == nil {
		cmd.User = u.Username
	}
	if host, err := os.Hostname(); err == nil {
		cmd.Hostname = host
	}

	if ctx, ok := gitinfo.Describe(cmd.Cwd); ok {
		cmd.Tags = append(cmd.Tags, ctx.Tag())
	}
}

// runShell executes the command text through the shell and fills exit
// code, captured output and duration.
func runShell(cmd *ledger.Command, settings config.Settings) {
	ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()

	var proc *exec.Cmd
	if runtime.GOOS == "windows" {
		proc = exec.CommandContext(ctx, "cmd", "/C", cmd.Command)
	} else {
		proc = exec.CommandContext(ctx, "sh", "-c", cmd.Command)
	}
	proc.Dir = cmd.Cwd

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	start := time.Now()
	err := proc.Run()
	duration := time.Since(start).Milliseconds()
	cmd.DurationMs = &duration

	exitCode := 0
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		exitCode = -1
		cmd.ErrorOutput = fmt.Sprintf("command timed out after %s", executeTimeout)
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			cmd.ErrorOutput = err.Error()
		}
	}
	cmd.ExitCode = &exitCode

	cmd.Output = truncate(stdout.String(), settings.MaxOutputBytes)
	if cmd.ErrorOutput == "" {
		cmd.ErrorOutput = truncate(stderr.String(), settings.MaxErrorOutputBytes)
	}
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
