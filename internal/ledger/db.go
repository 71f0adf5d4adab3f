// internal/ledger/db.go
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the durable ledger of sessions, commands and file changes. It is
// the source of truth for the recorder: every write error propagates to the
// caller instead of being swallowed.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	// Single recording process, single connection. Concurrent writers from
	// other processes need external mutual exclusion.
	db.SetMaxOpenConns(1)

	d := &DB{db: db, path: path}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *DB) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT,
		description TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		command_count INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		cwd_start TEXT,
		agent_name TEXT,
		metadata TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		command TEXT NOT NULL,
		cwd TEXT NOT NULL,
		exit_code INTEGER,
		output TEXT,
		error_output TEXT,
		duration_ms INTEGER,
		platform TEXT,
		shell TEXT,
		user TEXT,
		hostname TEXT,
		tags TEXT,
		notes TEXT
	);

	CREATE TABLE IF NOT EXISTS file_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id INTEGER NOT NULL,
		file_path TEXT NOT NULL,
		change_type TEXT NOT NULL,
		old_hash TEXT,
		new_hash TEXT,
		old_size INTEGER,
		new_size INTEGER,
		backup_path TEXT,
		FOREIGN KEY (command_id) REFERENCES commands(id)
	);

	CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);
	CREATE INDEX IF NOT EXISTS idx_commands_timestamp ON commands(timestamp);
	CREATE INDEX IF NOT EXISTS idx_file_changes_command ON file_changes(command_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS commands_fts USING fts5(
		command,
		output,
		content='commands',
		content_rowid='id'
	);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// StartSession starts or re-starts a recording session. Calling it again
// with an existing id overwrites the identity columns but preserves the
// counters already accumulated for that session.
func (d *DB) StartSession(s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}

	_, err := d.db.Exec(`
		INSERT INTO sessions (id, name, description, started_at, cwd_start, agent_name, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			started_at = excluded.started_at,
			ended_at = NULL,
			cwd_start = excluded.cwd_start,
			agent_name = excluded.agent_name,
			metadata = excluded.metadata`,
		s.ID, s.Name, s.Description, s.StartedAt.UnixNano(), s.CwdStart, s.AgentName, s.Metadata)
	return err
}

// CreateSession is the create-only variant of StartSession: it fails when
// the session id already exists instead of overwriting it.
func (d *DB) CreateSession(s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}

	_, err := d.db.Exec(`
		INSERT INTO sessions (id, name, description, started_at, cwd_start, agent_name, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Description, s.StartedAt.UnixNano(), s.CwdStart, s.AgentName, s.Metadata)
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return nil
}

// EndSession sets the session's end timestamp. Unknown ids are a no-op.
func (d *DB) EndSession(id string) error {
	_, err := d.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		time.Now().UnixNano(), id)
	return err
}

// RecordCommand appends one command row, indexes its text for search and
// updates the owning session's counters. All three writes happen in a
// single transaction: a crash must never leave the ledger half-updated.
func (d *DB) RecordCommand(c *Command) (int64, error) {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}

	var tags interface{}
	if len(c.Tags) > 0 {
		data, err := json.Marshal(c.Tags)
		if err != nil {
			return 0, fmt.Errorf("marshal tags: %w", err)
		}
		tags = string(data)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO commands (
			session_id, timestamp, command, cwd, exit_code, output,
			error_output, duration_ms, platform, shell, user, hostname, tags, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Timestamp.UnixNano(), c.Command, c.Cwd, nullableInt(c.ExitCode),
		c.Output, c.ErrorOutput, nullableInt64(c.DurationMs),
		c.Platform, c.Shell, c.User, c.Hostname, tags, c.Notes)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(`INSERT INTO commands_fts(rowid, command, output) VALUES (?, ?, ?)`,
		id, c.Command, c.Output)
	if err != nil {
		return 0, fmt.Errorf("index command: %w", err)
	}

	// A nil exit code counts as neither success nor error: the NULL
	// comparison makes both CASE branches fall through.
	_, err = tx.Exec(`
		UPDATE sessions SET
			command_count = command_count + 1,
			success_count = success_count + CASE WHEN ? = 0 THEN 1 ELSE 0 END,
			error_count = error_count + CASE WHEN ? != 0 THEN 1 ELSE 0 END
		WHERE id = ?`,
		nullableInt(c.ExitCode), nullableInt(c.ExitCode), c.SessionID)
	if err != nil {
		return 0, fmt.Errorf("update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit command: %w", err)
	}

	c.ID = id
	return id, nil
}

// RecordFileChange appends one file-change row. Rows are never mutated
// after being written.
func (d *DB) RecordFileChange(fc *FileChange) error {
	if err := fc.Validate(); err != nil {
		return err
	}

	result, err := d.db.Exec(`
		INSERT INTO file_changes (
			command_id, file_path, change_type, old_hash, new_hash,
			old_size, new_size, backup_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fc.CommandID, fc.FilePath, string(fc.Kind), fc.OldHash, fc.NewHash,
		nullableInt64(fc.OldSize), nullableInt64(fc.NewSize), fc.BackupPath)
	if err != nil {
		return fmt.Errorf("insert file change: %w", err)
	}

	fc.ID, _ = result.LastInsertId()
	return nil
}

// Query holds the independently optional filters for QueryCommands.
// Search and the range filters are mutually exclusive modes: when Search is
// set, Since and ErrorsOnly are ignored.
type Query struct {
	SessionID  string
	Since      time.Time // inclusive lower bound
	ErrorsOnly bool      // exit code present and non-zero
	Search     string    // full-text match over command text and output
	Limit      int
}

const defaultQueryLimit = 50

// QueryCommands returns recorded commands matching the filters, newest
// first, capped at q.Limit.
func (d *DB) QueryCommands(q Query) ([]*Command, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var query string
	var args []interface{}

	if q.Search != "" {
		query = `
			SELECT c.id, c.session_id, c.timestamp, c.command, c.cwd, c.exit_code,
				c.output, c.error_output, c.duration_ms, c.platform, c.shell,
				c.user, c.hostname, c.tags, c.notes
			FROM commands c
			JOIN commands_fts fts ON c.id = fts.rowid
			WHERE commands_fts MATCH ?`
		args = append(args, q.Search)
		if q.SessionID != "" {
			query += " AND c.session_id = ?"
			args = append(args, q.SessionID)
		}
	} else {
		query = `
			SELECT id, session_id, timestamp, command, cwd, exit_code,
				output, error_output, duration_ms, platform, shell,
				user, hostname, tags, notes
			FROM commands WHERE 1=1`
		if q.SessionID != "" {
			query += " AND session_id = ?"
			args = append(args, q.SessionID)
		}
		if !q.Since.IsZero() {
			query += " AND timestamp >= ?"
			args = append(args, q.Since.UnixNano())
		}
		if q.ErrorsOnly {
			query += " AND exit_code IS NOT NULL AND exit_code != 0"
		}
	}

	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		cmd, err := scanCommandRow(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

// GetCommandByID retrieves a single command by id.
func (d *DB) GetCommandByID(id int64) (*Command, error) {
	row := d.db.QueryRow(`
		SELECT id, session_id, timestamp, command, cwd, exit_code,
			output, error_output, duration_ms, platform, shell,
			user, hostname, tags, notes
		FROM commands WHERE id = ?`, id)

	return scanCommand(row)
}

// GetLastCommand retrieves the most recently recorded command, or nil when
// the ledger is empty.
func (d *DB) GetLastCommand() (*Command, error) {
	row := d.db.QueryRow(`
		SELECT id, session_id, timestamp, command, cwd, exit_code,
			output, error_output, duration_ms, platform, shell,
			user, hostname, tags, notes
		FROM commands ORDER BY id DESC LIMIT 1`)

	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cmd, err
}

// GetFileChanges retrieves the file changes recorded for a command.
func (d *DB) GetFileChanges(commandID int64) ([]*FileChange, error) {
	rows, err := d.db.Query(`
		SELECT id, command_id, file_path, change_type, old_hash, new_hash,
			old_size, new_size, backup_path
		FROM file_changes WHERE command_id = ? ORDER BY id`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*FileChange
	for rows.Next() {
		fc := &FileChange{}
		var kind string
		var oldHash, newHash, backupPath sql.NullString
		var oldSize, newSize sql.NullInt64

		err := rows.Scan(&fc.ID, &fc.CommandID, &fc.FilePath, &kind,
			&oldHash, &newHash, &oldSize, &newSize, &backupPath)
		if err != nil {
			return nil, err
		}

		fc.Kind = ChangeKind(kind)
		fc.OldHash = oldHash.String
		fc.NewHash = newHash.String
		fc.BackupPath = backupPath.String
		if oldSize.Valid {
			fc.OldSize = &oldSize.Int64
		}
		if newSize.Valid {
			fc.NewSize = &newSize.Int64
		}
		changes = append(changes, fc)
	}
	return changes, rows.Err()
}

// GetSession retrieves a session by id, or nil when it does not exist.
func (d *DB) GetSession(id string) (*Session, error) {
	row := d.db.QueryRow(`
		SELECT id, name, description, started_at, ended_at, command_count,
			success_count, error_count, cwd_start, agent_name, metadata
		FROM sessions WHERE id = ?`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetSessions retrieves recent sessions, newest first.
func (d *DB) GetSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := d.db.Query(`
		SELECT id, name, description, started_at, ended_at, command_count,
			success_count, error_count, cwd_start, agent_name, metadata
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Stats computes the aggregate view over the whole ledger.
func (d *DB) Stats() (*Stats, error) {
	stats := &Stats{DatabasePath: d.path}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM commands", &stats.TotalCommands},
		{"SELECT COUNT(*) FROM commands WHERE exit_code = 0", &stats.SuccessfulCommands},
		{"SELECT COUNT(*) FROM commands WHERE exit_code IS NOT NULL AND exit_code != 0", &stats.FailedCommands},
		{"SELECT COUNT(*) FROM sessions", &stats.TotalSessions},
		{"SELECT COUNT(*) FROM file_changes", &stats.TotalFileChanges},
	}
	for _, c := range counts {
		if err := d.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	if stats.TotalCommands > 0 {
		rate := float64(stats.SuccessfulCommands) / float64(stats.TotalCommands) * 100
		stats.SuccessRate = math.Round(rate*10) / 10
	}

	if info, err := os.Stat(d.path); err == nil {
		stats.DatabaseSizeKB = math.Round(float64(info.Size())/1024*100) / 100
	}

	return stats, nil
}

// Helper functions

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func scanCommand(row *sql.Row) (*Command, error) {
	cmd := &Command{}
	var timestamp int64
	var exitCode, durationMs sql.NullInt64
	var output, errorOutput, platform, shell, user, hostname, tags, notes sql.NullString

	err := row.Scan(&cmd.ID, &cmd.SessionID, &timestamp, &cmd.Command, &cmd.Cwd,
		&exitCode, &output, &errorOutput, &durationMs, &platform, &shell,
		&user, &hostname, &tags, &notes)
	if err != nil {
		return nil, err
	}

	fillCommand(cmd, timestamp, exitCode, durationMs, output, errorOutput,
		platform, shell, user, hostname, tags, notes)
	return cmd, nil
}

func scanCommandRow(rows *sql.Rows) (*Command, error) {
	cmd := &Command{}
	var timestamp int64
	var exitCode, durationMs sql.NullInt64
	var output, errorOutput, platform, shell, user, hostname, tags, notes sql.NullString

	err := rows.Scan(&cmd.ID, &cmd.SessionID, &timestamp, &cmd.Command, &cmd.Cwd,
		&exitCode, &output, &errorOutput, &durationMs, &platform, &shell,
		&user, &hostname, &tags, &notes)
	if err != nil {
		return nil, err
	}

	fillCommand(cmd, timestamp, exitCode, durationMs, output, errorOutput,
		platform, shell, user, hostname, tags, notes)
	return cmd, nil
}

func fillCommand(cmd *Command, timestamp int64, exitCode, durationMs sql.NullInt64,
	output, errorOutput, platform, shell, user, hostname, tags, notes sql.NullString) {

	cmd.Timestamp = time.Unix(0, timestamp)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		cmd.ExitCode = &code
	}
	if durationMs.Valid {
		cmd.DurationMs = &durationMs.Int64
	}
	cmd.Output = output.String
	cmd.ErrorOutput = errorOutput.String
	cmd.Platform = platform.String
	cmd.Shell = shell.String
	cmd.User = user.String
	cmd.Hostname = hostname.String
	cmd.Notes = notes.String
	if tags.Valid && tags.String != "" {
		json.Unmarshal([]byte(tags.String), &cmd.Tags)
	}
}

func scanSession(row *sql.Row) (*Session, error) {
	s := &Session{}
	var startedAt int64
	var endedAt sql.NullInt64
	var name, description, cwdStart, agentName, metadata sql.NullString

	err := row.Scan(&s.ID, &name, &description, &startedAt, &endedAt,
		&s.CommandCount, &s.SuccessCount, &s.ErrorCount,
		&cwdStart, &agentName, &metadata)
	if err != nil {
		return nil, err
	}

	fillSession(s, startedAt, endedAt, name, description, cwdStart, agentName, metadata)
	return s, nil
}

func scanSessionRow(rows *sql.Rows) (*Session, error) {
	s := &Session{}
	var startedAt int64
	var endedAt sql.NullInt64
	var name, description, cwdStart, agentName, metadata sql.NullString

	err := rows.Scan(&s.ID, &name, &description, &startedAt, &endedAt,
		&s.CommandCount, &s.SuccessCount, &s.ErrorCount,
		&cwdStart, &agentName, &metadata)
	if err != nil {
		return nil, err
	}

	fillSession(s, startedAt, endedAt, name, description, cwdStart, agentName, metadata)
	return s, nil
}

func fillSession(s *Session, startedAt int64, endedAt sql.NullInt64,
	name, description, cwdStart, agentName, metadata sql.NullString) {

	s.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		s.EndedAt = &t
	}
	s.Name = name.String
	s.Description = description.String
	s.CwdStart = cwdStart.String
	s.AgentName = agentName.String
	s.Metadata = metadata.String
}
