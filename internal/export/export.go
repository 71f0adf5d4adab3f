// internal/export/export.go
package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"termrewind/internal/ledger"
)

// Version is stamped into export documents so a receiving tool can tell
// which layout it is parsing.
const Version = "1.0.0"

// Exporter renders recorded history for documentation and agent handoff.
type Exporter struct {
	db *ledger.DB
}

// New creates an exporter over the ledger.
func New(db *ledger.DB) *Exporter {
	return &Exporter{db: db}
}

// Options selects what to export. A zero value exports the most recent
// commands across all sessions with outputs included.
type Options struct {
	SessionID  string
	Limit      int  // max commands; defaults per format
	OmitOutput bool // replace captured outputs with a placeholder
}

// fetch loads the session (when one is selected) and its commands in
// chronological order.
func (e *Exporter) fetch(opts Options, defaultLimit int) (*ledger.Session, []*ledger.Command, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var session *ledger.Session
	if opts.SessionID != "" {
		var err error
		session, err = e.db.GetSession(opts.SessionID)
		if err != nil {
			return nil, nil, err
		}
	}

	commands, err := e.db.QueryCommands(ledger.Query{SessionID: opts.SessionID, Limit: limit})
	if err != nil {
		return nil, nil, err
	}

	// Query returns newest first; exports read oldest first.
	for i, j := 0, len(commands)-1; i < j; i, j = i+1, j-1 {
		commands[i], commands[j] = commands[j], commands[i]
	}
	return session, commands, nil
}

type commandExport struct {
	*ledger.Command
	FileChanges []*ledger.FileChange `json:"file_changes"`
}

type jsonDocument struct {
	ExportTimestamp string          `json:"export_timestamp"`
	ExportVersion   string          `json:"export_version"`
	Session         *ledger.Session `json:"session,omitempty"`
	Commands        []commandExport `json:"commands"`
	Stats           *ledger.Stats   `json:"stats"`
}

// JSON renders the selected history as an indented JSON document with
// per-command file changes and ledger-wide stats attached.
func (e *Exporter) JSON(opts Options) (string, error) {
	session, commands, err := e.fetch(opts, 100)
	if err != nil {
		return "", err
	}

	doc := jsonDocument{
		ExportTimestamp: time.Now().Format(time.RFC3339),
		ExportVersion:   Version,
		Session:         session,
		Commands:        make([]commandExport, 0, len(commands)),
	}

	for _, cmd := range commands {
		changes, err := e.db.GetFileChanges(cmd.ID)
		if err != nil {
			return "", err
		}
		if opts.OmitOutput {
			if cmd.Output != "" {
				cmd.Output = "[output omitted]"
			}
			if cmd.ErrorOutput != "" {
				cmd.ErrorOutput = "[output omitted]"
			}
		}
		doc.Commands = append(doc.Commands, commandExport{Command: cmd, FileChanges: changes})
	}

	doc.Stats, err = e.db.Stats()
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Markdown renders the selected history as a human-readable document:
// one section per command with timing, outputs and file changes.
func (e *Exporter) Markdown(opts Options) (string, error) {
	session, commands, err := e.fetch(opts, 50)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# Terminal Session Export\n\n")
	fmt.Fprintf(&b, "**Exported:** %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Commands:** %d\n", len(commands))

	if session != nil {
		name := session.Name
		if name == "" {
			name = session.ID
		}
		fmt.Fprintf(&b, "**Session:** %s\n", name)
		fmt.Fprintf(&b, "**Started:** %s\n", session.StartedAt.Format("2006-01-02 15:04:05"))
		if session.AgentName != "" {
			fmt.Fprintf(&b, "**Agent:** %s\n", session.AgentName)
		}
	}

	b.WriteString("\n---\n\n## Commands\n\n")

	for i, cmd := range commands {
		fmt.Fprintf(&b, "### %d. %s `%s`\n\n", i+1, exitStatus(cmd.ExitCode), clip(cmd.Command, 60))
		fmt.Fprintf(&b, "- **Time:** %s\n", cmd.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "- **Directory:** `%s`\n", cmd.Cwd)
		if cmd.DurationMs != nil {
			fmt.Fprintf(&b, "- **Duration:** %dms\n", *cmd.DurationMs)
		}

		if !opts.OmitOutput && cmd.Output != "" {
			b.WriteString("\n**Output:**\n```\n")
			b.WriteString(clipBlock(cmd.Output, 2000))
			b.WriteString("\n```\n")
		}

		if cmd.ErrorOutput != "" {
			b.WriteString("\n**Error:**\n```\n")
			b.WriteString(clip(cmd.ErrorOutput, 1000))
			b.WriteString("\n```\n")
		}

		changes, err := e.db.GetFileChanges(cmd.ID)
		if err != nil {
			return "", err
		}
		if len(changes) > 0 {
			b.WriteString("\n**File Changes:**\n")
			for _, fc := range changes {
				fmt.Fprintf(&b, "- `%s` %s (%s)\n", changeIcon(fc.Kind), fc.FilePath, fc.Kind)
			}
		}

		b.WriteString("\n")
	}

	return b.String(), nil
}

// ForAgent renders a handoff package for an AI agent: context summary,
// recent activity, observed patterns, full history and recent errors.
func (e *Exporter) ForAgent(agentName string, opts Options) (string, error) {
	session, commands, err := e.fetch(opts, 50)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Agent Handoff Package for %s\n\n", agentName)
	b.WriteString("## Context Summary\n\n")
	fmt.Fprintf(&b, "This terminal session is being handed off to **%s**.\n", agentName)
	fmt.Fprintf(&b, "**Total Commands:** %d\n", len(commands))

	if len(commands) > 0 {
		errors := 0
		for _, c := range commands {
			if c.ExitCode != nil && *c.ExitCode != 0 {
				errors++
			}
		}
		fmt.Fprintf(&b, "**Successful:** %d\n", len(commands)-errors)
		fmt.Fprintf(&b, "**Errors:** %d\n", errors)
		fmt.Fprintf(&b, "**Last Directory:** `%s`\n", commands[len(commands)-1].Cwd)
	}

	if session != nil && session.AgentName != "" {
		fmt.Fprintf(&b, "**Previous Agent:** %s\n", session.AgentName)
	}

	b.WriteString("\n## What Happened\n\n")
	recent := commands
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	for i, cmd := range recent {
		status := "[X]"
		if cmd.ExitCode != nil && *cmd.ExitCode == 0 {
			status = "[OK]"
		}
		fmt.Fprintf(&b, "%d. %s `%s`\n", i+1, status, clip(cmd.Command, 80))
	}

	b.WriteString("\n## Key Observations\n\n")

	tail := commands
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	for _, c := range tail {
		if c.ExitCode != nil && *c.ExitCode != 0 {
			b.WriteString("- [!] Recent errors detected - review error outputs below\n")
			break
		}
	}

	dirs := make(map[string]struct{})
	for _, c := range commands {
		dirs[c.Cwd] = struct{}{}
	}
	if len(dirs) > 3 {
		fmt.Fprintf(&b, "- Session involved %d different directories\n", len(dirs))
	}

	var allChanges []*ledger.FileChange
	for _, cmd := range commands {
		changes, err := e.db.GetFileChanges(cmd.ID)
		if err != nil {
			return "", err
		}
		allChanges = append(allChanges, changes...)
	}
	if len(allChanges) > 0 {
		fmt.Fprintf(&b, "- %d file changes recorded\n", len(allChanges))
		counts := map[ledger.ChangeKind]int{}
		for _, fc := range allChanges {
			counts[fc.Kind]++
		}
		if n := counts[ledger.ChangeCreated]; n > 0 {
			fmt.Fprintf(&b, "  - %d files created\n", n)
		}
		if n := counts[ledger.ChangeModified]; n > 0 {
			fmt.Fprintf(&b, "  - %d files modified\n", n)
		}
		if n := counts[ledger.ChangeDeleted]; n > 0 {
			fmt.Fprintf(&b, "  - %d files deleted\n", n)
		}
	}

	b.WriteString("\n## Full Command History\n\n```\n")
	for _, cmd := range commands {
		prefix := "[OK]"
		if cmd.ExitCode != nil && *cmd.ExitCode != 0 {
			prefix = "[X]"
		}
		fmt.Fprintf(&b, "%s [%s] %s\n", prefix, cmd.Timestamp.Format("2006-01-02 15:04:05"), cmd.Command)
	}
	b.WriteString("```\n")

	b.WriteString("\n## Errors (if any)\n\n")
	var errorCmds []*ledger.Command
	for _, c := range commands {
		if c.ErrorOutput != "" {
			errorCmds = append(errorCmds, c)
		}
	}
	if len(errorCmds) > 3 {
		errorCmds = errorCmds[len(errorCmds)-3:]
	}
	if len(errorCmds) == 0 {
		b.WriteString("No errors recorded.\n")
	}
	for _, cmd := range errorCmds {
		fmt.Fprintf(&b, "**Command:** `%s`\n", clip(cmd.Command, 60))
		fmt.Fprintf(&b, "**Exit Code:** %s\n", exitCodeText(cmd.ExitCode))
		b.WriteString("```\n")
		b.WriteString(clip(cmd.ErrorOutput, 500))
		b.WriteString("\n```\n\n")
	}

	fmt.Fprintf(&b, "\n---\n*Generated by termrewind v%s at %s*\n", Version, time.Now().Format(time.RFC3339))

	return b.String(), nil
}

func exitStatus(code *int) string {
	switch {
	case code == nil:
		return "[UNKNOWN]"
	case *code == 0:
		return "[OK]"
	default:
		return fmt.Sprintf("[ERROR:%d]", *code)
	}
}

func exitCodeText(code *int) string {
	if code == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *code)
}

func changeIcon(kind ledger.ChangeKind) string {
	switch kind {
	case ledger.ChangeCreated:
		return "+"
	case ledger.ChangeModified:
		return "~"
	case ledger.ChangeDeleted:
		return "-"
	}
	return "?"
}

// clip truncates s to at most n bytes, appending an ellipsis when cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// clipBlock truncates a long output block with an explicit marker.
func clipBlock(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... [truncated]"
}
