// cli.go
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"termrewind/internal/config"
	"termrewind/internal/export"
	"termrewind/internal/ledger"
	"termrewind/internal/recorder"
	"termrewind/internal/rollback"
)

type cli struct {
	dataDir string
	app     *App
}

// newRootCmd builds the full command tree. The app is wired lazily in the
// persistent pre-run so --data-dir is honored.
func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "termrewind",
		Short:         "Command+Z for your terminal",
		Long:          "termrewind records shell commands with their file changes and can roll the changes back.",
		Version:       export.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if c.dataDir != "" {
				cfg, err = config.LoadAt(c.dataDir)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			c.app, err = NewApp(cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app != nil {
				return c.app.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "override the data directory")

	root.AddCommand(
		c.startCmd(),
		c.endCmd(),
		c.recordCmd(),
		c.logCmd(),
		c.showCmd(),
		c.searchCmd(),
		c.sessionsCmd(),
		c.exportCmd(),
		c.undoCmd(),
		c.statsCmd(),
		c.cleanupCmd(),
	)

	return root
}

func (c *cli) startCmd() *cobra.Command {
	var name, agent string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.app.Recorder.StartSession("", name, agent)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[OK] Session started: %s\n", id)
			fmt.Fprintln(out, "Use 'termrewind log <command>' or 'termrewind record <command>' to add commands")
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "session name")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent name")
	return cmd
}

func (c *cli) endCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "End the most recent active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := c.app.DB.GetSessions(1)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 || !sessions[0].Active() {
				fmt.Fprintln(out, "[!] No active session found")
				return nil
			}
			if err := c.app.DB.EndSession(sessions[0].ID); err != nil {
				return err
			}
			fmt.Fprintf(out, "[OK] Session ended: %s\n", sessions[0].ID)
			return nil
		},
	}
}

func (c *cli) recordCmd() *cobra.Command {
	var (
		execute    bool
		trackCwd   bool
		trackFiles []string
		cwd        string
		session    string
		agent      string
	)

	cmd := &cobra.Command{
		Use:   "record <command>",
		Short: "Record a command, optionally executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if session != "" {
				c.app.Recorder.ResumeSession(session)
			} else if _, err := c.app.Recorder.StartSession("", "", agent); err != nil {
				return err
			}

			id, err := c.app.Recorder.Record(recorder.Request{
				Command:    args[0],
				Cwd:        cwd,
				TrackFiles: trackFiles,
				TrackCwd:   trackCwd,
				Execute:    execute,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[OK] Recorded command (ID: %d)\n", id)

			if execute {
				rec, err := c.app.DB.GetCommandByID(id)
				if err != nil || rec == nil {
					return err
				}
				if rec.ExitCode != nil && *rec.ExitCode == 0 {
					fmt.Fprintln(out, "[OK] Command executed successfully")
					if rec.Output != "" {
						fmt.Fprintln(out, rec.Output)
					}
				} else {
					fmt.Fprintf(out, "[X] Command failed (exit code: %s)\n", exitCodeText(rec.ExitCode))
					if rec.ErrorOutput != "" {
						fmt.Fprintln(out, rec.ErrorOutput)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&execute, "execute", "x", false, "execute the command")
	cmd.Flags().BoolVarP(&trackCwd, "track-cwd", "t", false, "track file changes under the working directory")
	cmd.Flags().StringSliceVar(&trackFiles, "track-file", nil, "track changes to a specific file (repeatable)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().StringVar(&session, "session", "", "record into an existing session")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent name for a fresh session")
	return cmd
}

func (c *cli) logCmd() *cobra.Command {
	var (
		exitCode   int
		output     string
		errOutput  string
		cwd        string
		session    string
		agent      string
		durationMs int64
	)

	cmd := &cobra.Command{
		Use:   "log <command>",
		Short: "Log an already-executed command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if session != "" {
				c.app.Recorder.ResumeSession(session)
			} else if _, err := c.app.Recorder.StartSession("", "", agent); err != nil {
				return err
			}

			id, err := c.app.Recorder.Log(args[0], exitCode, output, errOutput, cwd, durationMs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[OK] Logged command (ID: %d)\n", id)
			return nil
		},
	}

	cmd.Flags().IntVarP(&exitCode, "exit-code", "e", 0, "exit code")
	cmd.Flags().StringVarP(&output, "output", "o", "", "command output")
	cmd.Flags().StringVar(&errOutput, "error", "", "error output")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().StringVar(&session, "session", "", "log into an existing session")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent name for a fresh session")
	cmd.Flags().Int64Var(&durationMs, "duration-ms", 0, "duration in milliseconds")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	var (
		limit   int
		since   string
		session string
		errors  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show recent commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := ledger.Query{SessionID: session, ErrorsOnly: errors, Limit: limit}
			if since != "" {
				t, err := parseSince(since)
				if err != nil {
					return err
				}
				q.Since = t
			}

			commands, err := c.app.DB.QueryCommands(q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(commands) == 0 {
				fmt.Fprintln(out, "No commands found.")
				return nil
			}

			fmt.Fprintf(out, "=== Recent Commands (%d) ===\n\n", len(commands))
			for i := len(commands) - 1; i >= 0; i-- {
				rec := commands[i]
				fmt.Fprintln(out, formatCommandRow(rec, verbose))
				if verbose {
					changes, err := c.app.DB.GetFileChanges(rec.ID)
					if err != nil {
						return err
					}
					for _, fc := range changes {
						fmt.Fprintf(out, "    [%s] %s\n", changeIcon(fc.Kind), fc.FilePath)
					}
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of commands to show")
	cmd.Flags().StringVarP(&since, "since", "s", "", `show commands since (e.g. "10 minutes ago")`)
	cmd.Flags().StringVar(&session, "session", "", "filter by session ID")
	cmd.Flags().BoolVarP(&errors, "errors", "e", false, "show only failed commands")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show file changes and output snippets")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var (
		limit   int
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "search <pattern>",
		Short: "Full-text search over commands and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commands, err := c.app.DB.QueryCommands(ledger.Query{Search: args[0], Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(commands) == 0 {
				fmt.Fprintf(out, "No commands matching '%s' found.\n", args[0])
				return nil
			}

			fmt.Fprintf(out, "=== Search Results for '%s' (%d) ===\n\n", args[0], len(commands))
			for i := len(commands) - 1; i >= 0; i-- {
				rec := commands[i]
				fmt.Fprintln(out, formatCommandRow(rec, false))
				if verbose && rec.Output != "" {
					fmt.Fprintf(out, "    Output: %s\n", clip(rec.Output, 200))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max results")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show output snippets")
	return cmd
}

func (c *cli) sessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := c.app.DB.GetSessions(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}

			fmt.Fprintf(out, "=== Sessions (%d) ===\n\n", len(sessions))
			for _, s := range sessions {
				name := s.Name
				if name == "" {
					name = s.ID
				}
				ended := "[active]"
				if s.EndedAt != nil {
					ended = s.EndedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(out, "[%s] %s\n", s.ID, name)
				fmt.Fprintf(out, "    Started: %s | Ended: %s\n", s.StartedAt.Format("2006-01-02 15:04:05"), ended)
				fmt.Fprintf(out, "    Commands: %d | Errors: %d\n", s.CommandCount, s.ErrorCount)
				if s.AgentName != "" {
					fmt.Fprintf(out, "    Agent: %s\n", s.AgentName)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of sessions")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		format   string
		forAgent string
		session  string
		outFile  string
		limit    int
		noOutput bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export session history",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := export.Options{SessionID: session, Limit: limit, OmitOutput: noOutput}

			var (
				doc string
				err error
			)
			switch {
			case forAgent != "":
				doc, err = c.app.Exporter.ForAgent(forAgent, opts)
			case format == "json":
				doc, err = c.app.Exporter.JSON(opts)
			case format == "markdown":
				doc, err = c.app.Exporter.Markdown(opts)
			default:
				return fmt.Errorf("unknown export format %q", format)
			}
			if err != nil {
				return err
			}

			if outFile != "" {
				if err := os.WriteFile(outFile, []byte(doc), 0644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[OK] Exported to %s\n", outFile)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "export format: json or markdown")
	cmd.Flags().StringVar(&forAgent, "for-agent", "", "format as a handoff package for the named agent")
	cmd.Flags().StringVar(&session, "session", "", "session ID to export")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max commands")
	cmd.Flags().BoolVar(&noOutput, "no-output", false, "exclude command outputs")
	return cmd
}

func (c *cli) undoCmd() *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "undo [command-id]",
		Short: "Roll back a command's file changes (dry-run by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := rollback.Options{
				DryRun:     !apply,
				Atomic:     c.app.Config.Settings.AtomicRollback,
				ScanWindow: c.app.Config.Settings.RollbackScanWindow,
			}

			var (
				result *rollback.Result
				err    error
			)
			if len(args) == 1 {
				id, perr := strconv.ParseInt(args[0], 10, 64)
				if perr != nil {
					return fmt.Errorf("invalid command id %q", args[0])
				}
				result, err = c.app.Rollback.RollbackCommand(id, opts)
			} else {
				result, err = c.app.Rollback.RollbackLast(opts)
			}
			if err != nil {
				return err
			}

			printRollbackResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "actually perform the rollback")
	return cmd
}

func printRollbackResult(out io.Writer, result *rollback.Result) {
	if result.Success {
		if result.DryRun {
			fmt.Fprintln(out, "[DRY RUN] [OK] Rollback would be successful")
		} else {
			fmt.Fprintln(out, "[OK] Rollback successful")
		}
		fmt.Fprintln(out, "\nActions:")
		for _, action := range result.Actions {
			status := "[OK]"
			if action.Status == rollback.StatusFailed {
				status = "[X]"
			}
			fmt.Fprintf(out, "  %s %s: %s\n", status, action.Action, action.File)
		}
	} else {
		reason := result.Error
		if reason == "" {
			reason = "Unknown error"
		}
		fmt.Fprintf(out, "[X] Rollback failed: %s\n", reason)
		for _, action := range result.Actions {
			if action.Status == rollback.StatusFailed {
				fmt.Fprintf(out, "  [X] %s: %s (%s)\n", action.Action, action.File, action.Error)
			}
		}
	}

	if result.DryRun {
		fmt.Fprintln(out, "\n[!] This was a dry run. Use --apply to actually perform rollback.")
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := c.app.DB.Stats()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== termrewind Statistics ===")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Total Commands:     %d\n", stats.TotalCommands)
			fmt.Fprintf(out, "Successful:         %d\n", stats.SuccessfulCommands)
			fmt.Fprintf(out, "Failed:             %d\n", stats.FailedCommands)
			fmt.Fprintf(out, "Success Rate:       %.1f%%\n", stats.SuccessRate)
			fmt.Fprintf(out, "Total Sessions:     %d\n", stats.TotalSessions)
			fmt.Fprintf(out, "File Changes:       %d\n", stats.TotalFileChanges)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Database:           %s\n", stats.DatabasePath)
			fmt.Fprintf(out, "Database Size:      %.1f KB\n", stats.DatabaseSizeKB)
			return nil
		},
	}
}

func (c *cli) cleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				days = c.app.Config.Settings.BackupRetentionDays
			}
			removed := c.app.Backups.Cleanup(days)
			fmt.Fprintf(cmd.OutOrStdout(), "[OK] Removed %d backups older than %d days\n", removed, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention in days (defaults to config)")
	return cmd
}

// formatCommandRow renders one command for list views.
func formatCommandRow(rec *ledger.Command, showOutput bool) string {
	var status string
	switch {
	case rec.ExitCode == nil:
		status = "[?]"
	case *rec.ExitCode == 0:
		status = "[OK]"
	default:
		status = fmt.Sprintf("[X:%d]", *rec.ExitCode)
	}

	duration := ""
	if rec.DurationMs != nil {
		duration = fmt.Sprintf(" (%dms)", *rec.DurationMs)
	}

	line := fmt.Sprintf("%s [%s]%s %s", status, rec.Timestamp.Format("2006-01-02 15:04:05"), duration, clip(rec.Command, 60))
	if showOutput && rec.Output != "" {
		line += fmt.Sprintf("\n    Output: %s", clip(rec.Output, 100))
	}
	return line
}

// parseSince accepts a relative phrase like "10 minutes ago" or an
// absolute timestamp.
func parseSince(s string) (time.Time, error) {
	fields := strings.Fields(s)
	if len(fields) >= 2 {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			unit := strings.TrimSuffix(fields[1], "s")
			switch unit {
			case "minute":
				return time.Now().Add(-time.Duration(n) * time.Minute), nil
			case "hour":
				return time.Now().Add(-time.Duration(n) * time.Hour), nil
			case "day":
				return time.Now().Add(-time.Duration(n) * 24 * time.Hour), nil
			}
		}
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func exitCodeText(code *int) string {
	if code == nil {
		return "unknown"
	}
	return strconv.Itoa(*code)
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

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
