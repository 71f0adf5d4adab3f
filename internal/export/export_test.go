// internal/export/export_test.go
package export

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"termrewind/internal/ledger"
)

func seedHistory(t *testing.T) (*Exporter, *ledger.DB) {
	t.Helper()

	db, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.StartSession(&ledger.Session{ID: "s1", Name: "deploy", AgentName: "claude"}); err != nil {
		t.Fatal(err)
	}

	ok, bad := 0, 2
	first, err := db.RecordCommand(&ledger.Command{
		SessionID: "s1", Command: "make build", Cwd: "/srv/app", ExitCode: &ok,
		Output: "build passed",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.RecordCommand(&ledger.Command{
		SessionID: "s1", Command: "make deploy", Cwd: "/srv/app", ExitCode: &bad,
		ErrorOutput: "connection refused",
	})
	if err != nil {
		t.Fatal(err)
	}

	err = db.RecordFileChange(&ledger.FileChange{
		CommandID: first, FilePath: "/srv/app/bin/app", Kind: ledger.ChangeCreated,
	})
	if err != nil {
		t.Fatal(err)
	}

	return New(db), db
}

func TestJSON_Structure(t *testing.T) {
	e, _ := seedHistory(t)

	out, err := e.JSON(Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("JSON export failed: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("Export is not valid JSON: %v", err)
	}

	if doc["export_version"] != Version {
		t.Errorf("Unexpected export version %v", doc["export_version"])
	}
	commands, ok := doc["commands"].([]interface{})
	if !ok || len(commands) != 2 {
		t.Fatalf("Expected 2 commands, got %v", doc["commands"])
	}

	// Chronological order: oldest first
	firstCmd := commands[0].(map[string]interface{})
	if firstCmd["command"] != "make build" {
		t.Errorf("Expected oldest command first, got %v", firstCmd["command"])
	}
	changes, ok := firstCmd["file_changes"].([]interface{})
	if !ok || len(changes) != 1 {
		t.Errorf("Expected attached file changes, got %v", firstCmd["file_changes"])
	}

	if _, ok := doc["stats"].(map[string]interface{}); !ok {
		t.Error("Expected stats in export")
	}
}

func TestJSON_OmitOutput(t *testing.T) {
	e, _ := seedHistory(t)

	out, err := e.JSON(Options{SessionID: "s1", OmitOutput: true})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "build passed") {
		t.Error("Expected outputs to be omitted")
	}
	if !strings.Contains(out, "[output omitted]") {
		t.Error("Expected omission placeholder")
	}
}

func TestMarkdown_Rendering(t *testing.T) {
	e, _ := seedHistory(t)

	out, err := e.Markdown(Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Markdown export failed: %v", err)
	}

	for _, want := range []string{
		"# Terminal Session Export",
		"**Session:** deploy",
		"**Agent:** claude",
		"### 1. [OK] `make build`",
		"### 2. [ERROR:2] `make deploy`",
		"build passed",
		"connection refused",
		"`+` /srv/app/bin/app (created)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected markdown to contain %q", want)
		}
	}
}

func TestMarkdown_TruncatesLongOutput(t *testing.T) {
	e, db := seedHistory(t)

	ok := 0
	_, err := db.RecordCommand(&ledger.Command{
		SessionID: "s1", Command: "cat big.log", Cwd: "/srv/app", ExitCode: &ok,
		Output: strings.Repeat("z", 3000),
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.Markdown(Options{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "... [truncated]") {
		t.Error("Expected long output to be truncated")
	}
	if strings.Contains(out, strings.Repeat("z", 2001)) {
		t.Error("Expected output capped at 2000 bytes")
	}
}

func TestForAgent_Handoff(t *testing.T) {
	e, _ := seedHistory(t)

	out, err := e.ForAgent("CLIO", Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Agent export failed: %v", err)
	}

	for _, want := range []string{
		"# Agent Handoff Package for CLIO",
		"**Total Commands:** 2",
		"**Successful:** 1",
		"**Errors:** 1",
		"**Last Directory:** `/srv/app`",
		"**Previous Agent:** claude",
		"[!] Recent errors detected",
		"1 file changes recorded",
		"1 files created",
		"## Full Command History",
		"connection refused",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected handoff to contain %q", want)
		}
	}
}

func TestForAgent_NoErrors(t *testing.T) {
	db, err := ledger.Open(filepath.Join(t.TempDir(), "clean.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.StartSession(&ledger.Session{ID: "s2"}); err != nil {
		t.Fatal(err)
	}
	ok := 0
	if _, err := db.RecordCommand(&ledger.Command{SessionID: "s2", Command: "ls", Cwd: "/", ExitCode: &ok}); err != nil {
		t.Fatal(err)
	}

	out, err := New(db).ForAgent("CLIO", Options{SessionID: "s2"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No errors recorded.") {
		t.Error("Expected explicit no-errors note")
	}
}
