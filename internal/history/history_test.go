package history

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenAndClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestBeginSessionAndLogHostEvent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.BeginSession("sess-1", "ssh {host}", 2); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := db.LogHostEvent("sess-1", "web1", "connected", ""); err != nil {
		t.Fatalf("LogHostEvent: %v", err)
	}
	if err := db.LogHostEvent("sess-1", "web1", "disconnected", "eof"); err != nil {
		t.Fatalf("LogHostEvent: %v", err)
	}

	events, err := db.RecentEvents("sess-1", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].EventType != "disconnected" {
		t.Errorf("most recent event = %q, want disconnected", events[0].EventType)
	}
}

func TestTallies(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if err := db.RecordCommand("sess-1", "web1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RecordLines("sess-1", "web1", 42); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordCommand("sess-1", "web2"); err != nil {
		t.Fatal(err)
	}

	tallies, err := db.SessionTallies("sess-1")
	if err != nil {
		t.Fatalf("SessionTallies: %v", err)
	}
	if len(tallies) != 2 {
		t.Fatalf("tallies = %d, want 2", len(tallies))
	}
	byHost := map[string]Tally{}
	for _, t := range tallies {
		byHost[t.Host] = t
	}
	if byHost["web1"].CommandsSent != 3 || byHost["web1"].LinesReceived != 42 {
		t.Errorf("web1 tally = %+v", byHost["web1"])
	}
	if byHost["web2"].CommandsSent != 1 {
		t.Errorf("web2 tally = %+v", byHost["web2"])
	}
}
