package log

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"villagesim.ai/internal/sim/village"
)

func TestAuditLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	want := []village.AuditEntry{
		{Tick: 3, IssuedTick: 1, AgentID: "ada", Outcome: village.OutcomeAccepted, Action: "farm", Target: "4,0"},
		{Tick: 5, IssuedTick: 2, AgentID: "bo", Outcome: village.OutcomeBlocked, Code: "E_POLICY_BLOCKED"},
	}
	for _, e := range want {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("WriteAudit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadAudit(dir)
	if err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if len(got) != 2 || got[0].AgentID != "ada" || got[1].Outcome != village.OutcomeBlocked {
		t.Fatalf("got %+v", got)
	}
}

func TestTickLoggerAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for tick := uint64(1); tick <= 2; tick++ {
		l := NewTickLogger(dir)
		if err := l.WriteTick(village.TickLogEntry{Tick: tick, Digest: "abc"}); err != nil {
			t.Fatal(err)
		}
		if err := l.Close(); err != nil {
			t.Fatal(err)
		}
	}
	files, err := Files(filepath.Join(dir, "events"), "events")
	if err != nil || len(files) == 0 {
		t.Fatalf("files %v err %v", files, err)
	}
	var ticks []uint64
	for _, f := range files {
		err = ReadFile(f, func(line []byte) error {
			var e village.TickLogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			ticks = append(ticks, e.Tick)
			return nil
		})
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
	}
	if len(ticks) != 2 || ticks[0] != 1 || ticks[1] != 2 {
		t.Fatalf("ticks %v", ticks)
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	if err := w.Write(map[string]int{"tick": 1}); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"tick": 2}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	files, err := Files(dir, "events")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "events-2026-03-01-10.jsonl.zst" {
		t.Fatalf("files: %v", files)
	}
}
