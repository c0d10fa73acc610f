package recorder

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCaptureOnlyWhenActive(t *testing.T) {
	r := New()
	r.Capture(1, 0x01, json.RawMessage(`{}`), json.RawMessage(`{}`), true)
	if r.Status().EntryCount != 0 {
		t.Fatal("expected no capture before Start")
	}

	if err := r.Start("s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Capture(1, 0x01, json.RawMessage(`{"a":1}`), json.RawMessage(`{"ok":true}`), true)
	if r.Status().EntryCount != 1 {
		t.Fatalf("expected 1 captured entry, got %d", r.Status().EntryCount)
	}
}

func TestStartTwiceFails(t *testing.T) {
	r := New()
	if err := r.Start("s1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Start("s2"); err == nil {
		t.Fatal("expected starting a second session while one is active to fail")
	}
}

func TestExportThenReplayDeterministicEntry(t *testing.T) {
	r := New()
	if err := r.Start("s1"); err != nil {
		t.Fatal(err)
	}
	r.Capture(1, 0x30, json.RawMessage(`{"key":"k"}`), json.RawMessage(`{"ok":true}`), true) // STORE, deterministic
	r.Stop()

	var buf bytes.Buffer
	if err := r.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	replay, err := LoadReplay(&buf)
	if err != nil {
		t.Fatalf("LoadReplay: %v", err)
	}
	entry, ok := replay.Next()
	if !ok {
		t.Fatal("expected one entry from replay")
	}
	if !Verify(entry, json.RawMessage(`{"ok": true}`)) {
		t.Fatal("expected whitespace-different but equivalent JSON to verify as identical")
	}
	if Verify(entry, json.RawMessage(`{"ok":false}`)) {
		t.Fatal("expected a differing reply to fail verification")
	}
}

func TestNonDeterministicEntryAlwaysVerifies(t *testing.T) {
	r := New()
	if err := r.Start("s1"); err != nil {
		t.Fatal(err)
	}
	r.Capture(1, 0x50, json.RawMessage(`{}`), json.RawMessage(`{"status_code":200}`), true) // HTTP
	r.Stop()

	var buf bytes.Buffer
	if err := r.Export(&buf); err != nil {
		t.Fatal(err)
	}
	replay, err := LoadReplay(&buf)
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := replay.Next()
	if entry.Deterministic {
		t.Fatal("expected HTTP opcode to be flagged non-deterministic")
	}
	if !Verify(entry, json.RawMessage(`{"status_code":500}`)) {
		t.Fatal("expected a non-deterministic entry to verify regardless of the actual reply")
	}
}
