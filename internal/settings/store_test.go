package settings

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	logx "moyubot/pkg/logx"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	return New(path, logx.Nop()), path
}

func TestLoadMissingFileCreatesIt(t *testing.T) {
	s, path := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected settings file to be created: %v", err)
	}
	if got := s.Times(); len(got) != 0 {
		t.Fatalf("expected empty store, got %v", got)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	s, path := newTestStore(t)
	if err := os.WriteFile(path, []byte("   \n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Times(); len(got) != 0 {
		t.Fatalf("expected empty store, got %v", got)
	}
}

func TestLoadCorruptFileBacksUpAndResets(t *testing.T) {
	s, path := newTestStore(t)
	if err := os.WriteFile(path, []byte("- just\n- a\n- list\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load should report success on recoverable corruption: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("expected .bak backup: %v", err)
	}
	if got := s.Times(); len(got) != 0 {
		t.Fatalf("expected empty store after reset, got %v", got)
	}
}

func TestLoadTolerantParsing(t *testing.T) {
	s, path := newTestStore(t)
	raw := strings.Join([]string{
		`"chat:1":`,
		`  custom_time: "09:30"`,
		`  trigger_word: fish`,
		`"chat:2": not-a-mapping`,
		`"chat:3":`,
		`  trigger_word: only-legacy`,
		``,
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if tm, ok := s.Time("chat:1"); !ok || tm != "09:30" {
		t.Fatalf("chat:1 time = %q, %v", tm, ok)
	}
	// Unknown sibling keys are kept on entries that have a custom_time.
	snap := s.Snapshot()
	if snap["chat:1"]["trigger_word"] != "fish" {
		t.Fatalf("sibling key not round-tripped: %v", snap["chat:1"])
	}
	// Non-mapping entries and legacy-only entries are dropped.
	if _, ok := snap["chat:2"]; ok {
		t.Fatal("non-mapping entry should be skipped")
	}
	if _, ok := snap["chat:3"]; ok {
		t.Fatal("entry without custom_time should be dropped")
	}
}

func TestSaveLoadRoundTripPreservesOrder(t *testing.T) {
	s, path := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	want := []TimeEntry{
		{Chat: "chat:9", Time: "23:59"},
		{Chat: "chat:1", Time: "09:00"},
		{Chat: "chat:5", Time: "12:30"},
	}
	for _, e := range want {
		if err := s.SetTime(e.Chat, e.Time); err != nil {
			t.Fatalf("SetTime(%s): %v", e.Chat, err)
		}
	}

	reloaded := New(path, logx.Nop())
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Times(); !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestClearTimeIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.ClearTime("chat:1"); err != nil {
			t.Fatalf("ClearTime #%d: %v", i+1, err)
		}
	}
	if _, ok := s.Snapshot()["chat:1"]; ok {
		t.Fatal("ClearTime must never create an entry")
	}
}

func TestClearTimePrunesEmptyEntry(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTime("chat:1", "09:00"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearTime("chat:1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Snapshot()["chat:1"]; ok {
		t.Fatal("empty entry should be pruned")
	}
}

func TestRollbackOnFailedSave(t *testing.T) {
	s, path := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTime("chat:1", "09:00"); err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot()

	// Force save failures by replacing the settings path with a directory.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := s.SetTime("chat:2", "10:00"); err == nil {
		t.Fatal("expected SetTime to fail")
	}
	if err := s.SetTime("chat:1", "11:11"); err == nil {
		t.Fatal("expected SetTime to fail")
	}
	if err := s.ClearTime("chat:1"); err == nil {
		t.Fatal("expected ClearTime to fail")
	}

	if got := s.Snapshot(); !reflect.DeepEqual(got, before) {
		t.Fatalf("state changed despite failed saves:\n got %v\nwant %v", got, before)
	}
	if tm, ok := s.Time("chat:1"); !ok || tm != "09:00" {
		t.Fatalf("chat:1 = %q, %v after rollback", tm, ok)
	}
}

func TestNormalizeTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "09:30", want: "09:30", ok: true},
		{in: "0930", want: "09:30", ok: true},
		{in: "9:5", want: "09:05", ok: true},
		{in: "23:59", want: "23:59", ok: true},
		{in: "0000", want: "00:00", ok: true},
		{in: "25:00", ok: false},
		{in: "12:60", ok: false},
		{in: "999", ok: false},
		{in: "ab:cd", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		got, err := NormalizeTime(tt.in)
		if tt.ok {
			if err != nil {
				t.Fatalf("NormalizeTime(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeTime(%q) = %q, want %q", tt.in, got, tt.want)
			}
			continue
		}
		if err == nil {
			t.Fatalf("NormalizeTime(%q) should fail, got %q", tt.in, got)
		}
	}
}
