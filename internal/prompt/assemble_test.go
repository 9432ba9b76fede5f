package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAssemble_SubstitutesPlaceholders(t *testing.T) {
	a := NewAssembler("stats={long_term_stats} recent={recent_events} schema={action_schema}", 0, "", nil)

	got := a.Assemble(`{"sensor.temp":[1]}`, `[{"s":"on"}]`, `[{"domain":"light"}]`)
	want := `stats={"sensor.temp":[1]} recent=[{"s":"on"}] schema=[{"domain":"light"}]`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAssemble_DefaultTemplate(t *testing.T) {
	a := NewAssembler("", 0, "", nil)

	got := a.Assemble("STATS", "RECENT", "SCHEMA")
	for _, want := range []string{"STATS", "RECENT", "SCHEMA"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in assembled prompt", want)
		}
	}
	for _, ph := range []string{PlaceholderStats, PlaceholderRecent, PlaceholderActions} {
		if strings.Contains(got, ph) {
			t.Errorf("unsubstituted placeholder %q remains", ph)
		}
	}
}

func TestAssemble_RepeatedPlaceholder(t *testing.T) {
	a := NewAssembler("{long_term_stats} and again {long_term_stats}", 0, "", nil)

	got := a.Assemble("X", "", "")
	if got != "X and again X" {
		t.Errorf("got %q", got)
	}
}

func TestAssemble_OversizeIsNotTruncated(t *testing.T) {
	a := NewAssembler("{long_term_stats}", 10, "", nil)

	big := strings.Repeat("x", 100)
	got := a.Assemble(big, "", "")
	if len(got) != 100 {
		t.Errorf("oversized prompt was modified: len = %d", len(got))
	}
}

func TestAssemble_DumpsToDir(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler("{long_term_stats}", 0, dir, nil)
	a.nowFunc = func() time.Time {
		return time.Date(2025, 7, 2, 12, 30, 45, 0, time.UTC)
	}

	a.Assemble("payload", "", "")

	data, err := os.ReadFile(filepath.Join(dir, "prompt-20250702-123045.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("dumped %q", data)
	}
}
