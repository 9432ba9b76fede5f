package insights

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/fernwake/insightd/internal/gemini"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_SaveAndLast(t *testing.T) {
	s := newTestStore(t)

	when := time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	r := Result{
		CycleID:  "cycle-1",
		When:     when,
		Status:   StatusSuccess,
		Insights: "All quiet.",
		Alerts:   "No alerts.",
		Actions:  "light.turn_off (0.92) executed",
		Raw:      `{"insights":"All quiet."}`,
		Outcomes: []ActionOutcome{
			{
				ProposedAction: gemini.ProposedAction{
					Domain: "light", Service: "turn_off",
					ServiceData: `{"entity_id":"light.porch"}`,
					Confidence:  0.92,
				},
				Executed: true,
			},
			{
				ProposedAction: gemini.ProposedAction{
					Domain: "climate", Service: "set_temperature", Confidence: 0.4,
				},
				Reason: "confidence 0.40 below threshold 0.70",
			},
		},
	}
	if err := s.Save(r); err != nil {
		t.Fatal(err)
	}

	got, err := s.Last()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a result")
	}
	if got.CycleID != "cycle-1" || got.Status != StatusSuccess {
		t.Errorf("result = %+v", got)
	}
	if got.Insights != "All quiet." {
		t.Errorf("insights = %q", got.Insights)
	}
	if len(got.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(got.Outcomes))
	}
	if !got.Outcomes[0].Executed || got.Outcomes[1].Executed {
		t.Errorf("outcomes = %+v", got.Outcomes)
	}
	if got.Outcomes[1].Reason == "" {
		t.Error("skip reason not persisted")
	}
}

func TestStore_LastEmpty(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Last()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestStore_LastPicksNewest(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		r := Failure(id, base.Add(time.Duration(i)*time.Hour), errors.New("boom"))
		if err := s.Save(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Last()
	if err != nil {
		t.Fatal(err)
	}
	if got.CycleID != "c" {
		t.Errorf("cycle = %q, want c", got.CycleID)
	}
	if got.Status != StatusError || got.Err != "boom" {
		t.Errorf("result = %+v", got)
	}
}

func TestStore_Prune(t *testing.T) {
	s := newTestStore(t)

	old := Result{CycleID: "old", When: time.Now().Add(-48 * time.Hour), Status: StatusSuccess,
		Insights: "i", Alerts: "a", Actions: "n", Raw: "r",
		Outcomes: []ActionOutcome{{ProposedAction: gemini.ProposedAction{Domain: "light", Service: "toggle", Confidence: 0.9}}}}
	fresh := Result{CycleID: "fresh", When: time.Now(), Status: StatusSuccess,
		Insights: "i", Alerts: "a", Actions: "n", Raw: "r"}
	for _, r := range []Result{old, fresh} {
		if err := s.Save(r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	got, err := s.Last()
	if err != nil {
		t.Fatal(err)
	}
	if got.CycleID != "fresh" {
		t.Errorf("cycle = %q", got.CycleID)
	}

	// Orphaned action rows must go with their cycle.
	if acts, err := s.actions("old"); err != nil || len(acts) != 0 {
		t.Errorf("actions = %v, err = %v", acts, err)
	}
}
