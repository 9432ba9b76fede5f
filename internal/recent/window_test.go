package recent

import (
	"sync"
	"testing"
	"time"
)

// fixedClock returns a nowFunc that returns a fixed time.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// advancingClock returns a nowFunc that advances by step on each call,
// starting from start.
func advancingClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := current
		current = current.Add(step)
		return t
	}
}

func TestWindow_Empty(t *testing.T) {
	w := NewWindow(10, 6*time.Hour, nil)

	if got := w.Events("sensor.temp", time.Time{}); len(got) != 0 {
		t.Errorf("expected no events, got %d", len(got))
	}
}

func TestWindow_FiltersByEntity(t *testing.T) {
	now := time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	w := NewWindow(10, 6*time.Hour, nil)
	w.nowFunc = fixedClock(now)

	w.HandleStateChange("sensor.temp", "20", "21", now.Add(-time.Hour))
	w.HandleStateChange("light.kitchen", "off", "on", now.Add(-30*time.Minute))
	w.HandleStateChange("sensor.temp", "21", "22", now.Add(-10*time.Minute))

	got := w.Events("sensor.temp", time.Time{})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].State != "21" || got[1].State != "22" {
		t.Errorf("events not oldest-first: %+v", got)
	}
}

func TestWindow_AgeEviction(t *testing.T) {
	now := time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	w := NewWindow(10, time.Hour, nil)
	w.nowFunc = fixedClock(now)

	w.HandleStateChange("sensor.temp", "1", "2", now.Add(-2*time.Hour))
	w.HandleStateChange("sensor.temp", "2", "3", now.Add(-30*time.Minute))

	got := w.Events("sensor.temp", time.Time{})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (old entry aged out)", len(got))
	}
	if got[0].State != "3" {
		t.Errorf("state = %q", got[0].State)
	}
}

func TestWindow_SinceFilter(t *testing.T) {
	now := time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	w := NewWindow(10, 6*time.Hour, nil)
	w.nowFunc = fixedClock(now)

	w.HandleStateChange("sensor.temp", "1", "2", now.Add(-3*time.Hour))
	w.HandleStateChange("sensor.temp", "2", "3", now.Add(-time.Hour))

	got := w.Events("sensor.temp", now.Add(-90*time.Minute))
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].State != "3" {
		t.Errorf("state = %q", got[0].State)
	}
}

func TestWindow_CircularEviction(t *testing.T) {
	now := time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	w := NewWindow(3, 6*time.Hour, nil)
	clock := advancingClock(now, time.Minute)
	w.nowFunc = clock

	// Five writes into a 3-slot buffer; the first two are evicted.
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		w.HandleStateChange("sensor.temp", "", s, time.Time{})
	}

	got := w.Events("sensor.temp", time.Time{})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"3", "4", "5"}
	for i, ev := range got {
		if ev.State != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.State, want[i])
		}
	}
}

func TestWindow_ZeroTimestampUsesClock(t *testing.T) {
	now := time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	w := NewWindow(10, 6*time.Hour, nil)
	w.nowFunc = fixedClock(now)

	w.HandleStateChange("sensor.temp", "1", "2", time.Time{})

	got := w.Events("sensor.temp", time.Time{})
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	if !got[0].When.Equal(now) {
		t.Errorf("when = %v, want %v", got[0].When, now)
	}
}
