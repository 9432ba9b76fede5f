package homeassistant

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEntityFilter_Empty(t *testing.T) {
	f := NewEntityFilter(nil, nil)
	if !f.Match("sensor.anything") {
		t.Error("empty filter should match everything")
	}
}

func TestEntityFilter_Literal(t *testing.T) {
	f := NewEntityFilter([]string{"sensor.temp", "light.kitchen"}, nil)

	if !f.Match("sensor.temp") {
		t.Error("literal entity should match itself")
	}
	if f.Match("sensor.humidity") {
		t.Error("unlisted entity should not match")
	}
}

func TestEntityFilter_Glob(t *testing.T) {
	f := NewEntityFilter([]string{"binary_sensor.*door*"}, nil)

	if !f.Match("binary_sensor.front_door") {
		t.Error("glob should match front door")
	}
	if f.Match("binary_sensor.motion") {
		t.Error("glob should not match motion")
	}
}

func TestEntityRateLimiter_Disabled(t *testing.T) {
	r := NewEntityRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !r.Allow("sensor.x") {
			t.Fatal("disabled limiter should always allow")
		}
	}
}

func TestEntityRateLimiter_Limits(t *testing.T) {
	r := NewEntityRateLimiter(3)

	for i := 0; i < 3; i++ {
		if !r.Allow("sensor.x") {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if r.Allow("sensor.x") {
		t.Error("fourth event within window should be limited")
	}
	// Other entities are unaffected.
	if !r.Allow("sensor.y") {
		t.Error("separate entity should be allowed")
	}
}

func makeStateChanged(t *testing.T, entityID, oldState, newState string) Event {
	t.Helper()
	var old *State
	if oldState != "" {
		old = &State{EntityID: entityID, State: oldState}
	}
	data, err := json.Marshal(StateChangedData{
		EntityID: entityID,
		OldState: old,
		NewState: &State{EntityID: entityID, State: newState},
	})
	if err != nil {
		t.Fatal(err)
	}
	return Event{
		Type:      "state_changed",
		Data:      data,
		TimeFired: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStateWatcher_Dispatch(t *testing.T) {
	events := make(chan Event, 10)

	type change struct {
		entityID, oldState, newState string
		when                         time.Time
	}
	var got []change
	done := make(chan struct{})

	handler := func(entityID, oldState, newState string, when time.Time) {
		got = append(got, change{entityID, oldState, newState, when})
		close(done)
	}

	w := NewStateWatcher(events, NewEntityFilter([]string{"sensor.temp"}, nil), nil, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// A non-matching entity, a non-state_changed event, then a match.
	events <- makeStateChanged(t, "sensor.other", "1", "2")
	events <- Event{Type: "call_service"}
	events <- makeStateChanged(t, "sensor.temp", "20", "21")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}

	if len(got) != 1 {
		t.Fatalf("got %d changes, want 1", len(got))
	}
	if got[0].entityID != "sensor.temp" || got[0].oldState != "20" || got[0].newState != "21" {
		t.Errorf("change = %+v", got[0])
	}
	if got[0].when.IsZero() {
		t.Error("timestamp should come from the event")
	}
}

func TestStateWatcher_SkipsRemovals(t *testing.T) {
	events := make(chan Event, 1)
	called := false
	handler := func(entityID, oldState, newState string, when time.Time) {
		called = true
	}

	w := NewStateWatcher(events, nil, nil, handler, nil)

	// NewState nil means the entity was removed.
	data, _ := json.Marshal(StateChangedData{
		EntityID: "sensor.gone",
		OldState: &State{State: "1"},
		NewState: nil,
	})
	w.handleEvent(Event{Type: "state_changed", Data: data})

	if called {
		t.Error("removal events should not reach the handler")
	}
}
