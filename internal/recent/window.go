// Package recent maintains a rolling window of live Home Assistant
// state changes fed by the WebSocket event stream. The window uses a
// circular buffer with dual eviction: count-based (buffer capacity) and
// age-based (configurable max age applied at read time). It serves as
// the recent-events fallback when recorder history is unavailable.
package recent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fernwake/insightd/internal/history"
)

// entry records a single state transition observed from the event stream.
type entry struct {
	entityID  string
	state     string
	timestamp time.Time
}

// Window maintains a rolling buffer of recent state changes. It is safe
// for concurrent use: HandleStateChange writes under a write lock while
// Events reads under a read lock.
type Window struct {
	mu      sync.RWMutex
	entries []entry // circular buffer, pre-allocated
	head    int     // next write position
	count   int     // entries currently stored (≤ len(entries))
	maxAge  time.Duration
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewWindow creates a live state window with the given buffer capacity
// and maximum entry age. Entries older than maxAge are filtered out at
// read time in Events.
func NewWindow(maxEntries int, maxAge time.Duration, logger *slog.Logger) *Window {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if maxAge <= 0 {
		maxAge = 6 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{
		entries: make([]entry, maxEntries),
		maxAge:  maxAge,
		nowFunc: time.Now,
		logger:  logger,
	}
}

// HandleStateChange records a state transition in the circular buffer.
// It matches the homeassistant.StateWatchHandler function signature and
// can be composed directly into the state watcher handler chain.
func (w *Window) HandleStateChange(entityID, oldState, newState string, when time.Time) {
	if when.IsZero() {
		when = w.nowFunc()
	}

	w.mu.Lock()
	w.entries[w.head] = entry{
		entityID:  entityID,
		state:     newState,
		timestamp: when,
	}
	w.head = (w.head + 1) % len(w.entries)
	if w.count < len(w.entries) {
		w.count++
	}
	w.mu.Unlock()
}

// Events returns the buffered state changes for one entity since the
// given time, ordered oldest first. Entries older than maxAge are
// excluded regardless of since. Implements history.Fallback.
func (w *Window) Events(entityID string, since time.Time) []history.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.count == 0 {
		return nil
	}

	cutoff := w.nowFunc().Add(-w.maxAge)
	if since.After(cutoff) {
		cutoff = since
	}
	bufLen := len(w.entries)

	// Walk the buffer oldest-first. The oldest entry sits at head when
	// the buffer is full, otherwise at index 0.
	start := 0
	if w.count == bufLen {
		start = w.head
	}

	var events []history.Event
	for i := 0; i < w.count; i++ {
		e := w.entries[(start+i)%bufLen]
		if e.entityID != entityID {
			continue
		}
		if e.timestamp.Before(cutoff) {
			continue
		}
		events = append(events, history.Event{State: e.state, When: e.timestamp})
	}

	return events
}
