package calendar

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"weekcal/internal/model"
)

// Merge concatenates the events of all states into a freshly allocated
// slice. The result is the same multiset regardless of the order of states;
// no deduplication happens across feeds.
func Merge(states []model.FeedState) []model.Event {
	total := 0
	for _, s := range states {
		total += len(s.Events)
	}

	out := make([]model.Event, 0, total)
	for _, s := range states {
		out = append(out, s.Events...)
	}
	return out
}

// Merger memoizes Merge keyed by the revision vector of the states it was
// given. A result is recomputed only after some feed completed a refresh or
// the set of feeds changed.
type Merger struct {
	mu     sync.Mutex
	key    string
	events []model.Event
	valid  bool

	computations int
}

// Merge returns the merged event set for states. The returned slice is
// shared between callers until the next recomputation and must not be
// modified.
func (m *Merger) Merge(states []model.FeedState) []model.Event {
	key := revisionKey(states)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid && m.key == key {
		return m.events
	}

	m.events = Merge(states)
	m.key = key
	m.valid = true
	m.computations++
	return m.events
}

// Computations reports how many times the merged set was rebuilt.
func (m *Merger) Computations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computations
}

// revisionKey encodes the (feed id, revision) vector independent of order.
func revisionKey(states []model.FeedState) string {
	parts := make([]string, 0, len(states))
	for _, s := range states {
		parts = append(parts, s.FeedID+"\x00"+strconv.FormatUint(s.Revision, 10))
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x01")
}
