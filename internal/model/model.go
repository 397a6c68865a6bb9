package model

import "time"

// Event is a single concrete occurrence after parsing and recurrence
// expansion. Events are value objects: they are rebuilt on every parse and
// never mutated afterwards.
type Event struct {
	// ID is stable across refetches of the same feed state and distinct per
	// occurrence of a recurring series.
	ID  string `json:"id"`
	UID string `json:"uid"`

	Title    string `json:"title"`
	Location string `json:"location,omitempty"`

	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day"`

	// Recurring is true when the event was produced by rule expansion.
	Recurring bool `json:"recurring,omitempty"`

	FeedID   string `json:"feed_id"`
	FeedName string `json:"feed_name"`
	Color    string `json:"color"`
}

// FeedState is the per-feed view owned by exactly one aggregator. Readers
// only ever see copies.
type FeedState struct {
	FeedID string
	Name   string
	Color  string

	// Events is the last successfully parsed event list. It survives failed
	// refreshes (stale-but-present).
	Events []Event

	// Err is the outcome of the most recent refresh; nil on success.
	Err error

	// Revision is bumped on every completed refresh, successful or not.
	Revision uint64

	LastAttempt time.Time
	LastSuccess time.Time
}

// Clone returns a copy whose Events slice is not shared with s.
func (s FeedState) Clone() FeedState {
	out := s
	if s.Events != nil {
		out.Events = make([]Event, len(s.Events))
		copy(out.Events, s.Events)
	}
	return out
}

// Snapshot is the persisted form of a feed's last successful refresh.
type Snapshot struct {
	FeedID    string    `json:"feed_id" db:"feed_id"`
	Events    []Event   `json:"events" db:"-"`
	FetchedAt time.Time `json:"fetched_at" db:"fetched_at"`
}

// FeedUpdate describes one completed refresh of one feed. It is what change
// notifications carry.
type FeedUpdate struct {
	FeedID     string    `json:"feed_id"`
	Revision   uint64    `json:"revision"`
	EventCount int       `json:"event_count"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
