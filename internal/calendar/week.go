package calendar

import (
	"sort"
	"time"

	"weekcal/internal/model"
)

const (
	// WorkDays is the number of day buckets in a week view (Mon–Fri).
	WorkDays = 5

	dayKeyLayout = "2006-01-02"
)

// Window is a Monday-aligned five-day range in one location.
//
// Start is Monday 00:00 local; End is Friday 23:59:59.999 local.
type Window struct {
	Start time.Time
	End   time.Time
	Keys  []string

	loc *time.Location
}

// Week is the grouped output handed to the view layer.
type Week struct {
	Keys  []string  `json:"keys"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Events are all events intersecting the window, sorted by start.
	Events []model.Event `json:"events"`

	// Days maps every key to the events starting on that local date.
	// All keys are present, possibly with empty lists.
	Days map[string][]model.Event `json:"days"`
}

// StartOfWeek returns Monday 00:00 of t's week in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, loc)
}

// DayKey formats the local calendar date of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayKeyLayout)
}

// NewWindow builds the window of the week containing weekStart. Any instant
// inside the week works; it is aligned to Monday first.
func NewWindow(weekStart time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	start := StartOfWeek(weekStart, loc)

	keys := make([]string, WorkDays)
	for i := range keys {
		keys[i] = time.Date(start.Year(), start.Month(), start.Day()+i, 0, 0, 0, 0, loc).Format(dayKeyLayout)
	}

	last := time.Date(start.Year(), start.Month(), start.Day()+WorkDays-1, 0, 0, 0, 0, loc)
	end := time.Date(last.Year(), last.Month(), last.Day(), 23, 59, 59, int(999*time.Millisecond), loc)

	return Window{Start: start, End: end, Keys: keys, loc: loc}
}

// Location is the timezone the window's dates are computed in.
func (w Window) Location() *time.Location {
	return w.loc
}

// Intersects reports whether ev overlaps the window. Both bounds are
// exclusive: an event ending exactly at Start or starting exactly at End is
// outside.
func (w Window) Intersects(ev model.Event) bool {
	return ev.End.After(w.Start) && ev.Start.Before(w.End)
}

// Filter returns the events intersecting w, stably sorted by start.
func Filter(events []model.Event, w Window) []model.Event {
	out := make([]model.Event, 0)
	for _, ev := range events {
		if w.Intersects(ev) {
			out = append(out, ev)
		}
	}
	sortByStart(out)
	return out
}

// Group buckets events by the local date of their start. Events starting
// outside the window's dates are left out of every bucket; a multi-day
// event appears only on its start date.
func Group(events []model.Event, w Window) map[string][]model.Event {
	days := make(map[string][]model.Event, len(w.Keys))
	for _, k := range w.Keys {
		days[k] = make([]model.Event, 0)
	}

	for _, ev := range events {
		key := DayKey(ev.Start, w.loc)
		if bucket, ok := days[key]; ok {
			days[key] = append(bucket, ev)
		}
	}

	for k := range days {
		sortByStart(days[k])
	}
	return days
}

// FilterAndGroup is Filter followed by Group.
func FilterAndGroup(events []model.Event, w Window) ([]model.Event, map[string][]model.Event) {
	filtered := Filter(events, w)
	return filtered, Group(filtered, w)
}

// Build produces the week view for the week containing weekStart.
func Build(events []model.Event, weekStart time.Time, loc *time.Location) Week {
	w := NewWindow(weekStart, loc)
	filtered, days := FilterAndGroup(events, w)
	return Week{
		Keys:   w.Keys,
		Start:  w.Start,
		End:    w.End,
		Events: filtered,
		Days:   days,
	}
}

func sortByStart(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
}
