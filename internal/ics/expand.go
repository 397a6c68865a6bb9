package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"weekcal/internal/model"
)

const (
	DefaultPastDays       = 7
	DefaultFutureDays     = 90
	DefaultMaxOccurrences = 500

	// maxScan bounds how many occurrences before the window a walk may skip.
	// A minutely rule anchored years back would otherwise spin for a long time.
	maxScan = 100000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone floating values are read in and to
	// which all occurrences are converted. If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive window for recurring
	// occurrences. Non-recurring events are not filtered by it.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrences caps emitted occurrences per series. Zero means
	// DefaultMaxOccurrences.
	MaxOccurrences int
}

// WindowAround returns the expansion window [now-pastDays, now+futureDays].
func WindowAround(now time.Time, pastDays, futureDays, maxOccurrences int, loc *time.Location) ExpandConfig {
	if pastDays <= 0 {
		pastDays = DefaultPastDays
	}
	if futureDays <= 0 {
		futureDays = DefaultFutureDays
	}
	return ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      now.AddDate(0, 0, -pastDays),
		RangeEnd:        now.AddDate(0, 0, futureDays),
		MaxOccurrences:  maxOccurrences,
	}.withDefaults()
}

func (c ExpandConfig) withDefaults() ExpandConfig {
	if c.DisplayLocation == nil {
		c.DisplayLocation = time.Local
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = DefaultMaxOccurrences
	}
	if c.RangeStart.IsZero() && c.RangeEnd.IsZero() {
		now := time.Now()
		c.RangeStart = now.AddDate(0, 0, -DefaultPastDays)
		c.RangeEnd = now.AddDate(0, 0, DefaultFutureDays)
	}
	return c
}

// expandEvent turns one parsed record into its concrete occurrences. The
// bool result reports whether the series hit the occurrence cap.
func expandEvent(ev ParsedEvent, feed Feed, cfg ExpandConfig) ([]model.Event, bool, error) {
	if !ev.Recurring() {
		return []model.Event{makeEvent(ev, feed, ev.Start, ev.End, false, cfg.DisplayLocation)}, false, nil
	}
	return expandRecurring(ev, feed, cfg)
}

func expandRecurring(ev ParsedEvent, feed Feed, cfg ExpandConfig) (out []model.Event, hitCap bool, err error) {
	// rrule-go panics on a few pathological rules (e.g. BYSETPOS out of range
	// on some versions); confine that to the one event.
	defer func() {
		if r := recover(); r != nil {
			out, hitCap = nil, false
			err = fmt.Errorf("recurrence expansion: %v", r)
		}
	}()

	set, err := buildSet(ev, cfg.RangeStart)
	if err != nil {
		return nil, false, err
	}

	out = make([]model.Event, 0)
	next := set.Iterator()
	scanned := 0

	for {
		occStart, ok := next()
		if !ok {
			break
		}
		if occStart.After(cfg.RangeEnd) {
			break
		}
		if occStart.Before(cfg.RangeStart) {
			scanned++
			if scanned > maxScan {
				return out, false, errors.New("recurrence scan limit reached before window")
			}
			continue
		}
		if len(out) >= cfg.MaxOccurrences {
			hitCap = true
			break
		}

		out = append(out, makeEvent(ev, feed, occStart, occurrenceEnd(ev, occStart), true, cfg.DisplayLocation))
	}

	return out, hitCap, nil
}

func buildSet(ev ParsedEvent, rangeStart time.Time) (*rrule.Set, error) {
	set := &rrule.Set{}

	if ev.RawRRule != "" {
		opt, err := rrule.StrToROptionInLocation(ev.RawRRule, ev.Start.Location())
		if err != nil {
			return nil, fmt.Errorf("RRULE %q: %w", ev.RawRRule, err)
		}
		opt.Dtstart = ev.Start
		if opt.Count == 0 {
			opt.Dtstart = rebase(ev.Start, opt.Freq, opt.Interval, rangeStart)
		}
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("RRULE %q: %w", ev.RawRRule, err)
		}
		set.RRule(r)
	} else {
		// RDATE-only series still occur at DTSTART.
		set.RDate(ev.Start)
	}

	for _, t := range ev.RDates {
		set.RDate(t)
	}
	for _, t := range ev.ExDates {
		set.ExDate(t)
	}
	return set, nil
}

// rebase moves the anchor of a sub-daily rule forward by whole intervals to
// just before rangeStart, so the walk to the window stays short. The
// occurrence grid is unchanged. Steps are counted in wall-clock time, as
// the rule itself is. Rules with COUNT must keep their anchor.
func rebase(dtstart time.Time, freq rrule.Frequency, interval int, rangeStart time.Time) time.Time {
	var unit int
	switch freq {
	case rrule.SECONDLY:
		unit = 1
	case rrule.MINUTELY:
		unit = 60
	case rrule.HOURLY:
		unit = 3600
	default:
		return dtstart
	}
	if interval < 1 {
		interval = 1
	}
	step := int64(unit * interval)

	loc := dtstart.Location()
	from := wallClock(dtstart)
	to := wallClock(rangeStart.In(loc))
	if !to.After(from) {
		return dtstart
	}

	// One step short, so the first in-window occurrence is never skipped.
	k := int64(to.Sub(from)/time.Second)/step - 1
	if k <= 0 {
		return dtstart
	}
	return time.Date(dtstart.Year(), dtstart.Month(), dtstart.Day(),
		dtstart.Hour(), dtstart.Minute(), dtstart.Second()+int(k*step), dtstart.Nanosecond(), loc)
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// occurrenceEnd derives an occurrence's end from its own start. An RDATE
// PERIOD keeps its own end; otherwise all-day occurrences span the same
// number of calendar days as the master and timed ones the same exact
// duration.
func occurrenceEnd(ev ParsedEvent, occStart time.Time) time.Time {
	if end, ok := ev.PeriodEnds[occStart.Unix()]; ok {
		return end
	}
	if ev.AllDay {
		days := calendarDays(ev.Start, ev.End)
		return occStart.AddDate(0, 0, days)
	}
	return occStart.Add(ev.End.Sub(ev.Start))
}

func calendarDays(start, end time.Time) int {
	end = end.In(start.Location())
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s) / (24 * time.Hour))
}
