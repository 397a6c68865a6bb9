package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

// UntitledEvent replaces blank SUMMARY values.
const UntitledEvent = "Untitled event"

// Feed identifies the feed a document belongs to. Its fields are copied onto
// every emitted event.
type Feed struct {
	ID    string
	Name  string
	Color string
}

// ParsedEvent is the normalized representation of one VEVENT before
// recurrence expansion.
type ParsedEvent struct {
	UID      string
	Summary  string
	Location string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule string
	RDates   []time.Time
	ExDates  []time.Time

	// PeriodEnds holds the explicit end of RDATE PERIOD values, keyed by
	// the occurrence start in Unix seconds.
	PeriodEnds map[int64]time.Time
}

// Recurring reports whether the record carries a rule or extra dates.
func (p ParsedEvent) Recurring() bool {
	return p.RawRRule != "" || len(p.RDates) > 0
}

// ParseResult is the outcome of parsing one feed document.
type ParseResult struct {
	Events []model.Event

	// Skipped counts VEVENTs dropped as malformed.
	Skipped int
	// Overrides counts RECURRENCE-ID instances that were not applied.
	Overrides int
	// TruncatedUIDs lists series that hit the occurrence cap.
	TruncatedUIDs []string
}

var (
	errOverride     = errors.New("recurrence override")
	errMissingStart = errors.New("missing DTSTART")

	eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:weekcal:event"))
)

// Parse turns a normalized ICS document into concrete events for one feed.
//
//   - A document that does not parse as a calendar is a feed-scoped
//     *FeedError of kind KindParseFailure.
//   - A malformed individual VEVENT is logged and skipped.
//   - RECURRENCE-ID overrides are not applied; they are counted and dropped.
//   - Recurring series are expanded inside cfg's window (see Expand).
func Parse(text string, feed Feed, cfg ExpandConfig) (ParseResult, error) {
	cfg = cfg.withDefaults()

	cal, err := ical.ParseCalendarWithOptions(strings.NewReader(text),
		ical.WithUnknownPropertyHandler(ical.AcceptUnknownPropertyHandler))
	if err != nil {
		appLog.Error("ics parse failed", err, "feed", feed.ID)
		return ParseResult{}, newFeedError(KindParseFailure, feed.ID, err)
	}

	var res ParseResult
	res.Events = make([]model.Event, 0)

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, cfg.DisplayLocation)
		if errors.Is(perr, errOverride) {
			res.Overrides++
			appLog.Debug("ics recurrence override ignored", "feed", feed.ID, "uid", ev.UID)
			continue
		}
		if perr != nil {
			res.Skipped++
			appLog.Warn("ics vevent skipped", "feed", feed.ID, "uid", ev.UID,
				"kind", KindMalformedEventSkipped.String(), "err", perr)
			continue
		}

		occ, truncated, eerr := expandEvent(ev, feed, cfg)
		if eerr != nil {
			res.Skipped++
			appLog.Warn("ics vevent skipped", "feed", feed.ID, "uid", ev.UID,
				"kind", KindMalformedEventSkipped.String(), "err", eerr)
			continue
		}
		if truncated {
			res.TruncatedUIDs = append(res.TruncatedUIDs, ev.UID)
			appLog.Warn("ics occurrences truncated", "feed", feed.ID, "uid", ev.UID, "cap", cfg.MaxOccurrences)
		}
		res.Events = append(res.Events, occ...)
	}

	appLog.Info("ics parse completed", "feed", feed.ID,
		"event_count", len(res.Events),
		"skipped", res.Skipped,
		"overrides", res.Overrides,
	)
	return res, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent

	out.Summary = strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertySummary)))
	out.Location = strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyLocation)))
	out.UID = strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyUniqueId)))

	if ve.GetProperty(ical.ComponentPropertyRecurrenceId) != nil {
		return out, errOverride
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return out, errMissingStart
	}
	if out.UID == "" {
		// Stable within a feed as long as the record itself does not change.
		out.UID = "nouid:" + out.Summary + ":" + strings.TrimSpace(dtStart.Value)
	}

	start, allDay, err := parseDateTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay

	end, err := resolveEnd(ve, out, loc)
	if err != nil {
		return out, err
	}
	out.End = end

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}
	out.RDates, out.PeriodEnds = collectDateTimes(ve.GetProperties(ical.ComponentPropertyRdate), loc)
	out.ExDates, _ = collectDateTimes(ve.GetProperties(ical.ComponentPropertyExdate), loc)

	return out, nil
}

// resolveEnd picks DTEND, then DURATION, then the implicit end: one day for
// all-day events, zero length otherwise.
func resolveEnd(ve *ical.VEvent, ev ParsedEvent, loc *time.Location) (time.Time, error) {
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil && strings.TrimSpace(p.Value) != "" {
		end, _, err := parseDateTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("DTEND: %w", err)
		}
		return end, nil
	}

	if p := ve.GetProperty(ical.ComponentPropertyDuration); p != nil && strings.TrimSpace(p.Value) != "" {
		d, err := parseDuration(p.Value)
		if err != nil {
			return time.Time{}, fmt.Errorf("DURATION: %w", err)
		}
		if ev.AllDay && d%(24*time.Hour) == 0 {
			return ev.Start.AddDate(0, 0, int(d/(24*time.Hour))), nil
		}
		return ev.Start.Add(d), nil
	}

	if ev.AllDay {
		return ev.Start.AddDate(0, 0, 1), nil
	}
	return ev.Start, nil
}

func makeEvent(ev ParsedEvent, feed Feed, start, end time.Time, recurring bool, loc *time.Location) model.Event {
	title := ev.Summary
	if title == "" {
		title = UntitledEvent
	}
	return model.Event{
		ID:        EventID(feed.ID, ev.UID, start),
		UID:       ev.UID,
		Title:     title,
		Location:  ev.Location,
		Start:     start.In(loc),
		End:       end.In(loc),
		AllDay:    ev.AllDay,
		Recurring: recurring,
		FeedID:    feed.ID,
		FeedName:  feed.Name,
		Color:     feed.Color,
	}
}

// EventID derives the stable id of one occurrence from the feed id, the
// series UID and the occurrence start instant.
func EventID(feedID, uid string, start time.Time) string {
	name := feedID + "\x00" + uid + "\x00" + start.UTC().Format("20060102T150405Z")
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

func propertyValue(p *ical.IANAProperty) string {
	if p == nil {
		return ""
	}
	return p.Value
}

// collectDateTimes reads a comma separated date list. PERIOD values
// ("start/end" or "start/duration") yield their start, and their end is
// returned in the map keyed by the start's Unix seconds.
func collectDateTimes(props []*ical.IANAProperty, loc *time.Location) ([]time.Time, map[int64]time.Time) {
	if len(props) == 0 {
		return nil, nil
	}

	var ends map[int64]time.Time
	out := make([]time.Time, 0, len(props))
	for _, p := range props {
		if p == nil {
			continue
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			startPart, endPart, isPeriod := strings.Cut(part, "/")
			t, _, err := parseDateTime(startPart, p.ICalParameters, loc)
			if err != nil {
				appLog.Debug("ics date list value ignored", "value", part, "err", err)
				continue
			}
			out = append(out, t)

			if !isPeriod {
				continue
			}
			end, err := periodEnd(t, endPart, p.ICalParameters, loc)
			if err != nil {
				appLog.Debug("ics period end ignored", "value", part, "err", err)
				continue
			}
			if ends == nil {
				ends = make(map[int64]time.Time)
			}
			ends[t.Unix()] = end
		}
	}
	return out, ends
}

// periodEnd resolves the second half of a PERIOD value, either an explicit
// date-time or a duration from start.
func periodEnd(start time.Time, value string, params map[string][]string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if v := strings.TrimLeft(strings.ToUpper(value), "+-"); strings.HasPrefix(v, "P") {
		d, err := parseDuration(value)
		if err != nil {
			return time.Time{}, err
		}
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative period duration %q", value)
		}
		return start.Add(d), nil
	}

	end, _, err := parseDateTime(value, params, loc)
	if err != nil {
		return time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, fmt.Errorf("period ends before it starts: %q", value)
	}
	return end, nil
}

// parseDateTime parses a DATE or DATE-TIME value.
//
//   - "...Z" values are UTC.
//   - TZID-qualified values use that IANA zone; unknown zone names (Windows
//     names, custom VTIMEZONE ids) fall back to loc.
//   - Floating values and bare dates are interpreted in loc, dates at midnight.
func parseDateTime(value string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}
	if loc == nil {
		loc = time.Local
	}

	dateOnly := !strings.ContainsAny(v, "Tt")
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(strings.TrimSpace(vs[0]), "DATE") {
		dateOnly = true
	}

	if dateOnly {
		if len(v) < 8 {
			return time.Time{}, true, fmt.Errorf("invalid date %q", v)
		}
		t, err := time.ParseInLocation("20060102", v[:8], loc)
		if err != nil {
			return time.Time{}, true, err
		}
		return t, true, nil
	}

	v = strings.ToUpper(v)
	if strings.HasSuffix(v, "Z") {
		for _, layout := range []string{"20060102T150405Z", "20060102T1504Z"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, false, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("invalid UTC date-time %q", v)
	}

	zone := loc
	if tzids, ok := params["TZID"]; ok && len(tzids) > 0 {
		name := strings.Trim(strings.TrimSpace(tzids[0]), `"`)
		if name != "" {
			if z, err := time.LoadLocation(name); err == nil {
				zone = z
			} else {
				appLog.Debug("ics unknown TZID, using display zone", "tzid", name, "zone", loc.String())
			}
		}
	}

	for _, layout := range []string{"20060102T150405", "20060102T1504"} {
		if t, err := time.ParseInLocation(layout, v, zone); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("invalid date-time %q", v)
}

// parseDuration parses an RFC 5545 DURATION value such as "PT1H30M",
// "P2D", "P1W" or "-PT15M". Days and weeks are treated as 24h multiples.
func parseDuration(value string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(value))
	if s == "" {
		return 0, errors.New("empty duration")
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := 0
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			digits++
			continue
		case r == 'T':
			if inTime || digits > 0 {
				return 0, fmt.Errorf("invalid duration %q", value)
			}
			inTime = true
			continue
		}
		if digits == 0 {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		n := time.Duration(num)
		switch {
		case r == 'W' && !inTime:
			total += n * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += n * 24 * time.Hour
		case r == 'H' && inTime:
			total += n * time.Hour
		case r == 'M' && inTime:
			total += n * time.Minute
		case r == 'S' && inTime:
			total += n * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		num, digits = 0, 0
	}
	if digits > 0 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return sign * total, nil
}
