package ics

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a feed (or a single record) could not be used.
type ErrorKind int

const (
	// KindTextNotCalendar: the normalized body has no BEGIN:VCALENDAR,
	// typically an HTML error page served with a 200.
	KindTextNotCalendar ErrorKind = iota + 1
	// KindParseFailure: a calendar envelope is present but does not parse.
	KindParseFailure
	// KindNetworkFailure: retrieval failed or returned a non-success status.
	KindNetworkFailure
	// KindMalformedEventSkipped: one VEVENT was dropped; never feed-fatal.
	KindMalformedEventSkipped
)

func (k ErrorKind) String() string {
	switch k {
	case KindTextNotCalendar:
		return "text_not_calendar"
	case KindParseFailure:
		return "parse_failure"
	case KindNetworkFailure:
		return "network_failure"
	case KindMalformedEventSkipped:
		return "malformed_event_skipped"
	default:
		return "unknown"
	}
}

var (
	ErrTextNotCalendar = errors.New("body is not an iCalendar document")
	ErrParseFailure    = errors.New("calendar does not parse")
	ErrNetworkFailure  = errors.New("feed retrieval failed")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTextNotCalendar:
		return ErrTextNotCalendar
	case KindParseFailure:
		return ErrParseFailure
	case KindNetworkFailure:
		return ErrNetworkFailure
	default:
		return nil
	}
}

// FeedError is a feed-scoped failure. It aborts one refresh cycle of one
// feed and nothing else.
type FeedError struct {
	Kind   ErrorKind
	FeedID string
	Err    error
}

func (e *FeedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("feed %s: %s", e.FeedID, e.Kind)
	}
	return fmt.Sprintf("feed %s: %s: %v", e.FeedID, e.Kind, e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNetworkFailure) and friends match on kind.
func (e *FeedError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newFeedError(kind ErrorKind, feedID string, err error) *FeedError {
	return &FeedError{Kind: kind, FeedID: feedID, Err: err}
}

// NetworkError wraps a retrieval failure for feedID.
func NetworkError(feedID string, err error) *FeedError {
	return newFeedError(KindNetworkFailure, feedID, err)
}

// KindOf extracts the ErrorKind of err, or 0 if err is not a FeedError.
func KindOf(err error) ErrorKind {
	var fe *FeedError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
