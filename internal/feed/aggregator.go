package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"weekcal/internal/config"
	"weekcal/internal/ics"
	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

// ErrClosed is returned by Refresh once the aggregator has been closed.
var ErrClosed = errors.New("feed aggregator closed")

// WindowFunc yields the recurrence expansion window for a refresh started
// at now.
type WindowFunc func(now time.Time) ics.ExpandConfig

// AggregatorOptions carries the optional collaborators of an Aggregator.
type AggregatorOptions struct {
	Store    SnapshotStore
	Window   WindowFunc
	OnChange func(model.FeedState)
	Now      func() time.Time

	// InitialRevision is the revision the aggregator starts at. A feed that
	// replaces an earlier aggregator for the same id continues above the
	// old revision so the two states never share a revision number.
	InitialRevision uint64
}

// Aggregator owns the FeedState of exactly one feed. Refreshes replace the
// event list on success and keep it on failure; every completed refresh
// bumps the revision.
type Aggregator struct {
	cfg      config.FeedConfig
	fetcher  Fetcher
	store    SnapshotStore
	window   WindowFunc
	onChange func(model.FeedState)
	now      func() time.Time

	mu     sync.Mutex
	state  model.FeedState
	base   uint64
	closed bool
}

// NewAggregator creates the aggregator for cfg. It starts with no events at
// opts.InitialRevision.
func NewAggregator(cfg config.FeedConfig, fetcher Fetcher, opts AggregatorOptions) *Aggregator {
	a := &Aggregator{
		cfg:      cfg,
		fetcher:  fetcher,
		store:    opts.Store,
		window:   opts.Window,
		onChange: opts.OnChange,
		now:      opts.Now,
		state: model.FeedState{
			FeedID:   cfg.ID,
			Name:     cfg.Name,
			Color:    cfg.Color,
			Events:   []model.Event{},
			Revision: opts.InitialRevision,
		},
		base: opts.InitialRevision,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.window == nil {
		a.window = func(now time.Time) ics.ExpandConfig {
			return ics.WindowAround(now, ics.DefaultPastDays, ics.DefaultFutureDays, ics.DefaultMaxOccurrences, time.Local)
		}
	}
	return a
}

// ID returns the feed id.
func (a *Aggregator) ID() string {
	return a.cfg.ID
}

// Config returns the configuration the aggregator was created with.
func (a *Aggregator) Config() config.FeedConfig {
	return a.cfg
}

// Seed loads the last persisted snapshot so the feed shows stale events
// until its first refresh completes. Restoring events bumps the revision.
// It is a no-op without a store or once a refresh has completed.
func (a *Aggregator) Seed(ctx context.Context) error {
	if a.store == nil {
		return nil
	}

	snap, err := a.store.Load(ctx, a.cfg.ID)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", a.cfg.ID, err)
	}
	if snap == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.state.Revision > a.base {
		return nil
	}

	// Snapshot events carry the feed's display fields as of when they were
	// saved; restamp them with the current ones.
	events := make([]model.Event, len(snap.Events))
	for i, ev := range snap.Events {
		ev.FeedName = a.cfg.Name
		ev.Color = a.cfg.Color
		events[i] = ev
	}
	a.state.Events = events
	a.state.LastSuccess = snap.FetchedAt
	a.state.Revision++
	a.base = a.state.Revision

	appLog.Info("feed seeded from snapshot", "feed", a.cfg.ID, "event_count", len(events), "fetched_at", snap.FetchedAt)
	return nil
}

// FetchAndParse retrieves the feed and turns it into events without touching
// the feed state. Failures are *ics.FeedError values.
func (a *Aggregator) FetchAndParse(ctx context.Context) ([]model.Event, error) {
	body, err := a.fetcher.Fetch(ctx, a.cfg.URL)
	if err != nil {
		return nil, ics.NetworkError(a.cfg.ID, err)
	}

	doc, err := ics.NormalizeFeed(string(body))
	if err != nil {
		return nil, &ics.FeedError{Kind: ics.KindTextNotCalendar, FeedID: a.cfg.ID, Err: err}
	}

	res, err := ics.Parse(doc, ics.Feed{ID: a.cfg.ID, Name: a.cfg.Name, Color: a.cfg.Color}, a.window(a.now()))
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// Refresh runs one fetch-and-parse cycle and commits its outcome. A result
// that arrives after Close is discarded and ErrClosed returned.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if a.isClosed() {
		return ErrClosed
	}

	started := a.now()
	events, err := a.FetchAndParse(ctx)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		appLog.Debug("feed result discarded after close", "feed", a.cfg.ID)
		return ErrClosed
	}

	a.state.Revision++
	a.state.LastAttempt = started
	if err != nil {
		a.state.Err = err
	} else {
		a.state.Events = events
		a.state.Err = nil
		a.state.LastSuccess = started
	}
	snapshot := a.state.Clone()
	a.mu.Unlock()

	if err != nil {
		appLog.Error("feed refresh failed", err,
			"feed", a.cfg.ID,
			"kind", ics.KindOf(err).String(),
			"revision", snapshot.Revision,
			"kept_events", len(snapshot.Events),
		)
	} else {
		appLog.Info("feed refreshed",
			"feed", a.cfg.ID,
			"revision", snapshot.Revision,
			"event_count", len(snapshot.Events),
			"duration", a.now().Sub(started),
		)
		a.persist(ctx, snapshot)
	}

	if a.onChange != nil {
		a.onChange(snapshot)
	}
	return err
}

func (a *Aggregator) persist(ctx context.Context, st model.FeedState) {
	if a.store == nil {
		return
	}
	snap := &model.Snapshot{
		FeedID:    st.FeedID,
		Events:    st.Events,
		FetchedAt: st.LastSuccess,
	}
	if err := a.store.Save(ctx, snap); err != nil {
		appLog.Error("feed snapshot save failed", err, "feed", a.cfg.ID)
	}
}

// State returns a copy of the current feed state.
func (a *Aggregator) State() model.FeedState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// Close marks the aggregator closed. In-flight refreshes finish but their
// results are dropped.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

func (a *Aggregator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
