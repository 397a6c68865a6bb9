package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"weekcal/internal/calendar"
	"weekcal/internal/config"
	"weekcal/internal/ics"
	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

const (
	defaultConcurrency = 4
	notifyTimeout      = 5 * time.Second
)

// ManagerOptions configures a Manager. Store and Notifier are optional.
type ManagerOptions struct {
	Refresh  config.RefreshConfig
	Expand   config.ExpandConfig
	Location *time.Location

	Store    SnapshotStore
	Notifier Notifier

	// OnChange, if set, is called after every committed refresh.
	OnChange func(model.FeedState)

	Now func() time.Time
}

type managedFeed struct {
	agg   *Aggregator
	entry cron.EntryID
}

// Manager runs one Aggregator per configured feed, each on its own refresh
// schedule, and exposes the merged view over all of them.
type Manager struct {
	fetcher Fetcher
	opts    ManagerOptions
	cron    *cron.Cron
	merger  calendar.Merger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	feeds   map[string]*managedFeed
	order   []string
	retired map[string]uint64 // last revision of removed or replaced feeds
	running bool
	closed  bool
}

// NewManager creates a Manager with no feeds. Call SetFeeds, then Start.
func NewManager(fetcher Fetcher, opts ManagerOptions) *Manager {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Refresh.Concurrency <= 0 {
		opts.Refresh.Concurrency = defaultConcurrency
	}

	logger := appLog.CronLogger{}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		fetcher: fetcher,
		opts:    opts,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:     ctx,
		cancel:  cancel,
		feeds:   make(map[string]*managedFeed),
		retired: make(map[string]uint64),
	}
}

// SetFeeds reconciles the running aggregators with cfgs. Feeds are matched
// by id: new ids are added, missing ids removed, and feeds whose URL, name,
// color or interval changed are replaced (their state starts over).
// While the manager is running, added feeds are refreshed immediately.
func (m *Manager) SetFeeds(ctx context.Context, cfgs []config.FeedConfig) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	wanted := make(map[string]config.FeedConfig, len(cfgs))
	order := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		if _, dup := wanted[c.ID]; dup {
			continue
		}
		wanted[c.ID] = c
		order = append(order, c.ID)
	}

	var removed []*managedFeed
	for id, mf := range m.feeds {
		c, keep := wanted[id]
		if keep && !m.changed(mf.agg.Config(), c) {
			continue
		}
		mf.agg.Close()
		m.retired[id] = mf.agg.State().Revision
		removed = append(removed, mf)
		m.cron.Remove(mf.entry)
		delete(m.feeds, id)
	}

	var added []*Aggregator
	for _, id := range order {
		if _, ok := m.feeds[id]; ok {
			continue
		}
		agg := m.newAggregator(wanted[id])
		m.feeds[id] = &managedFeed{agg: agg, entry: m.schedule(agg)}
		added = append(added, agg)
	}
	m.order = order
	running := m.running
	if running {
		// Registered while holding m.mu so Close never waits concurrently
		// with the Add.
		m.wg.Add(len(added))
	}
	m.mu.Unlock()

	for _, mf := range removed {
		id := mf.agg.ID()
		// A snapshot only stays valid while the feed keeps its URL.
		if next, replaced := wanted[id]; (!replaced || next.URL != mf.agg.Config().URL) && m.opts.Store != nil {
			if err := m.opts.Store.Delete(ctx, id); err != nil {
				appLog.Error("feed snapshot delete failed", err, "feed", id)
			}
		}
		appLog.Info("feed removed", "feed", id)
	}

	for _, agg := range added {
		if err := agg.Seed(ctx); err != nil {
			appLog.Error("feed seed failed", err, "feed", agg.ID())
		}
		appLog.Info("feed added", "feed", agg.ID(), "interval", m.opts.Refresh.RefreshInterval(agg.Config()))
		if running {
			m.goRefresh(agg)
		}
	}
}

func (m *Manager) changed(old, cur config.FeedConfig) bool {
	return old.URL != cur.URL ||
		old.Name != cur.Name ||
		old.Color != cur.Color ||
		m.opts.Refresh.RefreshInterval(old) != m.opts.Refresh.RefreshInterval(cur)
}

// newAggregator builds the aggregator for cfg. A feed id seen before
// continues above its retired revision. Callers hold m.mu.
func (m *Manager) newAggregator(cfg config.FeedConfig) *Aggregator {
	var initial uint64
	if rev, ok := m.retired[cfg.ID]; ok {
		initial = rev + 1
		delete(m.retired, cfg.ID)
	}

	expand := m.opts.Expand
	loc := m.opts.Location
	return NewAggregator(cfg, m.fetcher, AggregatorOptions{
		Store: m.opts.Store,
		Window: func(now time.Time) ics.ExpandConfig {
			return ics.WindowAround(now, expand.PastDays, expand.FutureDays, expand.MaxOccurrences, loc)
		},
		OnChange:        m.handleChange,
		Now:             m.opts.Now,
		InitialRevision: initial,
	})
}

// schedule registers agg's periodic refresh. Callers hold m.mu.
func (m *Manager) schedule(agg *Aggregator) cron.EntryID {
	interval := m.opts.Refresh.RefreshInterval(agg.Config())
	return m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if err := agg.Refresh(m.ctx); err != nil && !errors.Is(err, ErrClosed) {
			appLog.Debug("scheduled refresh failed", "feed", agg.ID(), "err", err)
		}
	}))
}

// goRefresh refreshes agg in the background. The caller has already added
// it to m.wg.
func (m *Manager) goRefresh(agg *Aggregator) {
	go func() {
		defer m.wg.Done()
		_ = agg.Refresh(m.ctx)
	}()
}

func (m *Manager) handleChange(st model.FeedState) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(st)
	}
	if m.opts.Notifier == nil {
		return
	}

	update := model.FeedUpdate{
		FeedID:     st.FeedID,
		Revision:   st.Revision,
		EventCount: len(st.Events),
		OK:         st.Err == nil,
		At:         st.LastAttempt,
	}
	if st.Err != nil {
		update.ErrorKind = ics.KindOf(st.Err).String()
		update.Error = st.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.opts.Notifier.Notify(ctx, update); err != nil {
		appLog.Error("feed change notification failed", err, "feed", st.FeedID, "revision", st.Revision)
	}
}

// Start begins the per-feed schedules. It does not refresh anything itself;
// call RefreshAll for an initial load.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.running {
		return
	}
	m.running = true
	m.cron.Start()
	appLog.Info("feed manager started", "feeds", len(m.feeds))
}

// Close stops all schedules, waits for running refreshes (bounded by ctx)
// and closes every aggregator so that late results are discarded.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.running = false
	for _, mf := range m.feeds {
		m.cron.Remove(mf.entry)
		mf.agg.Close()
	}
	m.mu.Unlock()

	m.cancel()
	cronDone := m.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if m.opts.Notifier != nil {
		if cerr := m.opts.Notifier.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}

	appLog.Info("feed manager stopped")
	return err
}

// RefreshAll refreshes every feed concurrently, at most
// Refresh.Concurrency at a time. One feed's failure never stops the others;
// all failures are returned joined.
func (m *Manager) RefreshAll(ctx context.Context) error {
	aggs := m.aggregators()

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(m.opts.Refresh.Concurrency)
	for _, agg := range aggs {
		g.Go(func() error {
			if err := agg.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Refresh refreshes a single feed by id.
func (m *Manager) Refresh(ctx context.Context, feedID string) error {
	m.mu.RLock()
	mf, ok := m.feeds[feedID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownFeed
	}
	return mf.agg.Refresh(ctx)
}

// ErrUnknownFeed is returned for ids that are not configured.
var ErrUnknownFeed = errors.New("unknown feed")

// States returns copies of all feed states in configuration order.
func (m *Manager) States() []model.FeedState {
	aggs := m.aggregators()
	out := make([]model.FeedState, 0, len(aggs))
	for _, agg := range aggs {
		out = append(out, agg.State())
	}
	return out
}

// Revisions returns the current revision of every feed.
func (m *Manager) Revisions() map[string]uint64 {
	states := m.States()
	out := make(map[string]uint64, len(states))
	for _, st := range states {
		out[st.FeedID] = st.Revision
	}
	return out
}

// Failed returns the states whose most recent refresh failed.
func (m *Manager) Failed() []model.FeedState {
	var out []model.FeedState
	for _, st := range m.States() {
		if st.Err != nil {
			out = append(out, st)
		}
	}
	return out
}

// Events returns the merged event set over all feeds. The slice is shared
// and must not be modified.
func (m *Manager) Events() []model.Event {
	return m.merger.Merge(m.States())
}

func (m *Manager) aggregators() []*Aggregator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Aggregator, 0, len(m.order))
	for _, id := range m.order {
		if mf, ok := m.feeds[id]; ok {
			out = append(out, mf.agg)
		}
	}
	return out
}
