package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"weekcal/internal/config"
	"weekcal/internal/feed/mocks"
	"weekcal/internal/ics"
	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

type ManagerTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	fetcher  *mocks.MockFetcher
	store    *mocks.MockSnapshotStore
	notifier *mocks.MockNotifier

	mgr *Manager
}

func (s *ManagerTestSuite) SetupSuite() {
	appLog.SetLevel(appLog.LevelError)
}

func (s *ManagerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.fetcher = mocks.NewMockFetcher(s.ctrl)
	s.store = mocks.NewMockSnapshotStore(s.ctrl)
	s.notifier = mocks.NewMockNotifier(s.ctrl)

	s.mgr = NewManager(s.fetcher, ManagerOptions{
		Refresh:  config.RefreshConfig{DefaultMinutes: 30, MinMinutes: 5, MaxMinutes: 1440, Concurrency: 2},
		Expand:   config.ExpandConfig{PastDays: 7, FutureDays: 90, MaxOccurrences: 500},
		Location: time.UTC,
		Store:    s.store,
		Notifier: s.notifier,
		Now:      clock,
	})
}

func (s *ManagerTestSuite) TearDownTest() {
	s.notifier.EXPECT().Close().Return(nil).AnyTimes()
	s.NoError(s.mgr.Close(context.Background()))
	s.ctrl.Finish()
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func feedCfg(id string) config.FeedConfig {
	return config.FeedConfig{ID: id, Name: id, URL: "https://example.com/" + id + ".ics", Color: "#123456"}
}

func (s *ManagerTestSuite) TestRefreshAll_IsolatesFailures() {
	ctx := context.Background()

	s.store.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, nil).Times(3)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a"), feedCfg("b"), feedCfg("c")})

	s.fetcher.EXPECT().Fetch(ctx, "https://example.com/a.ics").Return(icsBody("a1", "a2"), nil)
	s.fetcher.EXPECT().Fetch(ctx, "https://example.com/b.ics").Return(nil, errors.New("timeout"))
	s.fetcher.EXPECT().Fetch(ctx, "https://example.com/c.ics").Return(icsBody("c1"), nil)
	s.store.EXPECT().Save(ctx, gomock.Any()).Return(nil).Times(2)
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u model.FeedUpdate) error {
		if u.FeedID == "b" {
			s.False(u.OK)
			s.Equal(ics.KindNetworkFailure.String(), u.ErrorKind)
		} else {
			s.True(u.OK)
		}
		return nil
	}).Times(3)

	err := s.mgr.RefreshAll(ctx)
	s.Require().Error(err)
	s.ErrorIs(err, ics.ErrNetworkFailure)
	s.Contains(err.Error(), "feed b")

	states := s.mgr.States()
	s.Require().Len(states, 3)
	s.Equal([]string{"a", "b", "c"}, []string{states[0].FeedID, states[1].FeedID, states[2].FeedID})
	s.Len(states[0].Events, 2)
	s.Empty(states[1].Events)
	s.Len(states[2].Events, 1)

	failed := s.mgr.Failed()
	s.Require().Len(failed, 1)
	s.Equal("b", failed[0].FeedID)

	s.Len(s.mgr.Events(), 3)
	s.Equal(map[string]uint64{"a": 1, "b": 1, "c": 1}, s.mgr.Revisions())
}

func (s *ManagerTestSuite) TestEvents_CachedUntilRevisionChanges() {
	ctx := context.Background()

	s.store.EXPECT().Load(gomock.Any(), "a").Return(nil, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a")})

	s.fetcher.EXPECT().Fetch(ctx, gomock.Any()).Return(icsBody("a1"), nil).Times(2)
	s.store.EXPECT().Save(ctx, gomock.Any()).Return(nil).Times(2)
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	s.Require().NoError(s.mgr.RefreshAll(ctx))
	first := s.mgr.Events()
	second := s.mgr.Events()
	s.Require().Len(first, 1)
	s.Same(&first[0], &second[0])
	s.Equal(1, s.mgr.merger.Computations())

	s.Require().NoError(s.mgr.Refresh(ctx, "a"))
	s.Len(s.mgr.Events(), 1)
	s.Equal(2, s.mgr.merger.Computations())
}

func (s *ManagerTestSuite) TestSetFeeds_AddRemoveReplace() {
	ctx := context.Background()

	s.store.EXPECT().Load(gomock.Any(), "a").Return(nil, nil)
	s.store.EXPECT().Load(gomock.Any(), "b").Return(nil, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a"), feedCfg("b")})
	s.Len(s.mgr.States(), 2)
	s.Len(s.mgr.cron.Entries(), 2)

	// b removed, a unchanged, c added.
	s.store.EXPECT().Delete(ctx, "b").Return(nil)
	s.store.EXPECT().Load(gomock.Any(), "c").Return(nil, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("c"), feedCfg("a")})

	states := s.mgr.States()
	s.Require().Len(states, 2)
	s.Equal("c", states[0].FeedID)
	s.Equal("a", states[1].FeedID)
	s.Len(s.mgr.cron.Entries(), 2)

	// a gets a new URL: replaced, old snapshot dropped.
	moved := feedCfg("a")
	moved.URL = "https://example.com/moved.ics"
	s.store.EXPECT().Delete(ctx, "a").Return(nil)
	s.store.EXPECT().Load(gomock.Any(), "a").Return(nil, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("c"), moved})

	s.mgr.mu.RLock()
	s.Equal(moved.URL, s.mgr.feeds["a"].agg.Config().URL)
	s.mgr.mu.RUnlock()

	// Only the color changes: replaced, snapshot kept.
	recolored := moved
	recolored.Color = "#abcdef"
	s.store.EXPECT().Load(gomock.Any(), "a").Return(nil, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("c"), recolored})
	s.Equal("#abcdef", s.mgr.States()[1].Color)
}

func (s *ManagerTestSuite) TestEvents_FollowReplacedFeed() {
	ctx := context.Background()

	s.store.EXPECT().Load(gomock.Any(), "a").Return(nil, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a")})

	s.store.EXPECT().Save(ctx, gomock.Any()).Return(nil).Times(2)
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	s.fetcher.EXPECT().Fetch(ctx, "https://example.com/a.ics").Return(icsBody("old"), nil)
	s.Require().NoError(s.mgr.Refresh(ctx, "a"))
	events := s.mgr.Events()
	s.Require().Len(events, 1)
	s.Equal("old", events[0].Title)
	before := s.mgr.Revisions()["a"]

	moved := feedCfg("a")
	moved.URL = "https://example.com/new.ics"
	s.store.EXPECT().Delete(ctx, "a").Return(nil)
	s.store.EXPECT().Load(gomock.Any(), "a").Return(nil, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{moved})

	s.fetcher.EXPECT().Fetch(ctx, moved.URL).Return(icsBody("new"), nil)
	s.Require().NoError(s.mgr.Refresh(ctx, "a"))

	s.Equal("new", s.mgr.States()[0].Events[0].Title)
	events = s.mgr.Events()
	s.Require().Len(events, 1)
	s.Equal("new", events[0].Title)
	s.Greater(s.mgr.Revisions()["a"], before)
}

func (s *ManagerTestSuite) TestEvents_FollowRecoloredSeededFeed() {
	ctx := context.Background()

	snap := &model.Snapshot{FeedID: "a", Events: []model.Event{{ID: "x", FeedID: "a", Title: "kept"}}}
	s.store.EXPECT().Load(gomock.Any(), "a").Return(snap, nil).Times(2)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a")})

	events := s.mgr.Events()
	s.Require().Len(events, 1)
	s.Equal("#123456", events[0].Color)

	recolored := feedCfg("a")
	recolored.Color = "#abcdef"
	s.mgr.SetFeeds(ctx, []config.FeedConfig{recolored})

	events = s.mgr.Events()
	s.Require().Len(events, 1)
	s.Equal("#abcdef", events[0].Color)
	s.Equal(2, s.mgr.merger.Computations())
}

func (s *ManagerTestSuite) TestSetFeeds_ReaddedFeedContinuesRevision() {
	ctx := context.Background()

	s.store.EXPECT().Load(gomock.Any(), "a").Return(nil, nil).Times(2)
	s.store.EXPECT().Save(ctx, gomock.Any()).Return(nil)
	s.store.EXPECT().Delete(ctx, "a").Return(nil)
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)
	s.fetcher.EXPECT().Fetch(ctx, gomock.Any()).Return(icsBody("a1"), nil)

	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a")})
	s.Require().NoError(s.mgr.Refresh(ctx, "a"))
	s.Require().Len(s.mgr.Events(), 1)

	s.mgr.SetFeeds(ctx, nil)
	s.Empty(s.mgr.Events())

	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a")})
	s.Equal(map[string]uint64{"a": 2}, s.mgr.Revisions())
	s.Empty(s.mgr.Events())
}

func (s *ManagerTestSuite) TestSetFeeds_SchedulesPerFeedInterval() {
	ctx := context.Background()

	fast := feedCfg("fast")
	fast.RefreshMinutes = 10
	slow := feedCfg("slow")
	slow.RefreshMinutes = 2000
	tiny := feedCfg("tiny")
	tiny.RefreshMinutes = 1
	plain := feedCfg("plain")

	s.store.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, nil).Times(5)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{fast, slow, tiny, plain})

	delayOf := func(id string) time.Duration {
		s.mgr.mu.RLock()
		entry := s.mgr.feeds[id].entry
		s.mgr.mu.RUnlock()
		sched, ok := s.mgr.cron.Entry(entry).Schedule.(cron.ConstantDelaySchedule)
		s.Require().True(ok, "feed %s", id)
		return sched.Delay
	}

	s.Equal(10*time.Minute, delayOf("fast"))
	s.Equal(1440*time.Minute, delayOf("slow"))
	s.Equal(5*time.Minute, delayOf("tiny"))
	s.Equal(30*time.Minute, delayOf("plain"))

	// A changed interval replaces the schedule.
	fast.RefreshMinutes = 20
	s.mgr.SetFeeds(ctx, []config.FeedConfig{fast, slow, tiny, plain})
	s.Equal(20*time.Minute, delayOf("fast"))
	s.Len(s.mgr.cron.Entries(), 4)
}

func (s *ManagerTestSuite) TestSetFeeds_ConcurrentWithClose() {
	ctx := context.Background()

	s.store.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
	s.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.store.EXPECT().Delete(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(icsBody("x"), nil).AnyTimes()
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.notifier.EXPECT().Close().Return(nil)

	s.mgr.Start()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg(fmt.Sprintf("f%d", i))})
		}()
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	close(start)
	s.NoError(s.mgr.Close(closeCtx))
	wg.Wait()

	// Nothing registers work once Close has returned.
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("late")})
	for _, st := range s.mgr.States() {
		s.NotEqual("late", st.FeedID)
	}
}

func (s *ManagerTestSuite) TestSetFeeds_SeedsFromStore() {
	ctx := context.Background()

	s.store.EXPECT().Load(gomock.Any(), "a").Return(&model.Snapshot{
		FeedID: "a",
		Events: []model.Event{{ID: "x", FeedID: "a"}},
	}, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a")})

	s.Len(s.mgr.Events(), 1)
	s.Empty(s.mgr.Failed())
}

func (s *ManagerTestSuite) TestRefresh_UnknownFeed() {
	s.ErrorIs(s.mgr.Refresh(context.Background(), "nope"), ErrUnknownFeed)
}

func (s *ManagerTestSuite) TestClose_DiscardsLateResults() {
	ctx := context.Background()

	s.store.EXPECT().Load(gomock.Any(), "a").Return(nil, nil)
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("a")})
	s.mgr.Start()

	entered := make(chan struct{})
	release := make(chan struct{})
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, string) ([]byte, error) {
		close(entered)
		<-release
		return icsBody("late"), nil
	})

	done := make(chan error, 1)
	go func() { done <- s.mgr.RefreshAll(ctx) }()
	<-entered

	s.notifier.EXPECT().Close().Return(nil)
	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.NoError(s.mgr.Close(closeCtx))
	close(release)

	s.NoError(<-done)
	s.Equal(uint64(0), s.mgr.States()[0].Revision)

	// Closed managers ignore further configuration.
	s.mgr.SetFeeds(ctx, []config.FeedConfig{feedCfg("z")})
	s.Len(s.mgr.States(), 1)
}
