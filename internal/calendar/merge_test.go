package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekcal/internal/model"
)

func state(feedID string, rev uint64, ids ...string) model.FeedState {
	s := model.FeedState{FeedID: feedID, Revision: rev}
	base := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	for i, id := range ids {
		start := base.Add(time.Duration(i) * time.Hour)
		s.Events = append(s.Events, model.Event{ID: id, FeedID: feedID, Start: start, End: start.Add(time.Hour)})
	}
	return s
}

func TestMerge_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := state("a", 1, "a1", "a2")
	b := state("b", 3, "b1")
	c := state("c", 2)

	ab := Merge([]model.FeedState{a, b, c})
	ba := Merge([]model.FeedState{c, b, a})

	assert.ElementsMatch(t, ab, ba)
	assert.Len(t, ab, 3)
}

func TestMerge_DoesNotAliasFeedStorage(t *testing.T) {
	t.Parallel()

	a := state("a", 1, "a1")
	merged := Merge([]model.FeedState{a})
	merged[0].Title = "changed"

	assert.Empty(t, a.Events[0].Title)
}

func TestMerge_KeepsDuplicatesAcrossFeeds(t *testing.T) {
	t.Parallel()

	a := state("a", 1, "same")
	b := state("b", 1, "same")

	assert.Len(t, Merge([]model.FeedState{a, b}), 2)
}

func TestMerger_RecomputesOnRevisionChange(t *testing.T) {
	t.Parallel()

	var m Merger
	a := state("a", 1, "a1")
	b := state("b", 1, "b1")

	first := m.Merge([]model.FeedState{a, b})
	again := m.Merge([]model.FeedState{b, a})
	require.Len(t, again, 2)
	assert.Equal(t, 1, m.Computations())
	assert.Same(t, &first[0], &again[0])

	b2 := state("b", 2, "b1", "b2")
	updated := m.Merge([]model.FeedState{a, b2})
	assert.Len(t, updated, 3)
	assert.Equal(t, 2, m.Computations())

	// Removing a feed changes the vector too.
	removed := m.Merge([]model.FeedState{a})
	assert.Len(t, removed, 1)
	assert.Equal(t, 3, m.Computations())
}
