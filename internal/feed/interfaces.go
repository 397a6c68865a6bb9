package feed

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"weekcal/internal/model"
)

// Fetcher retrieves the raw body of a feed URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// SnapshotStore persists the last successful event list of each feed.
// Load returns (nil, nil) when nothing is stored for feedID.
type SnapshotStore interface {
	Load(ctx context.Context, feedID string) (*model.Snapshot, error)
	Save(ctx context.Context, snapshot *model.Snapshot) error
	Delete(ctx context.Context, feedID string) error
}

// Notifier publishes feed change notifications.
type Notifier interface {
	Notify(ctx context.Context, update model.FeedUpdate) error
	Close() error
}
