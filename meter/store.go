package meter

import (
	"context"
	"time"
)

type Store interface {
	IngestBatch(ctx context.Context, events []*UsageEvent) error
	// CountUsage counts events at or after since.
	CountUsage(ctx context.Context, since time.Time) (int64, error)
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)
}
