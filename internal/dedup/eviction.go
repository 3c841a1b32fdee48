package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/fedikit/tagrelay/internal/domain"
)

// Evicter is implemented by stores that need an explicit periodic eviction
// pass. The memory store evicts lazily and Redis expires keys itself, so
// only the SQLite store opts in.
type Evicter interface {
	Evict(ctx context.Context) (int64, error)
}

// RunEviction runs periodic eviction for stores that need it. It returns
// immediately when the store evicts on its own, and blocks until ctx is
// cancelled otherwise.
func RunEviction(ctx context.Context, store domain.DedupStore, interval time.Duration, logger *slog.Logger) {
	evicter, ok := store.(Evicter)
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := evicter.Evict(ctx)
			if err != nil {
				logger.Error("dedup eviction failed", "error", err)
			} else if deleted > 0 {
				logger.Info("dedup eviction complete", "deleted", deleted)
			}
		}
	}
}
