package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

// DefaultWindow is the lookahead used when Config.Window is zero.
const DefaultWindow = 10 * time.Minute

// SelectDue returns the blocks that start in [now, now+window) and have not
// been notified, ordered by start time then id. It never mutates the store.
//
// The result is re-filtered and re-sorted here so a backend with coarser
// timestamps cannot widen the window or change the order.
func SelectDue(ctx context.Context, store Store, now time.Time, window time.Duration) ([]domain.TimeBlock, error) {
	now = now.UTC()
	blocks, err := store.QueryDue(ctx, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("%w: query due: %v", ErrStoreUnavailable, err)
	}

	due := make([]domain.TimeBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Due(now, window) {
			due = append(due, b)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].StartTime.Equal(due[j].StartTime) {
			return due[i].StartTime.Before(due[j].StartTime)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	return due, nil
}
