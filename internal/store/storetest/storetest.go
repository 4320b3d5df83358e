// Package storetest is a contract suite every time block store must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
	"github.com/abhishekkushwahaa/signsetu/internal/testutil"
)

// Store is the full method set shared by the backends.
type Store interface {
	QueryDue(ctx context.Context, from, to time.Time) ([]domain.TimeBlock, error)
	MarkNotified(ctx context.Context, id uuid.UUID) (bool, error)
	CreateBlock(ctx context.Context, b domain.TimeBlock) error
	GetBlock(ctx context.Context, id uuid.UUID) (domain.TimeBlock, error)
	ListBlocks(ctx context.Context, ownerID uuid.UUID) ([]domain.TimeBlock, error)
	DeleteBlock(ctx context.Context, id, ownerID uuid.UUID) error
	UpsertProfile(ctx context.Context, ownerID uuid.UUID, email string) error
	LookupEmail(ctx context.Context, ownerID uuid.UUID) (string, error)
	InsertDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error
	ListUnmarkedDeliveries(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error)
	PingContext(ctx context.Context) error
}

// Run executes the suite. open must return an empty store; it is called
// once per subtest.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Run("QueryDueHalfOpenWindow", func(t *testing.T) { testQueryDueWindow(t, open(t)) })
	t.Run("QueryDueOrdering", func(t *testing.T) { testQueryDueOrdering(t, open(t)) })
	t.Run("MarkNotifiedOnce", func(t *testing.T) { testMarkNotifiedOnce(t, open(t)) })
	t.Run("MarkNotifiedMissing", func(t *testing.T) { testMarkNotifiedMissing(t, open(t)) })
	t.Run("MarkNotifiedConcurrent", func(t *testing.T) { testMarkNotifiedConcurrent(t, open(t)) })
	t.Run("BlockRoundTrip", func(t *testing.T) { testBlockRoundTrip(t, open(t)) })
	t.Run("DeleteOwnerScoped", func(t *testing.T) { testDeleteOwnerScoped(t, open(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, open(t)) })
	t.Run("UnmarkedDeliveries", func(t *testing.T) { testUnmarkedDeliveries(t, open(t)) })
	t.Run("Ping", func(t *testing.T) { assert.NoError(t, open(t).PingContext(testutil.TestContext(t))) })
}

func create(t *testing.T, s Store, blocks ...domain.TimeBlock) {
	t.Helper()
	for _, b := range blocks {
		require.NoError(t, s.CreateBlock(testutil.TestContext(t), b))
	}
}

func ids(blocks []domain.TimeBlock) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.ID)
	}
	return out
}

func testQueryDueWindow(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	now := testutil.RefTime
	w := 10 * time.Minute

	atNow := testutil.Block("at now", now)
	justBefore := testutil.Block("just before", now.Add(-time.Second))
	atEdge := testutil.Block("at edge", now.Add(w))
	insideEdge := testutil.Block("inside edge", now.Add(w-time.Second))
	notified := testutil.Block("notified", now.Add(time.Minute))
	notified.Notified = true
	create(t, s, atNow, justBefore, atEdge, insideEdge, notified)

	due, err := s.QueryDue(ctx, now, now.Add(w))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{atNow.ID, insideEdge.ID}, ids(due))
}

func testQueryDueOrdering(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	now := testutil.RefTime

	late := testutil.Block("late", now.Add(5*time.Minute))
	tieB := testutil.Block("tie b", now.Add(2*time.Minute))
	tieA := testutil.Block("tie a", now.Add(2*time.Minute))
	tieA.ID = testutil.MustParseUUID("10000000-0000-0000-0000-000000000000")
	tieB.ID = testutil.MustParseUUID("20000000-0000-0000-0000-000000000000")
	create(t, s, late, tieB, tieA)

	due, err := s.QueryDue(ctx, now, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tieA.ID, tieB.ID, late.ID}, ids(due))
}

func testMarkNotifiedOnce(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	b := testutil.Block("once", testutil.RefTime)
	create(t, s, b)

	changed, err := s.MarkNotified(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkNotified(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetBlock(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Notified)

	due, err := s.QueryDue(ctx, testutil.RefTime, testutil.RefTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testMarkNotifiedMissing(t *testing.T, s Store) {
	_, err := s.MarkNotified(testutil.TestContext(t), uuid.New())
	assert.ErrorIs(t, err, domain.ErrBlockNotFound)
}

func testMarkNotifiedConcurrent(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	b := testutil.Block("contended", testutil.RefTime)
	create(t, s, b)

	const callers = 16
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.MarkNotified(ctx, b.ID)
			if assert.NoError(t, err) && changed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func testBlockRoundTrip(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	b := testutil.Block("Deep work <b>", testutil.RefTime.Add(90*time.Minute))
	create(t, s, b)

	got, err := s.GetBlock(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.OwnerID, got.OwnerID)
	assert.Equal(t, b.Title, got.Title)
	assert.True(t, b.StartTime.Equal(got.StartTime))
	assert.True(t, b.EndTime.Equal(got.EndTime))
	assert.Equal(t, time.UTC, got.StartTime.Location())
	assert.False(t, got.Notified)

	_, err = s.GetBlock(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrBlockNotFound)

	other := testutil.Block("other owner", testutil.RefTime)
	mine := testutil.Block("earlier", testutil.RefTime)
	mine.OwnerID = b.OwnerID
	create(t, s, other, mine)

	list, err := s.ListBlocks(ctx, b.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{mine.ID, b.ID}, ids(list))
}

func testDeleteOwnerScoped(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	b := testutil.Block("mine", testutil.RefTime)
	create(t, s, b)

	assert.ErrorIs(t, s.DeleteBlock(ctx, b.ID, uuid.New()), domain.ErrBlockNotFound)
	require.NoError(t, s.DeleteBlock(ctx, b.ID, b.OwnerID))
	assert.ErrorIs(t, s.DeleteBlock(ctx, b.ID, b.OwnerID), domain.ErrBlockNotFound)

	_, err := s.MarkNotified(ctx, b.ID)
	assert.ErrorIs(t, err, domain.ErrBlockNotFound)
}

func testProfiles(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	owner := uuid.New()

	email, err := s.LookupEmail(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, email)

	require.NoError(t, s.UpsertProfile(ctx, owner, "old@example.com"))
	require.NoError(t, s.UpsertProfile(ctx, owner, "new@example.com"))

	email, err = s.LookupEmail(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", email)
}

func testUnmarkedDeliveries(t *testing.T, s Store) {
	ctx := testutil.TestContext(t)
	now := testutil.RefTime

	stuck := testutil.Block("stuck", now)
	marked := testutil.Block("marked", now)
	marked.Notified = true
	failedOnly := testutil.Block("failed only", now)
	fresh := testutil.Block("fresh", now)
	create(t, s, stuck, marked, failedOnly, fresh)

	attempt := func(b domain.TimeBlock, ok bool, finished time.Time) domain.DeliveryAttempt {
		a := domain.DeliveryAttempt{
			ID:         uuid.New(),
			BlockID:    b.ID,
			Recipient:  "x@example.com",
			Succeeded:  ok,
			StartedAt:  finished.Add(-time.Second),
			FinishedAt: finished,
		}
		if ok {
			a.MessageID = "msg-" + b.Title
		} else {
			a.Error = "boom"
		}
		require.NoError(t, s.InsertDeliveryAttempt(ctx, a))
		return a
	}

	first := attempt(stuck, true, now.Add(-5*time.Minute))
	attempt(stuck, true, now.Add(-4*time.Minute))
	attempt(marked, true, now.Add(-5*time.Minute))
	attempt(failedOnly, false, now.Add(-5*time.Minute))
	attempt(fresh, true, now.Add(-10*time.Second))
	orphan := testutil.Block("deleted", now)
	attempt(orphan, true, now.Add(-5*time.Minute))

	got, err := s.ListUnmarkedDeliveries(ctx, now.Add(-30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, stuck.ID, got[0].BlockID)
	assert.Equal(t, "msg-stuck", got[0].MessageID)
	assert.True(t, got[0].FinishedAt.Equal(first.FinishedAt))

	// fresh qualifies once the threshold passes it; oldest first, limited.
	got, err = s.ListUnmarkedDeliveries(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stuck.ID, got[0].BlockID)

	// A non-positive limit means no limit on every backend.
	for _, limit := range []int{0, -1} {
		got, err = s.ListUnmarkedDeliveries(ctx, now, limit)
		require.NoError(t, err)
		require.Len(t, got, 2, "limit %d", limit)
		assert.Equal(t, stuck.ID, got[0].BlockID)
		assert.Equal(t, fresh.ID, got[1].BlockID)
	}
}
