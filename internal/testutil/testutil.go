// Package testutil provides shared test helpers for quiethours.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

// RefTime is the reference instant most tests run at.
var RefTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
// Only for use in tests.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// Block returns an unnotified one-hour block starting at start.
func Block(title string, start time.Time) domain.TimeBlock {
	return domain.TimeBlock{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Title:     title,
		StartTime: start.UTC(),
		EndTime:   start.UTC().Add(time.Hour),
		CreatedAt: start.UTC().Add(-24 * time.Hour),
	}
}

// Attempt returns a delivery attempt for b that finished at finished.
func Attempt(b domain.TimeBlock, succeeded bool, finished time.Time) domain.DeliveryAttempt {
	a := domain.DeliveryAttempt{
		ID:         uuid.New(),
		BlockID:    b.ID,
		Recipient:  b.OwnerID.String() + "@example.com",
		Succeeded:  succeeded,
		StartedAt:  finished.Add(-time.Second).UTC(),
		FinishedAt: finished.UTC(),
	}
	if succeeded {
		a.MessageID = "msg-" + b.ID.String()
	} else {
		a.Error = "send failed"
	}
	return a
}
