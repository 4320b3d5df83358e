package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBlockNotFound is returned by stores when a time block does not exist,
// including when it was deleted while a run was in progress.
var ErrBlockNotFound = errors.New("time block not found")

// TimeBlock is a user-defined quiet hour. Notified only ever moves from
// false to true.
type TimeBlock struct {
	ID      uuid.UUID
	OwnerID uuid.UUID

	Title     string
	StartTime time.Time // UTC
	EndTime   time.Time // UTC

	Notified bool

	CreatedAt time.Time
}

// StartsWithin reports whether the block starts in the half-open window
// [from, to).
func (b TimeBlock) StartsWithin(from, to time.Time) bool {
	return !b.StartTime.Before(from) && b.StartTime.Before(to)
}

// Due reports whether the block should be reminded about for a run at now
// with lookahead window.
func (b TimeBlock) Due(now time.Time, window time.Duration) bool {
	return !b.Notified && b.StartsWithin(now, now.Add(window))
}
