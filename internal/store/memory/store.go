// Package memory is an in-process time block store. It honours the same
// conditional-update contract as the SQL backends and is used for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

type Store struct {
	mu         sync.Mutex
	blocks     map[uuid.UUID]domain.TimeBlock
	emails     map[uuid.UUID]string
	deliveries []domain.DeliveryAttempt
}

func New() *Store {
	return &Store{
		blocks: make(map[uuid.UUID]domain.TimeBlock),
		emails: make(map[uuid.UUID]string),
	}
}

// QueryDue returns unnotified blocks with from <= start < to, ordered by
// start time then id.
func (s *Store) QueryDue(ctx context.Context, from, to time.Time) ([]domain.TimeBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.TimeBlock
	for _, b := range s.blocks {
		if !b.Notified && b.StartsWithin(from, to) {
			result = append(result, b)
		}
	}
	sortBlocks(result)
	return result, nil
}

// MarkNotified flips notified to true if it is false. The check and the
// write happen under one lock.
func (s *Store) MarkNotified(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[id]
	if !ok {
		return false, domain.ErrBlockNotFound
	}
	if b.Notified {
		return false, nil
	}
	b.Notified = true
	s.blocks[id] = b
	return true, nil
}

func (s *Store) CreateBlock(ctx context.Context, b domain.TimeBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.ID] = b
	return nil
}

// ListBlocks returns the owner's blocks ordered by start time.
func (s *Store) ListBlocks(ctx context.Context, ownerID uuid.UUID) ([]domain.TimeBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.TimeBlock
	for _, b := range s.blocks {
		if b.OwnerID == ownerID {
			result = append(result, b)
		}
	}
	sortBlocks(result)
	return result, nil
}

// DeleteBlock removes a block owned by ownerID.
func (s *Store) DeleteBlock(ctx context.Context, id, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[id]
	if !ok || b.OwnerID != ownerID {
		return domain.ErrBlockNotFound
	}
	delete(s.blocks, id)
	return nil
}

// GetBlock returns a copy of a block.
func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (domain.TimeBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[id]
	if !ok {
		return domain.TimeBlock{}, domain.ErrBlockNotFound
	}
	return b, nil
}

// UpsertProfile registers the profile address for an owner.
func (s *Store) UpsertProfile(ctx context.Context, ownerID uuid.UUID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[ownerID] = email
	return nil
}

// LookupEmail returns the raw profile address, "" if there is none.
func (s *Store) LookupEmail(ctx context.Context, ownerID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.emails[ownerID]), nil
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, attempt)
	return nil
}

// Deliveries returns a copy of the delivery log.
func (s *Store) Deliveries() []domain.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryAttempt, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// ListUnmarkedDeliveries returns successful attempts that finished before
// olderThan whose block still exists and is not notified, oldest first, one
// per block. A limit <= 0 returns every match.
func (s *Store) ListUnmarkedDeliveries(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]struct{})
	var result []domain.DeliveryAttempt
	for _, a := range s.deliveries {
		if !a.Succeeded || !a.FinishedAt.Before(olderThan) {
			continue
		}
		b, ok := s.blocks[a.BlockID]
		if !ok || b.Notified {
			continue
		}
		if _, dup := seen[a.BlockID]; dup {
			continue
		}
		seen[a.BlockID] = struct{}{}
		result = append(result, a)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].FinishedAt.Before(result[j].FinishedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PingContext always succeeds.
func (s *Store) PingContext(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func sortBlocks(blocks []domain.TimeBlock) {
	sort.Slice(blocks, func(i, j int) bool {
		if !blocks[i].StartTime.Equal(blocks[j].StartTime) {
			return blocks[i].StartTime.Before(blocks[j].StartTime)
		}
		return blocks[i].ID.String() < blocks[j].ID.String()
	})
}
