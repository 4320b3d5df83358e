// Package postgres is the PostgreSQL time block store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	// Registers the "postgres" driver.
	_ "github.com/lib/pq"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
	"github.com/abhishekkushwahaa/signsetu/internal/store/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements the dispatcher, reconciler and API stores using PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn, applies the pool settings and verifies the
// connection with a ping.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for leader election.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies pending embedded migrations.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	return migrate.Run(ctx, s.db, migrate.Dialect{
		CreateTable: migrationsCreateTable,
		Applied:     migrationsApplied,
		Record:      migrationsRecord,
	}, migrationsFS, "migrations")
}

// QueryDue returns unnotified blocks with from <= start_time < to.
func (s *Store) QueryDue(ctx context.Context, from, to time.Time) ([]domain.TimeBlock, error) {
	rows, err := s.db.QueryContext(ctx, queryQueryDue, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return scanBlocks(rows)
}

// MarkNotified performs the conditional false→true update. When no row
// changed it distinguishes an already-notified block from a deleted one.
func (s *Store) MarkNotified(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryMarkNotified, id)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 1 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, queryBlockExists, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrBlockNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) CreateBlock(ctx context.Context, b domain.TimeBlock) error {
	_, err := s.db.ExecContext(ctx, queryInsertBlock,
		b.ID,
		b.OwnerID,
		b.Title,
		b.StartTime.UTC(),
		b.EndTime.UTC(),
		b.Notified,
		b.CreatedAt.UTC(),
	)
	return err
}

func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (domain.TimeBlock, error) {
	b, err := scanBlock(s.db.QueryRowContext(ctx, queryGetBlock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimeBlock{}, domain.ErrBlockNotFound
	}
	return b, err
}

// ListBlocks returns the owner's blocks ordered by start time.
func (s *Store) ListBlocks(ctx context.Context, ownerID uuid.UUID) ([]domain.TimeBlock, error) {
	rows, err := s.db.QueryContext(ctx, queryListBlocks, ownerID)
	if err != nil {
		return nil, err
	}
	return scanBlocks(rows)
}

// DeleteBlock removes a block owned by ownerID. A block owned by someone
// else is reported as not found.
func (s *Store) DeleteBlock(ctx context.Context, id, ownerID uuid.UUID) error {
	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteBlock, id, ownerID).Scan(&deletedID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrBlockNotFound
	}
	return err
}

func (s *Store) UpsertProfile(ctx context.Context, ownerID uuid.UUID, email string) error {
	_, err := s.db.ExecContext(ctx, queryUpsertProfile, ownerID, email)
	return err
}

// LookupEmail returns the profile address, "" when there is no profile.
func (s *Store) LookupEmail(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, queryLookupEmail, ownerID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return email, err
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, queryInsertDeliveryAttempt,
		a.ID,
		a.BlockID,
		a.Recipient,
		a.MessageID,
		a.Succeeded,
		a.Error,
		a.StartedAt.UTC(),
		a.FinishedAt.UTC(),
	)
	return err
}

// ListUnmarkedDeliveries returns, oldest first, one successful attempt per
// block that finished before olderThan and whose block is still unnotified.
// A limit <= 0 returns every match.
func (s *Store) ListUnmarkedDeliveries(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	var lim any = limit
	if limit <= 0 {
		lim = nil // LIMIT NULL is LIMIT ALL
	}
	rows, err := s.db.QueryContext(ctx, queryListUnmarkedDeliveriesOuter, olderThan.UTC(), lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		if err := rows.Scan(
			&a.ID,
			&a.BlockID,
			&a.Recipient,
			&a.MessageID,
			&a.Succeeded,
			&a.Error,
			&a.StartedAt,
			&a.FinishedAt,
		); err != nil {
			return nil, err
		}
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = a.FinishedAt.UTC()
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (domain.TimeBlock, error) {
	var b domain.TimeBlock
	err := row.Scan(
		&b.ID,
		&b.OwnerID,
		&b.Title,
		&b.StartTime,
		&b.EndTime,
		&b.Notified,
		&b.CreatedAt,
	)
	if err != nil {
		return domain.TimeBlock{}, err
	}
	b.StartTime = b.StartTime.UTC()
	b.EndTime = b.EndTime.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func scanBlocks(rows *sql.Rows) ([]domain.TimeBlock, error) {
	defer rows.Close()

	var result []domain.TimeBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
