// Package sqlite is an embedded time block store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
	"github.com/abhishekkushwahaa/signsetu/internal/store/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies PRAGMAs and returns
// the store. Migrations are applied separately with Migrate.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single-writer engine; one connection also serializes MarkNotified.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
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
		CreateTable: `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_ms INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000))`,
		Applied:     `SELECT 1 FROM schema_migrations WHERE version = ?`,
		Record:      `INSERT INTO schema_migrations (version) VALUES (?)`,
	}, migrationsFS, "migrations")
}

func (s *Store) QueryDue(ctx context.Context, from, to time.Time) ([]domain.TimeBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, start_ms, end_ms, notified, created_ms
		FROM time_blocks
		WHERE notified = 0
		  AND start_ms >= ?
		  AND start_ms < ?
		ORDER BY start_ms, id`,
		toMillis(from), toMillis(to),
	)
	if err != nil {
		return nil, err
	}
	return scanBlocks(rows)
}

// MarkNotified performs the conditional 0→1 update and reports whether this
// call changed the row.
func (s *Store) MarkNotified(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE time_blocks
		SET notified = 1
		WHERE id = ? AND notified = 0`,
		id.String(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM time_blocks WHERE id = ?`, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrBlockNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) CreateBlock(ctx context.Context, b domain.TimeBlock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO time_blocks (id, owner_id, title, start_ms, end_ms, notified, created_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.OwnerID.String(), b.Title,
		toMillis(b.StartTime), toMillis(b.EndTime), boolToInt(b.Notified), toMillis(b.CreatedAt),
	)
	return err
}

func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (domain.TimeBlock, error) {
	b, err := scanBlock(s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, start_ms, end_ms, notified, created_ms
		FROM time_blocks
		WHERE id = ?`,
		id.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimeBlock{}, domain.ErrBlockNotFound
	}
	return b, err
}

func (s *Store) ListBlocks(ctx context.Context, ownerID uuid.UUID) ([]domain.TimeBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, start_ms, end_ms, notified, created_ms
		FROM time_blocks
		WHERE owner_id = ?
		ORDER BY start_ms, id`,
		ownerID.String(),
	)
	if err != nil {
		return nil, err
	}
	return scanBlocks(rows)
}

func (s *Store) DeleteBlock(ctx context.Context, id, ownerID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM time_blocks WHERE id = ? AND owner_id = ?`,
		id.String(), ownerID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrBlockNotFound
	}
	return nil
}

func (s *Store) UpsertProfile(ctx context.Context, ownerID uuid.UUID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, email, created_ms) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET email = excluded.email`,
		ownerID.String(), email, toMillis(time.Now()),
	)
	return err
}

// LookupEmail returns the profile address, "" when there is no profile.
func (s *Store) LookupEmail(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM profiles WHERE user_id = ?`, ownerID.String()).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return email, err
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, block_id, recipient, message_id, succeeded, error, started_ms, finished_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.BlockID.String(), a.Recipient, a.MessageID,
		boolToInt(a.Succeeded), a.Error, toMillis(a.StartedAt), toMillis(a.FinishedAt),
	)
	return err
}

// ListUnmarkedDeliveries returns, oldest first, the earliest successful
// attempt of each block that finished before olderThan and whose block is
// still unnotified. A limit <= 0 returns every match.
func (s *Store) ListUnmarkedDeliveries(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = -1 // sqlite: negative LIMIT is unbounded
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.block_id, d.recipient, d.message_id, d.succeeded, d.error, d.started_ms, d.finished_ms
		FROM delivery_attempts d
		JOIN time_blocks b ON b.id = d.block_id
		WHERE d.succeeded = 1
		  AND d.finished_ms < ?
		  AND b.notified = 0
		  AND d.finished_ms = (
		      SELECT MIN(d2.finished_ms) FROM delivery_attempts d2
		      WHERE d2.block_id = d.block_id AND d2.succeeded = 1
		  )
		GROUP BY d.block_id
		ORDER BY d.finished_ms
		LIMIT ?`,
		toMillis(olderThan), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var (
			id, blockID           string
			succeeded             int
			startedMs, finishedMs int64
			a                     domain.DeliveryAttempt
		)
		if err := rows.Scan(&id, &blockID, &a.Recipient, &a.MessageID, &succeeded, &a.Error, &startedMs, &finishedMs); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if a.BlockID, err = uuid.Parse(blockID); err != nil {
			return nil, err
		}
		a.Succeeded = succeeded != 0
		a.StartedAt = fromMillis(startedMs)
		a.FinishedAt = fromMillis(finishedMs)
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
	var (
		id, ownerID               string
		title                     string
		startMs, endMs, createdMs int64
		notified                  int
	)
	if err := row.Scan(&id, &ownerID, &title, &startMs, &endMs, &notified, &createdMs); err != nil {
		return domain.TimeBlock{}, err
	}
	bid, err := uuid.Parse(id)
	if err != nil {
		return domain.TimeBlock{}, fmt.Errorf("block id %q: %w", id, err)
	}
	oid, err := uuid.Parse(ownerID)
	if err != nil {
		return domain.TimeBlock{}, fmt.Errorf("owner id %q: %w", ownerID, err)
	}
	return domain.TimeBlock{
		ID:        bid,
		OwnerID:   oid,
		Title:     title,
		StartTime: fromMillis(startMs),
		EndTime:   fromMillis(endMs),
		Notified:  notified != 0,
		CreatedAt: fromMillis(createdMs),
	}, nil
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

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// boolToInt converts a boolean to 1/0 for SQLite.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
