package postgres

const queryQueryDue = `
SELECT id, owner_id, title, start_time, end_time, notified, created_at
FROM time_blocks
WHERE notified = false
  AND start_time >= $1
  AND start_time < $2
ORDER BY start_time, id::text
`

// Row lock is taken before WHERE is evaluated, so of two concurrent callers
// exactly one sees a row affected.
const queryMarkNotified = `
UPDATE time_blocks
SET notified = true
WHERE id = $1
  AND notified = false
`

const queryBlockExists = `
SELECT 1 FROM time_blocks WHERE id = $1
`

const queryInsertBlock = `
INSERT INTO time_blocks (id, owner_id, title, start_time, end_time, notified, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryGetBlock = `
SELECT id, owner_id, title, start_time, end_time, notified, created_at
FROM time_blocks
WHERE id = $1
`

const queryListBlocks = `
SELECT id, owner_id, title, start_time, end_time, notified, created_at
FROM time_blocks
WHERE owner_id = $1
ORDER BY start_time, id::text
`

const queryDeleteBlock = `
DELETE FROM time_blocks
WHERE id = $1 AND owner_id = $2
RETURNING id
`

const queryUpsertProfile = `
INSERT INTO profiles (user_id, email)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET email = excluded.email
`

const queryLookupEmail = `
SELECT email FROM profiles WHERE user_id = $1
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, block_id, recipient, message_id, succeeded, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// One row per block: the earliest successful attempt.
const queryListUnmarkedDeliveries = `
SELECT DISTINCT ON (d.block_id)
    d.id, d.block_id, d.recipient, d.message_id, d.succeeded, d.error, d.started_at, d.finished_at
FROM delivery_attempts d
JOIN time_blocks b ON b.id = d.block_id
WHERE d.succeeded = true
  AND d.finished_at < $1
  AND b.notified = false
ORDER BY d.block_id, d.finished_at
`

const queryListUnmarkedDeliveriesOuter = `
SELECT id, block_id, recipient, message_id, succeeded, error, started_at, finished_at
FROM (` + queryListUnmarkedDeliveries + `) u
ORDER BY finished_at
LIMIT $2
`

const migrationsCreateTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)
`

const migrationsApplied = `SELECT 1 FROM schema_migrations WHERE version = $1`

const migrationsRecord = `INSERT INTO schema_migrations (version) VALUES ($1)`
