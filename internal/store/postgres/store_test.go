package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/abhishekkushwahaa/signsetu/internal/store/storetest"
)

// openTest connects to TEST_DATABASE_URL, migrates and truncates. Tests are
// skipped when the variable is unset.
func openTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn, PoolConfig{MaxOpenConns: 8, MaxIdleConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `TRUNCATE time_blocks, profiles, delivery_attempts`)
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return openTest(t) })
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openTest(t)
	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	require.Empty(t, applied)
}
