package clocklog

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// openTestDB opens the Postgres instance named by CLOCKLOG_TEST_DATABASE_URL
// and skips the test when it isn't set, matching the teacher's pattern of
// tests that skip cleanly when an external dependency isn't present rather
// than faking out the database driver.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CLOCKLOG_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CLOCKLOG_TEST_DATABASE_URL not set; skipping integration test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendProducesDenseClockLog(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, 10000)
	ctx := context.Background()

	wallet := "0xAA_dense_test"
	t.Cleanup(func() { _ = store.Truncate(ctx, wallet) })

	mutation := Mutation{
		SourceTable: "audius_users",
		Apply: func(ctx context.Context, tx *sql.Tx, userUUID uuid.UUID) (int64, error) {
			var id int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO audius_users (user_uuid, metadata_multihash) VALUES ($1, $2)
				ON CONFLICT (user_uuid) DO UPDATE SET metadata_multihash = EXCLUDED.metadata_multihash
				RETURNING id`,
				userUUID, "Qmtest").Scan(&id)
			return id, err
		},
	}

	clock, err := store.Append(ctx, wallet, []Mutation{mutation, mutation, mutation})
	require.NoError(t, err)
	require.Equal(t, int64(2), clock)

	user, err := store.GetUser(ctx, wallet)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, int64(2), user.Clock)
}

func TestSliceReturnsUpToDateMarkerWhenAhead(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, 10000)
	ctx := context.Background()

	wallet := "0xAA_up_to_date"
	t.Cleanup(func() { _ = store.Truncate(ctx, wallet) })

	clock, err := store.Append(ctx, wallet, []Mutation{{
		SourceTable: "audius_users",
		Apply: func(ctx context.Context, tx *sql.Tx, userUUID uuid.UUID) (int64, error) {
			var id int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO audius_users (user_uuid, metadata_multihash) VALUES ($1, $2) RETURNING id`,
				userUUID, "Qmtest").Scan(&id)
			return id, err
		},
	}})
	require.NoError(t, err)
	require.Equal(t, int64(0), clock)

	user, records, _, err := store.Slice(ctx, wallet, 5)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, int64(0), user.Clock)
	require.Empty(t, records)
}
