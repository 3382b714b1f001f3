package storage

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// TestPostgresStore runs the store contract against a real database when
// TEST_POSTGRES_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	require.NoError(t, MigratePostgres(dsn, "../../migrations/postgres"))

	suite.Run(t, &StoreTestSuite{open: func(t *testing.T) Store {
		pool, err := pgxpool.New(context.Background(), dsn)
		require.NoError(t, err)
		_, err = pool.Exec(context.Background(), `truncate table jobs`)
		require.NoError(t, err)
		return NewPostgres(pool)
	}})
}
