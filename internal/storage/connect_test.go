package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectFallsBackToSQLite(t *testing.T) {
	s, err := Connect(context.Background(), ConnectParams{SQLitePath: filepath.Join(t.TempDir(), "c.db")}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(*SQLite)
	require.True(t, ok)
	require.NoError(t, s.Ping(context.Background()))
}
