package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/storage"
)

// NewStore opens a SQLite store in a temp dir that is closed when the test ends.
func NewStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	store, err := storage.NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "jobflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
