package stores

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a file-backed SQLite store in a temp dir.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "wsm.db"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return setupTestStore(t)
	})
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.cfg.MaxOpenConns)

	ctx := context.Background()
	assert.Error(t, store.HealthCheck(ctx), "health check before init")

	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations are idempotent")
	require.NoError(t, store.HealthCheck(ctx))

	for _, table := range []string{"resources", "flights", "flight_events"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}

	require.NoError(t, store.Close())
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)
}

func TestSQLiteUnique(t *testing.T) {
	assert.Equal(t, uniqueResourceName,
		sqliteUnique(errString("constraint failed: UNIQUE constraint failed: resources.workspace_id, resources.name (2067)")))
	assert.Equal(t, uniqueResourceID,
		sqliteUnique(errString("UNIQUE constraint failed: resources.resource_id")))
	assert.Equal(t, uniqueFlightID, sqliteUnique(errString("UNIQUE constraint failed: flights.id")))
	assert.Equal(t, uniqueNone, sqliteUnique(errString("database is locked")))
	assert.Equal(t, uniqueNone, sqliteUnique(nil))
}

type errString string

func (e errString) Error() string { return string(e) }
