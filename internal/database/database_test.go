package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"realtysync/internal/config"
	"realtysync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(config.DatabaseConfig{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "realty.db"),
	}, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createSeller(t *testing.T, db *DB, fields map[string]string) *models.Entity {
	t.Helper()
	var e *models.Entity
	err := db.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		e, err = tx.InsertEntity(context.Background(), models.EntitySeller, fields)
		return err
	})
	require.NoError(t, err)
	return e
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "db_test_dir")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(config.DatabaseConfig{Driver: DriverSQLite, Path: dbPath}, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, DriverSQLite, db.Driver())
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewDB(config.DatabaseConfig{Driver: "mysql"}, &logger)
	assert.Error(t, err)
}

func TestNewDB_SchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "twice.db")
	logger := zerolog.Nop()

	first, err := NewDB(config.DatabaseConfig{Driver: DriverSQLite, Path: dbPath}, &logger)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewDB(config.DatabaseConfig{Driver: DriverSQLite, Path: dbPath}, &logger)
	require.NoError(t, err)
	defer second.Close()
}

func TestSchemaDialects(t *testing.T) {
	sqlite := schema(DriverSQLite)
	pg := schema(DriverPostgres)
	require.Equal(t, len(sqlite), len(pg))

	for _, q := range pg {
		assert.NotContains(t, q, "AUTOINCREMENT")
		assert.NotContains(t, q, "{{")
	}
	assert.Contains(t, pg[0], "BIGSERIAL")
	assert.Contains(t, sqlite[0], "AUTOINCREMENT")
	assert.Contains(t, sqlite[0], "seller_number TEXT UNIQUE NOT NULL")
	assert.Contains(t, sqlite[1], "buyer_number TEXT UNIQUE NOT NULL")
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	boom := assert.AnError
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertEntity(ctx, models.EntitySeller, map[string]string{"name": "Ghost"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	list, err := db.ListEntities(ctx, models.EntitySeller, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.PingContext(context.Background()))
}
