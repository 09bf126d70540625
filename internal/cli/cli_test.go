package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"realtysync/internal/config"
	"realtysync/internal/database"
	"realtysync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sync.db")
	cfg := "database:\n  driver: sqlite3\n  path: " + dbPath + "\n" +
		"exports:\n  path: " + filepath.Join(dir, "exports") + "\n" +
		"backup:\n  storage_path: " + filepath.Join(dir, "backups") + "\n" +
		"logging:\n  output: stderr\n  level: error\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, dbPath
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func openTestDB(t *testing.T, path string) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(config.DatabaseConfig{Driver: database.DriverSQLite, Path: path}, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestQueueStatsJSON(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := runCommand(t, "--config", cfgPath, "--format", "json", "queue", "stats")
	require.NoError(t, err)

	var got struct {
		Queue         models.QueueStats `json:"queue"`
		FailedChanges int               `json:"failed_changes"`
		OpenConflicts int               `json:"open_conflicts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Zero(t, got.Queue.Pending)
	assert.Zero(t, got.FailedChanges)
}

func TestInvalidFormat(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := runCommand(t, "--config", cfgPath, "--format", "xml", "queue", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestKeysSeed(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	out, err := runCommand(t, "--config", cfgPath, "keys", "seed", "--type", "seller", "--value", "41")
	require.NoError(t, err)
	assert.Contains(t, out, "AA00042")

	// The sequence never moves backwards.
	_, err = runCommand(t, "--config", cfgPath, "keys", "seed", "--type", "seller", "--value", "3")
	require.NoError(t, err)

	db := openTestDB(t, dbPath)
	current, err := db.CurrentKeySequence(context.Background(), models.EntitySeller)
	require.NoError(t, err)
	assert.Equal(t, int64(41), current)

	_, err = runCommand(t, "--config", cfgPath, "keys", "seed", "--type", "seller")
	require.Error(t, err)
}

func TestFailedListAndExport(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	db := openTestDB(t, dbPath)
	newValue := "contracted"
	require.NoError(t, db.InsertFailedChange(context.Background(), &models.FailedChangeRecord{
		EntityType: models.EntitySeller,
		EntityKey:  "AA00001",
		FieldName:  "status",
		NewValue:   &newValue,
		RetryCount: 3,
	}))

	out, err := runCommand(t, "--config", cfgPath, "failed", "list", "--type", "seller")
	require.NoError(t, err)
	assert.Contains(t, out, "AA00001")
	assert.Contains(t, out, "contracted")

	out, err = runCommand(t, "--config", cfgPath, "--format", "json", "export")
	require.NoError(t, err)
	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.FileExists(t, res["path"])
}

func TestFailedListRejectsUnknownType(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := runCommand(t, "--config", cfgPath, "failed", "list", "--type", "villa")
	require.Error(t, err)
}

type staticRows []models.SheetRow

func (s staticRows) ReadAll(ctx context.Context) ([]models.SheetRow, error) { return s, nil }

func TestMaxSheetKey(t *testing.T) {
	sellers := staticRows{
		{Number: 2, Values: map[string]string{"Seller Number": "AA00007"}},
		{Number: 3, Values: map[string]string{"Seller Number": "aa00120"}},
		{Number: 4, Values: map[string]string{"Seller Number": "draft"}},
	}
	n, err := maxSheetKey(context.Background(), sellers, models.EntitySeller)
	require.NoError(t, err)
	assert.Equal(t, int64(120), n)

	buyers := staticRows{
		{Number: 2, Values: map[string]string{"Buyer Number": "15"}},
		{Number: 3, Values: map[string]string{"Buyer Number": ""}},
	}
	n, err = maxSheetKey(context.Background(), buyers, models.EntityBuyer)
	require.NoError(t, err)
	assert.Equal(t, int64(15), n)
}
