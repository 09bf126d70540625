package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"realtysync/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService(t *testing.T) {
	db := setupTestDB(t)
	createSeller(t, db, map[string]string{"name": "Tanaka"})

	storagePath := filepath.Join(t.TempDir(), "backups")
	cfg := config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}
	logger := zerolog.Nop()
	s := NewBackupService(db, cfg, &logger)

	t.Run("PerformBackup", func(t *testing.T) {
		path, err := s.PerformBackup(context.Background())
		require.NoError(t, err)
		assert.FileExists(t, path)

		files, err := os.ReadDir(storagePath)
		assert.NoError(t, err)
		assert.Len(t, files, 1)
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, "old_backup.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))

		oldTime := time.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

		s.CleanupOldBackups()

		_, err := os.Stat(oldFile)
		assert.True(t, os.IsNotExist(err))

		files, err := os.ReadDir(storagePath)
		assert.NoError(t, err)
		assert.Len(t, files, 1)
	})

	t.Run("Disabled", func(t *testing.T) {
		disabled := NewBackupService(db, config.BackupConfig{Enabled: false}, &logger)
		done := make(chan struct{})
		go func() {
			disabled.Start(context.Background())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("disabled backup service should return immediately")
		}
	})
}
