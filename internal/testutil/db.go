package testutil

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/util/cliutil"
)

// TestDB returns a migrated sqlite database in a per-test temp directory.
func TestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ozone.sqlite")
	db, err := cliutil.SetupDatabase("sqlite://"+path, cliutil.DatabaseOptions{
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
