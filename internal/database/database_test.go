package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(config.DatabaseConfig{Driver: DriverSQLite, Path: ":memory:"}, &logger)
	require.NoError(t, err)
	db.now = func() time.Time { return testNow }
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seedBooking stores a confirmed booking starting in one hour unless mutate says otherwise.
func seedBooking(t *testing.T, db *DB, mutate func(b *models.Booking)) *models.Booking {
	t.Helper()
	b := &models.Booking{
		Status:       models.StatusConfirmed,
		ConfirmedAt:  testNow.Add(-10 * time.Minute),
		CustomerID:   "c-1",
		CustomerName: "Alice",
		CustomerRef:  "111",
		PartnerID:    "p-1",
		PartnerName:  "Bob",
		PartnerRef:   "222",
		Schedule: models.Schedule{
			StartTime: testNow.Add(time.Hour),
			EndTime:   testNow.Add(2 * time.Hour),
		},
	}
	if mutate != nil {
		mutate(b)
	}
	require.NoError(t, db.CreateBooking(context.Background(), b))
	return b
}

func candidateIDs[T interface{ ID() string }](items []T) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID())
	}
	return ids
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(config.DatabaseConfig{Driver: DriverSQLite, Path: dbPath}, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.NoError(t, db.Ping(context.Background()))
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	_, err := NewDB(config.DatabaseConfig{Driver: "oracle"}, nil)
	assert.Error(t, err)
}

func TestCreateTablesIdempotent(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, createTables(db.db))
}
