package walle

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestCreateDB(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "walle.sqlite3")
	db, err := CreateDB(ctx, dbTypeSQLite, dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)

	for _, model := range migrateModels() {
		assert.True(t, db.Migrator().HasTable(model), "missing table for %T", model)
	}

	var journalMode string
	require.NoError(t, db.Raw("pragma journal_mode").Scan(&journalMode).Error)
	assert.Equal(t, "wal", journalMode)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, sqliteMaxOpenConns, sqlDB.Stats().MaxOpenConnections)
}

func TestCreateDBUnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := CreateDB(context.Background(), "mysql", "whatever")
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestDatabase_Writes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := newTestDB(t)

	m := &MemberProgress{MemberID: "100", Name: "wall-e"}
	rows, err := db.Create(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	assert.NotZero(t, m.CreatedAt)

	rows, err = db.Update(ctx, &MemberProgress{MemberID: "100"}, columnMemberName, "eve")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	rows, err = db.Updates(ctx, &MemberProgress{MemberID: "100"}, map[string]any{columnMemberLevel: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	rows, err = db.UpdatesWhere(
		ctx,
		&MemberProgress{},
		map[string]any{columnMemberHidden: true},
		columnMemberLevel+" >= ?",
		3,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var stored MemberProgress
	require.NoError(t, db.DB().Take(&stored, "member_id = ?", "100").Error)
	assert.Equal(t, "eve", stored.Name)
	assert.Equal(t, 3, stored.Level)
	assert.True(t, stored.Hidden)

	rows, err = db.Delete(ctx, &MemberProgress{}, "member_id = ?", "100")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
}

func TestDatabase_CheckConstraints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := newTestDB(t)
	_, err := db.Create(ctx, &MemberProgress{MemberID: "100", Points: -5})
	assert.Error(t, err)

	_, err = db.Create(ctx, &MemberProgress{MemberID: "200"})
	require.NoError(t, err)
	_, err = db.Create(ctx, &MemberProgress{MemberID: "200"})
	assert.Error(t, err)
}

func TestDatabase_SerializedWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := newTestDB(t)
	_, err := db.Create(ctx, &MemberProgress{MemberID: "100"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(
				ctx, func(tx *gorm.DB) error {
					var m MemberProgress
					if e := tx.Take(&m, "member_id = ?", "100").Error; e != nil {
						return e
					}
					return tx.Model(&m).Update(columnMemberMessageCount, m.MessageCount+1).Error
				},
			)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var m MemberProgress
	require.NoError(t, db.DB().Take(&m, "member_id = ?", "100").Error)
	assert.Equal(t, int64(25), m.MessageCount)
}

func TestDatabase_DefaultTimeout(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := db.Create(ctx, &MemberProgress{MemberID: "late"})
	assert.Error(t, err)
}
