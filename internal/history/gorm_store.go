package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	sqliteDSNFormat           = "%s?_journal_mode=WAL&_busy_timeout=5000"
	sqliteDirectoryMode       = 0o755
	errMessageCreateDirectory = "create database directory"
	errMessageOpenDatabase    = "open follow history database"
	errMessageMigrate         = "migrate follow history"
	errMessageRecordFollow    = "record follow"
)

// FollowModel maps a ledger row.
type FollowModel struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Username   string    `gorm:"type:text;not null;index"`
	FollowedAt time.Time `gorm:"not null;index"`
	Status     string    `gorm:"type:text;not null;default:followed"`
}

// TableName keeps the ledger table name stable.
func (FollowModel) TableName() string {
	return TableName
}

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// OpenSQLiteStore opens (creating if needed) a SQLite ledger at path and migrates it.
func OpenSQLiteStore(path string) (*GormStore, error) {
	if directory := filepath.Dir(path); directory != "" {
		if err := os.MkdirAll(directory, sqliteDirectoryMode); err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageCreateDirectory, err)
		}
	}
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf(sqliteDSNFormat, path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageOpenDatabase, err)
	}
	return NewGormStore(database)
}

// NewGormStore wraps an open connection and migrates the ledger table.
func NewGormStore(database *gorm.DB) (*GormStore, error) {
	if err := database.AutoMigrate(&FollowModel{}); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageMigrate, err)
	}
	return &GormStore{db: database}, nil
}

// RecordFollow appends a followed entry.
func (store *GormStore) RecordFollow(ctx context.Context, username string, followedAt time.Time) error {
	normalized, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	model := FollowModel{Username: normalized, FollowedAt: followedAt.UTC(), Status: StatusFollowed}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("%s: %w", errMessageRecordFollow, err)
	}
	return nil
}

// CountSince counts entries at or after since.
func (store *GormStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&FollowModel{}).
		Where("followed_at >= ?", since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// HasFollowed reports whether username appears in the ledger.
func (store *GormStore) HasFollowed(ctx context.Context, username string) (bool, error) {
	normalized, err := normalizeUsername(username)
	if err != nil {
		return false, err
	}
	var count int64
	err = store.db.WithContext(ctx).Model(&FollowModel{}).
		Where("username = ?", normalized).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Entries lists the ledger newest first.
func (store *GormStore) Entries(ctx context.Context, limit int) ([]Entry, error) {
	var models []FollowModel
	query := store.db.WithContext(ctx).Order("followed_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(models))
	for _, model := range models {
		entries = append(entries, Entry{Username: model.Username, FollowedAt: model.FollowedAt, Status: model.Status})
	}
	return entries, nil
}

// Close releases the underlying connection pool.
func (store *GormStore) Close() error {
	sqlDatabase, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDatabase.Close()
}
