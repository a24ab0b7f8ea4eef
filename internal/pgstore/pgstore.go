// Package pgstore is a gorm backed kv.Store, used as the shared remote for
// deployments that run a Postgres server.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conorfennell/knolsync/internal/kv"
)

// Blob is one stored value.
type Blob struct {
	BlobKey   string    `gorm:"primaryKey;size:512"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Blob) TableName() string {
	return "sync_blobs"
}

// Store is a kv.Store on a gorm connection.
type Store struct {
	db *gorm.DB
}

var _ kv.Store = (*Store)(nil)

// OpenPostgres connects to dsn and migrates the blob table.
func OpenPostgres(dsn string, logger *slog.Logger, gormLevel string) (*Store, error) {
	return Open(postgres.Open(dsn), logger, gormLevel)
}

// Open uses any gorm dialector; tests pass the SQLite one.
func Open(dialector gorm.Dialector, logger *slog.Logger, gormLevel string) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gormLogger, levelErr := newGormLogger(logger, gormLevel)
	if levelErr != nil {
		logger.Warn("invalid gorm log level", "value", gormLevel, "error", levelErr)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote database: %w", err)
	}
	if err := db.AutoMigrate(&Blob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate remote database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var blob Blob
	err := s.db.WithContext(ctx).Where("blob_key = ?", key).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return blob.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	blob := Blob{BlobKey: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&blob).Error
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("blob_key = ?", key).Delete(&Blob{}).Error; err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}
