package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tenantshowcase/inappdb/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryBlobKey = "blob_key = ?"
	opBlobGet    = "database.blob.get"
	opBlobSet    = "database.blob.set"
	opBlobRemove = "database.blob.remove"
)

var errMissingDatabase = errors.New("database handle is required")

// Blob stores one persisted payload per key.
type Blob struct {
	Key              string `gorm:"column:blob_key;primaryKey;size:190;not null"`
	Value            []byte `gorm:"column:blob_value;type:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Blob) TableName() string {
	return "inappdb_blobs"
}

// BlobStoreConfig describes the dependencies of a BlobStore.
type BlobStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// BlobStore implements storage.Backend on top of a gorm database.
type BlobStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ storage.Backend = (*BlobStore)(nil)

// NewBlobStore validates the configuration and returns a BlobStore.
func NewBlobStore(cfg BlobStoreConfig) (*BlobStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, storage.ErrInvalidKey
	}
	var blob Blob
	err := s.db.WithContext(ctx).Where(queryBlobKey, key).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		s.logError(opBlobGet, err, key)
		return nil, fmt.Errorf("%s: %w", opBlobGet, err)
	}
	return blob.Value, nil
}

func (s *BlobStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return storage.ErrInvalidKey
	}
	if value == nil {
		value = []byte{}
	}
	blob := Blob{
		Key:              key,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"blob_value", "updated_at_s"}),
	}).Create(&blob).Error
	if err != nil {
		s.logError(opBlobSet, err, key)
		return fmt.Errorf("%s: %w", opBlobSet, err)
	}
	return nil
}

func (s *BlobStore) Remove(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return storage.ErrInvalidKey
	}
	if err := s.db.WithContext(ctx).Where(queryBlobKey, key).Delete(&Blob{}).Error; err != nil {
		s.logError(opBlobRemove, err, key)
		return fmt.Errorf("%s: %w", opBlobRemove, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *BlobStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *BlobStore) logError(operation string, err error, key string) {
	s.logger.Error("blob store error",
		zap.String("operation", operation),
		zap.String("blob_key", key),
		zap.Error(err))
}
