package counter

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// BucketRecord is the persisted form of a bucket. Times are unix milliseconds.
type BucketRecord struct {
	BucketKey string `gorm:"primaryKey"`
	Count     int
	ResetAtMs int64
	TouchedMs int64 `gorm:"index"`
}

func (BucketRecord) TableName() string { return "rate_buckets" }

// SQLStore persists buckets through gorm so counts survive restarts.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite bucket database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY between shards.
	sqlDB.SetMaxOpenConns(1)
	return NewSQLStore(db)
}

// NewSQLStore migrates the bucket table on an existing connection.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&BucketRecord{}); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Bucket, error) {
	var out Bucket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec BucketRecord
		found := true
		if err := tx.Where("bucket_key = ?", key).First(&rec).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			found = false
		}

		out = advance(Bucket{Count: rec.Count, ResetAt: time.UnixMilli(rec.ResetAtMs)}, found, now, window)

		rec = BucketRecord{
			BucketKey: key,
			Count:     out.Count,
			ResetAtMs: out.ResetAt.UnixMilli(),
			TouchedMs: now.UnixMilli(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"count", "reset_at_ms", "touched_ms"}),
		}).Create(&rec).Error
	})
	if err != nil {
		return Bucket{}, err
	}
	return out, nil
}

func (s *SQLStore) Sweep(ctx context.Context, idleBefore time.Time) (int, error) {
	result := s.db.WithContext(ctx).Where("touched_ms < ?", idleBefore.UnixMilli()).Delete(&BucketRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*SQLStore)(nil)
