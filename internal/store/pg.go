package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot is the mining_snapshots row.
type Snapshot struct {
	Key       string    `gorm:"primaryKey;size:255"`
	Data      []byte    `gorm:"type:bytea;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Snapshot) TableName() string { return "mining_snapshots" }

// PGStore keeps snapshots in Postgres through gorm.
type PGStore struct{ db *gorm.DB }

func NewPGStore(dsn string) (*PGStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	s := &PGStore{db: db}
	if err := s.db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Load(ctx context.Context, key string) ([]byte, error) {
	var rec Snapshot
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

func (s *PGStore) Save(ctx context.Context, key string, data []byte) error {
	rec := Snapshot{Key: key, Data: data, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&Snapshot{}).Error
}

func (s *PGStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
