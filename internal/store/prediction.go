package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apex-x/textcls-runtime/internal/service"
)

// PredictionRecord is one served prediction. Input text is not stored.
type PredictionRecord struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	RequestID      string    `json:"request_id" gorm:"type:varchar(128);index"`
	Label          string    `json:"label" gorm:"type:varchar(128);not null"`
	Score          float64   `json:"score" gorm:"not null"`
	Backend        string    `json:"backend" gorm:"type:varchar(32);not null"`
	ArtifactDigest string    `json:"artifact_digest" gorm:"type:char(64);index"`
	InputChars     int       `json:"input_chars"`
	LatencyMicros  int64     `json:"latency_micros"`
	CacheHit       bool      `json:"cache_hit" gorm:"default:false"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

// TableName returns the table name for GORM
func (PredictionRecord) TableName() string {
	return "prediction_records"
}

// BeforeCreate assigns an id to records that lack one.
func (r *PredictionRecord) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// NewRecord converts a served prediction into its stored form.
func NewRecord(event service.PredictionEvent) PredictionRecord {
	return PredictionRecord{
		RequestID:      event.RequestID,
		Label:          event.Label,
		Score:          event.Score,
		Backend:        event.Backend,
		ArtifactDigest: event.ArtifactDigest,
		InputChars:     event.InputChars,
		LatencyMicros:  event.Latency.Microseconds(),
		CacheHit:       event.CacheHit,
	}
}

// PredictionRepository persists prediction records.
type PredictionRepository struct {
	db *gorm.DB
}

func NewPredictionRepository(db *gorm.DB) *PredictionRepository {
	return &PredictionRepository{db: db}
}

// Record stores one row per event in a single insert.
func (r *PredictionRepository) Record(ctx context.Context, events []service.PredictionEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]PredictionRecord, len(events))
	for idx, event := range events {
		records[idx] = NewRecord(event)
	}
	if err := r.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("inserting prediction records: %w", err)
	}
	return nil
}

// Recent lists the latest records, newest first, optionally for one artifact.
func (r *PredictionRepository) Recent(ctx context.Context, digest string, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if digest != "" {
		query = query.Where("artifact_digest = ?", digest)
	}
	var records []PredictionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

type labelCount struct {
	Label string
	Count int64
}

func labelCountsQuery(tx *gorm.DB, since time.Time) *gorm.DB {
	return tx.Model(&PredictionRecord{}).
		Select("label, count(*) as count").
		Where("created_at >= ?", since).
		Group("label")
}

// LabelCounts tallies predictions per label since the given time.
func (r *PredictionRepository) LabelCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []labelCount
	if err := labelCountsQuery(r.db.WithContext(ctx), since).Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Label] = row.Count
	}
	return counts, nil
}

func (r *PredictionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *PredictionRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
