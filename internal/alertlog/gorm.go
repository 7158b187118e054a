package alertlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/carewatch/internal/geofence"
)

// EventRecord is the database row of an alert event.
type EventRecord struct {
	OccurredAt     time.Time `gorm:"index:idx_alert_occurred_at;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	Latitude       *float64
	Longitude      *float64
	DeviceID       string `gorm:"uniqueIndex:idx_alert_natural_key,priority:1;not null"`
	Kind           string `gorm:"uniqueIndex:idx_alert_natural_key,priority:2;not null"`
	OccurredBucket int64  `gorm:"uniqueIndex:idx_alert_natural_key,priority:3;not null"`
	ID             uint64 `gorm:"primaryKey"`
}

// TableName specifies the table name for EventRecord model.
func (EventRecord) TableName() string {
	return "alert_events"
}

func (r EventRecord) event() Event {
	e := Event{
		ID:         r.ID,
		DeviceID:   r.DeviceID,
		Kind:       Kind(r.Kind),
		OccurredAt: r.OccurredAt.UTC(),
	}
	if r.Latitude != nil && r.Longitude != nil {
		e.Location = &geofence.Point{Latitude: *r.Latitude, Longitude: *r.Longitude}
	}
	return e
}

// GormConfig holds the configuration for GormLog.
type GormConfig struct {
	DB *gorm.DB
	// Bucket is the natural-key granularity of OccurredAt; zero keys on
	// the exact instant.
	Bucket time.Duration
	// PageSize is the number of rows fetched per query while listing.
	PageSize int
}

// GormLog stores alerts in PostgreSQL through GORM. The unique index on
// (device_id, kind, occurred_bucket) makes appends idempotent.
type GormLog struct {
	db       *gorm.DB
	bucket   time.Duration
	pageSize int
}

// NewGormLog creates a GormLog. The schema is expected to exist; see
// backend.NewDB for migrations.
func NewGormLog(cfg *GormConfig) (*GormLog, error) {
	if cfg == nil {
		return nil, errors.New("alert log config cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	return &GormLog{
		db:       cfg.DB.Session(&gorm.Session{SkipDefaultTransaction: true}),
		bucket:   cfg.Bucket,
		pageSize: pageSize,
	}, nil
}

// Append implements Log.
func (l *GormLog) Append(ctx context.Context, e Event) (uint64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}

	key := KeyOf(e, l.bucket)
	record := &EventRecord{
		DeviceID:       e.DeviceID,
		Kind:           string(e.Kind),
		OccurredAt:     e.OccurredAt.UTC(),
		OccurredBucket: key.Bucket,
	}
	if e.Location != nil {
		lat, lon := e.Location.Latitude, e.Location.Longitude
		record.Latitude = &lat
		record.Longitude = &lon
	}

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert alert event: %w", result.Error)
	}

	if result.RowsAffected > 0 && record.ID != 0 {
		return record.ID, nil
	}

	// Natural key already present: return the stored row's ID.
	var existing EventRecord
	err := l.db.WithContext(ctx).
		Where("device_id = ? AND kind = ? AND occurred_bucket = ?", key.DeviceID, string(key.Kind), key.Bucket).
		First(&existing).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load existing alert event: %w", err)
	}

	return existing.ID, nil
}

// Page implements Log. The filters run in PostgreSQL and the primary key
// index bounds the scan at AfterID.
func (l *GormLog) Page(ctx context.Context, q Query) ([]Event, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	tx := l.db.WithContext(ctx).Where("id > ?", q.AfterID)
	if q.DeviceID != "" {
		tx = tx.Where("device_id = ?", q.DeviceID)
	}
	if q.Kind != "" {
		tx = tx.Where("kind = ?", string(q.Kind))
	}

	var rows []EventRecord
	if err := tx.Order("id ASC").Limit(q.Limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

// List implements Log.
func (l *GormLog) List(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var maxID uint64
		err := l.db.WithContext(ctx).
			Model(&EventRecord{}).
			Select("COALESCE(MAX(id), 0)").
			Scan(&maxID).Error
		if err != nil {
			yield(Event{}, fmt.Errorf("failed to read alert log head: %w", err))
			return
		}

		var after uint64
		for after < maxID {
			var page []EventRecord
			err := l.db.WithContext(ctx).
				Where("id > ? AND id <= ?", after, maxID).
				Order("id ASC").
				Limit(l.pageSize).
				Find(&page).Error
			if err != nil {
				yield(Event{}, fmt.Errorf("failed to list alert events: %w", err))
				return
			}

			for _, r := range page {
				if !yield(r.event(), nil) {
					return
				}
				after = r.ID
			}

			if len(page) < l.pageSize {
				return
			}
		}
	}
}
