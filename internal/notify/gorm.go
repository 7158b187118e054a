package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/carewatch/internal/alertlog"
)

// JobRecord is the database model of a notification job.
type JobRecord struct {
	CreatedAt    time.Time
	UpdatedAt    time.Time
	OccurredAt   time.Time
	NextRetryAt  *time.Time
	DeviceID     string `gorm:"index;not null"`
	Kind         string `gorm:"not null"`
	Status       string `gorm:"index;not null"`
	LastError    string
	AlertEventID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Attempt      int    `gorm:"not null"`
}

// TableName specifies the table name for JobRecord.
func (JobRecord) TableName() string {
	return "notification_jobs"
}

func recordFromJob(job Job) *JobRecord {
	rec := &JobRecord{
		AlertEventID: job.AlertEventID(),
		DeviceID:     job.Event.DeviceID,
		Kind:         string(job.Event.Kind),
		OccurredAt:   job.Event.OccurredAt.UTC(),
		Status:       string(job.Status),
		Attempt:      job.Attempt,
		LastError:    job.LastError,
	}
	if !job.NextRetryAt.IsZero() {
		next := job.NextRetryAt.UTC()
		rec.NextRetryAt = &next
	}
	return rec
}

func (r *JobRecord) job() Job {
	job := Job{
		Event: alertlog.Event{
			ID:         r.AlertEventID,
			DeviceID:   r.DeviceID,
			Kind:       alertlog.Kind(r.Kind),
			OccurredAt: r.OccurredAt,
		},
		Status:    Status(r.Status),
		Attempt:   r.Attempt,
		LastError: r.LastError,
	}
	if r.NextRetryAt != nil {
		job.NextRetryAt = *r.NextRetryAt
	}
	return job
}

// GormJobStore persists notification jobs through GORM.
type GormJobStore struct {
	db *gorm.DB
}

// NewGormJobStore creates a GormJobStore. The notification_jobs table must
// already exist.
func NewGormJobStore(db *gorm.DB) (*GormJobStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &GormJobStore{db: db.Session(&gorm.Session{SkipDefaultTransaction: true})}, nil
}

// Create implements JobStore.
func (s *GormJobStore) Create(ctx context.Context, job Job) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(recordFromJob(job))
	if result.Error != nil {
		return false, fmt.Errorf("failed to create notification job: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Update implements JobStore.
func (s *GormJobStore) Update(ctx context.Context, job Job) error {
	rec := recordFromJob(job)

	result := s.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("alert_event_id = ? AND status = ?", rec.AlertEventID, string(StatusPending)).
		Updates(map[string]any{
			"status":        rec.Status,
			"attempt":       rec.Attempt,
			"next_retry_at": rec.NextRetryAt,
			"last_error":    rec.LastError,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update notification job: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	_, found, err := s.Get(ctx, rec.AlertEventID)
	if err != nil {
		return err
	}
	if !found {
		return ErrJobNotFound
	}
	return ErrJobFinal
}

// Get implements JobStore.
func (s *GormJobStore) Get(ctx context.Context, alertEventID uint64) (Job, bool, error) {
	var rec JobRecord
	err := s.db.WithContext(ctx).
		Where("alert_event_id = ?", alertEventID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to load notification job: %w", err)
	}
	return rec.job(), true, nil
}
