// Package genqueue dispatches reply generation over RabbitMQ: the client
// side records a job row and publishes its id; the worker side consumes the
// queue, produces the reply, persists it, and fans it out on the push
// channel.
package genqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"chatsync/internal/errs"
	"chatsync/internal/message"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID         string `gorm:"size:64;index;not null"`
	ConversationID string `gorm:"size:64;index;not null"`
	CharacterID    string `gorm:"size:64;not null"`
	PersonaID      string `gorm:"size:64"`
	Model          string `gorm:"size:64"`

	Prompt         string  `gorm:"type:text;not null"`
	TrackedContext *string `gorm:"type:text"`
	AddonSettings  *string `gorm:"type:text"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_gen_idempo,unique"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *string `gorm:"size:64"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "generation_jobs" }

func (j *Job) trackedContext() *message.TrackedContext {
	if j.TrackedContext == nil || *j.TrackedContext == "" {
		return nil
	}
	var tc message.TrackedContext
	if err := json.Unmarshal([]byte(*j.TrackedContext), &tc); err != nil {
		return nil
	}
	return &tc
}

// Jobs is the job table access layer.
type Jobs struct {
	db *gorm.DB
}

func NewJobs(db *gorm.DB) *Jobs {
	return &Jobs{db: db}
}

// AutoMigrate creates the job table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Job{})
}

// CreateOrGetExisting inserts the job, or returns the job already recorded
// under the same idempotency key. The boolean reports whether a new job was
// created and therefore needs publishing.
func (r *Jobs) CreateOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, &errs.PersistenceError{Op: "create job", Err: err}
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	var existing Job
	getErr := r.db.WithContext(ctx).
		Where("idempotency_key = ?", *job.IdempotencyKey).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, &errs.PersistenceError{Op: "create job", Err: err}
	}
	return nil, false, &errs.PersistenceError{Op: "get job", Err: getErr}
}

func (r *Jobs) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "get job", Err: err}
	}
	return &j, nil
}

func (r *Jobs) MarkRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Jobs) MarkSucceeded(ctx context.Context, id, resultMessageID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": resultMessageID,
			"error":             nil,
		}).Error
}

func (r *Jobs) MarkFailed(ctx context.Context, id, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}
