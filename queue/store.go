package queue

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ActionStore is the durable record of queued actions. The in-process call
// path and the retry sweeper both coordinate exclusively through it; the
// unique constraint on idempotency_key is the sole mutual exclusion for
// double-submission.
type ActionStore interface {
	// Upsert inserts the action or, when a row with the same idempotency key
	// already exists, merges the provided payload fields into that row's
	// payload document. Fields only the executor writes (creation_id) survive
	// the merge; status and retry_count are never touched by the insert path.
	// On return the action reflects the stored row (existing id, status,
	// retry_count and merged payload on conflict).
	Upsert(ctx context.Context, action *models.QueuedAction) error
	Get(ctx context.Context, id int) (*models.QueuedAction, error)
	UpdatePayload(ctx context.Context, id int, payload []byte) error
	MarkSent(ctx context.Context, id int, resultId string) error
	MarkFailed(ctx context.Context, id int, message string, category models.ErrorCategory, retryCount int, nextRetryAt time.Time) error
	MarkDead(ctx context.Context, id int, message string, category models.ErrorCategory, retryCount int) error
	// FindDueForRetry returns FAILED rows whose next_retry_at has elapsed,
	// oldest due first.
	FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.QueuedAction, error)
	// ClaimForRetry flips a row FAILED -> PENDING only if it is still FAILED.
	// false means another sweeper won the claim.
	ClaimForRetry(ctx context.Context, id int) (bool, error)
}

// GormStore is the Postgres-backed ActionStore.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func isDuplicateKeyErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *GormStore) Upsert(ctx context.Context, action *models.QueuedAction) error {
	db := s.DB.WithContext(ctx)

	if err := db.Create(action).Error; err == nil {
		return nil
	} else if !isDuplicateKeyErr(err) {
		return err
	}

	// A row with this idempotency key exists. Merge the caller's payload
	// fields into the stored document rather than replacing it: a FAILED row
	// may already carry executor-written state (creation_id), and losing it
	// would make the next attempt repeat the completed remote step.
	// status/retry_count stay whatever the executor left them at.
	incoming := string(action.Payload)
	if incoming == "" || incoming == "null" {
		incoming = "{}"
	}
	if err := db.Model(&models.QueuedAction{}).
		Where("idempotency_key = ?", action.IdempotencyKey).
		Updates(map[string]interface{}{
			"payload":     gorm.Expr("COALESCE(payload, '{}'::jsonb) || ?::jsonb", incoming),
			"action_type": action.ActionType,
		}).Error; err != nil {
		return err
	}

	var existing models.QueuedAction
	if err := db.Where("idempotency_key = ?", action.IdempotencyKey).
		Take(&existing).Error; err != nil {
		return err
	}
	*action = existing
	return nil
}

func (s *GormStore) Get(ctx context.Context, id int) (*models.QueuedAction, error) {
	var action models.QueuedAction
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&action).Error; err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *GormStore) UpdatePayload(ctx context.Context, id int, payload []byte) error {
	return s.DB.WithContext(ctx).Model(&models.QueuedAction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"payload": payload,
		}).Error
}

func (s *GormStore) MarkSent(ctx context.Context, id int, resultId string) error {
	return s.DB.WithContext(ctx).Model(&models.QueuedAction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.ActionStatusSent,
			"result_id":      &resultId,
			"error":          nil,
			"error_category": nil,
			"next_retry_at":  nil,
		}).Error
}

func (s *GormStore) MarkFailed(ctx context.Context, id int, message string, category models.ErrorCategory, retryCount int, nextRetryAt time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.QueuedAction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.ActionStatusFailed,
			"retry_count":    retryCount,
			"error":          &message,
			"error_category": string(category),
			"next_retry_at":  &nextRetryAt,
		}).Error
}

func (s *GormStore) MarkDead(ctx context.Context, id int, message string, category models.ErrorCategory, retryCount int) error {
	return s.DB.WithContext(ctx).Model(&models.QueuedAction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.ActionStatusDead,
			"retry_count":    retryCount,
			"error":          &message,
			"error_category": string(category),
			"next_retry_at":  nil,
		}).Error
}

func (s *GormStore) FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.QueuedAction, error) {
	var due []models.QueuedAction
	err := s.DB.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.ActionStatusFailed, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	return due, nil
}

func (s *GormStore) ClaimForRetry(ctx context.Context, id int) (bool, error) {
	result := s.DB.WithContext(ctx).Model(&models.QueuedAction{}).
		Where("id = ? AND status = ?", id, models.ActionStatusFailed).
		Updates(map[string]interface{}{
			"status":        models.ActionStatusPending,
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
