package models

import (
	"encoding/json"
	"time"
)

// QueuedAction is one row per attempted outbound action against the Graph API.
// The row is the system of record: the request-time attempt and the retry
// sweeper both coordinate exclusively through it. Rows are never deleted here;
// retention is an external concern.
//
// Invariants:
// - one row per idempotency_key (unique index + upsert)
// - SENT implies result_id set and error cleared
// - DLQ implies next_retry_at is null
// - payload's creation_id, once set, is never cleared; a retried attempt uses it
//   to skip the already-completed remote step.
type QueuedAction struct {
	ID                int            `gorm:"primary_key" json:"id"`
	BusinessAccountId string         `gorm:"size:64;not null;index" json:"business_account_id"`
	ActionType        ActionType     `gorm:"size:50;not null" json:"action_type"`
	Payload           []byte         `gorm:"type:jsonb" json:"payload"`
	IdempotencyKey    string         `gorm:"size:64;not null;uniqueIndex:uniq_queued_action_key" json:"idempotency_key"`
	Status            ActionStatus   `gorm:"size:20;not null;index:idx_queued_action_due" json:"status"`
	RetryCount        int            `gorm:"not null;default:0" json:"retry_count"`
	Error             *string        `gorm:"type:text" json:"error"`
	ErrorCategory     *ErrorCategory `gorm:"size:50" json:"error_category"`
	NextRetryAt       *time.Time     `gorm:"index:idx_queued_action_due" json:"next_retry_at"`
	ResultId          *string        `gorm:"size:255" json:"result_id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// DecodePayload unmarshals the payload document. A nil/empty payload decodes to
// an empty map so callers can mutate and re-encode without nil checks.
func (a *QueuedAction) DecodePayload() (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	if len(a.Payload) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(a.Payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// PayloadString returns a string field from the payload document, or "" when
// absent or the payload cannot be decoded.
func (a *QueuedAction) PayloadString(key string) string {
	doc, err := a.DecodePayload()
	if err != nil {
		return ""
	}
	v, _ := doc[key].(string)
	return v
}

func EncodePayload(doc map[string]interface{}) ([]byte, error) {
	return json.Marshal(doc)
}
