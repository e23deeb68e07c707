package models

// ActionType selects the executor that handles a queued action.
type ActionType string

const (
	ActionTypePublishPost ActionType = "publish_post"
)

// ActionStatus is the queue row state machine.
// PENDING -> SENT on success; PENDING -> FAILED on a retryable failure;
// FAILED -> PENDING when a sweeper claims the row for a retry;
// FAILED|PENDING -> DLQ when the failure is permanent or the retry budget is spent.
type ActionStatus string

const (
	ActionStatusPending ActionStatus = "PENDING"
	ActionStatusSent    ActionStatus = "SENT"
	ActionStatusFailed  ActionStatus = "FAILED"
	ActionStatusDead    ActionStatus = "DLQ"
)

// ErrorCategory is the normalized failure category recorded on the row.
type ErrorCategory string

const (
	ErrorCategoryRateLimit  ErrorCategory = "rate_limit"
	ErrorCategoryTransient  ErrorCategory = "transient"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryPermission ErrorCategory = "permission"
	ErrorCategoryCredential ErrorCategory = "credential"
	ErrorCategoryStore      ErrorCategory = "store"
)

type SocialAccountStatus string

const (
	SocialAccountStatusConnected    SocialAccountStatus = "CONNECTED"
	SocialAccountStatusDisconnected SocialAccountStatus = "DISCONNECTED"
)
