package queue

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/config"
	"bitbucket.org/mmdatafocus/social_backend/metaapi"
	"bitbucket.org/mmdatafocus/social_backend/models"
	"bitbucket.org/mmdatafocus/social_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MediaPublisher is the two-step remote write surface of the Graph API.
type MediaPublisher interface {
	CreateMediaContainer(ctx context.Context, accessToken, igUserId string, params metaapi.MediaContainerParams) (string, error)
	PublishMediaContainer(ctx context.Context, accessToken, igUserId, creationId string) (string, error)
}

// Outcome is the structured result handed back to the route layer, which owns
// the HTTP status mapping.
type Outcome struct {
	ID                int                  `json:"id"`
	Status            models.ActionStatus  `json:"status"`
	ResultId          string               `json:"result_id,omitempty"`
	Error             string               `json:"error,omitempty"`
	ErrorCategory     models.ErrorCategory `json:"error_category,omitempty"`
	Retryable         bool                 `json:"retryable,omitempty"`
	RetryAfterSeconds int                  `json:"retry_after_seconds,omitempty"`
}

// Executor runs the multi-step publish sequence for one queued action,
// persisting intermediate state between steps so a retry never repeats a
// completed remote step.
type Executor struct {
	Store       ActionStore
	Meta        MediaPublisher
	Credentials CredentialSource
	Logger      *logrus.Logger
	Hooks       []PostCommitHook

	MaxAttempts int
	Backoff     BackoffPolicy
}

// NewExecutor wires the production executor: GORM store, Graph client,
// DB+Redis credential resolver, published-post read model hook. Tuning comes
// from env (PUBLISH_MAX_ATTEMPTS, PUBLISH_BACKOFF_BASE_SECONDS,
// PUBLISH_BACKOFF_CAP_SECONDS).
func NewExecutor(db *gorm.DB, logger *logrus.Logger) *Executor {
	return &Executor{
		Store:       NewGormStore(db),
		Meta:        metaapi.NewClient(),
		Credentials: NewCredentialResolver(db),
		Logger:      logger,
		Hooks:       []PostCommitHook{NewPublishedPostHook(db, logger)},
		MaxAttempts: config.IntFromEnv("PUBLISH_MAX_ATTEMPTS", 5),
		Backoff: BackoffPolicy{
			Base: time.Duration(config.IntFromEnv("PUBLISH_BACKOFF_BASE_SECONDS", 60)) * time.Second,
			Cap:  time.Duration(config.IntFromEnv("PUBLISH_BACKOFF_CAP_SECONDS", 3600)) * time.Second,
		},
	}
}

// EnqueueAndAttempt inserts the durable intent row and immediately runs the
// first attempt on the caller's request. The row is written BEFORE the first
// remote call so a crash leaves an orphaned PENDING row rather than a silently
// lost remote write.
func (e *Executor) EnqueueAndAttempt(ctx context.Context, actionType models.ActionType, businessAccountId string, payload map[string]interface{}, seed string) *Outcome {
	// Precondition: credentials must resolve before anything is enqueued.
	creds, err := e.Credentials.Resolve(ctx, businessAccountId)
	if err != nil {
		return credentialOutcome(err)
	}

	raw, err := models.EncodePayload(payload)
	if err != nil {
		return &Outcome{
			Error:         err.Error(),
			ErrorCategory: models.ErrorCategoryValidation,
		}
	}

	action := &models.QueuedAction{
		BusinessAccountId: businessAccountId,
		ActionType:        actionType,
		Payload:           raw,
		IdempotencyKey:    BuildIdempotencyKey(seed),
		Status:            models.ActionStatusPending,
	}
	if err := e.Store.Upsert(ctx, action); err != nil {
		config.LogError(e.Logger, "queue", "EnqueueAndAttempt", "upsert queued action", businessAccountId, err)
		return &Outcome{
			Error:         "action queue store unavailable",
			ErrorCategory: models.ErrorCategoryStore,
			Retryable:     true,
		}
	}

	// The upsert may have handed back an existing row for this idempotency
	// key. A completed or dead row is returned as-is; re-running it would
	// duplicate the remote write or waste a dead attempt.
	switch action.Status {
	case models.ActionStatusSent:
		return e.terminalOutcome(action)
	case models.ActionStatusDead:
		return e.terminalOutcome(action)
	}

	return e.attempt(ctx, action, creds)
}

// Attempt re-runs a claimed queue row. This is the sweeper's entry point;
// credentials are re-resolved because tokens can expire between attempts.
func (e *Executor) Attempt(ctx context.Context, action *models.QueuedAction) *Outcome {
	creds, err := e.Credentials.Resolve(ctx, action.BusinessAccountId)
	if err != nil {
		// Credential failures are not retried by the queue: the account must
		// be re-linked by a human before this action can ever succeed.
		newCount := action.RetryCount + 1
		if serr := e.Store.MarkDead(ctx, action.ID, err.Error(), models.ErrorCategoryCredential, newCount); serr != nil {
			config.LogError(e.Logger, "queue", "Attempt", "mark dead on credential failure", action.ID, serr)
		}
		out := credentialOutcome(err)
		out.ID = action.ID
		out.Status = models.ActionStatusDead
		return out
	}
	return e.attempt(ctx, action, creds)
}

func (e *Executor) attempt(ctx context.Context, action *models.QueuedAction, creds *Credentials) *Outcome {
	payload, err := action.DecodePayload()
	if err != nil {
		return e.recordFailure(ctx, action, err)
	}

	// Step 1 is skipped when a prior partial attempt already recorded the
	// container id: the Graph API has no idempotency keys of its own, and
	// re-running the create call would make a duplicate remote object.
	creationId, _ := payload["creation_id"].(string)
	if creationId == "" {
		params := metaapi.MediaContainerParams{
			ImageUrl:  stringField(payload, "image_url"),
			VideoUrl:  stringField(payload, "video_url"),
			Caption:   stringField(payload, "caption"),
			MediaType: stringField(payload, "media_type"),
		}
		creationId, err = e.Meta.CreateMediaContainer(ctx, creds.AccessToken, creds.IgUserId, params)
		if err != nil {
			return e.recordFailure(ctx, action, err)
		}

		payload["creation_id"] = creationId
		raw, merr := models.EncodePayload(payload)
		if merr == nil {
			action.Payload = raw
			if uerr := e.Store.UpdatePayload(ctx, action.ID, raw); uerr != nil {
				// The container exists remotely whether or not this write
				// lands; finishing step 2 now beats stranding the container.
				config.LogError(e.Logger, "queue", "attempt", "persist creation_id", action.ID, uerr)
			}
		}
	}

	mediaId, err := e.Meta.PublishMediaContainer(ctx, creds.AccessToken, creds.IgUserId, creationId)
	if err != nil {
		return e.recordFailure(ctx, action, err)
	}

	// The remote write succeeded; the caller learns that regardless of
	// whether this audit write lands.
	if serr := e.Store.MarkSent(ctx, action.ID, mediaId); serr != nil {
		config.LogError(e.Logger, "queue", "attempt", "mark sent", action.ID, serr)
	}

	action.Status = models.ActionStatusSent
	action.ResultId = &mediaId
	e.runHooks(ctx, action, mediaId)

	return &Outcome{
		ID:       action.ID,
		Status:   models.ActionStatusSent,
		ResultId: mediaId,
	}
}

func (e *Executor) recordFailure(ctx context.Context, action *models.QueuedAction, cause error) *Outcome {
	cls := Classify(cause)
	newCount := action.RetryCount + 1
	msg := cause.Error()

	if !cls.Retryable || newCount >= e.MaxAttempts {
		if serr := e.Store.MarkDead(ctx, action.ID, msg, cls.Category, newCount); serr != nil {
			config.LogError(e.Logger, "queue", "recordFailure", "mark dead", action.ID, serr)
		}
		e.Logger.WithFields(logrus.Fields{
			"field":               "ActionExecutor",
			"business_account_id": businessAccountId(ctx, action),
			"action_id":           action.ID,
			"attempt":             newCount,
			"category":            cls.Category,
		}).Error("action moved to DLQ: " + msg)
		return &Outcome{
			ID:            action.ID,
			Status:        models.ActionStatusDead,
			Error:         msg,
			ErrorCategory: cls.Category,
		}
	}

	delay := e.Backoff.Delay(newCount)
	if cls.RetryAfter != nil {
		delay = *cls.RetryAfter
	}
	next := time.Now().UTC().Add(delay)
	if serr := e.Store.MarkFailed(ctx, action.ID, msg, cls.Category, newCount, next); serr != nil {
		config.LogError(e.Logger, "queue", "recordFailure", "mark failed", action.ID, serr)
	}
	e.Logger.WithFields(logrus.Fields{
		"field":               "ActionExecutor",
		"business_account_id": businessAccountId(ctx, action),
		"action_id":           action.ID,
		"attempt":             newCount,
		"category":            cls.Category,
		"next_retry_at":       next.Format(time.RFC3339Nano),
	}).Warn("action attempt failed, retry scheduled: " + msg)
	return &Outcome{
		ID:                action.ID,
		Status:            models.ActionStatusFailed,
		Error:             msg,
		ErrorCategory:     cls.Category,
		Retryable:         true,
		RetryAfterSeconds: int(delay.Seconds()),
	}
}

func (e *Executor) runHooks(ctx context.Context, action *models.QueuedAction, resultId string) {
	for _, hook := range e.Hooks {
		if err := hook.AfterSent(ctx, action, resultId); err != nil {
			config.LogError(e.Logger, "queue", "runHooks", "post-commit hook", action.ID, err)
		}
	}
}

func (e *Executor) terminalOutcome(action *models.QueuedAction) *Outcome {
	out := &Outcome{
		ID:     action.ID,
		Status: action.Status,
	}
	if action.ResultId != nil {
		out.ResultId = *action.ResultId
	}
	if action.Error != nil {
		out.Error = *action.Error
	}
	if action.ErrorCategory != nil {
		out.ErrorCategory = *action.ErrorCategory
	}
	return out
}

func credentialOutcome(err error) *Outcome {
	return &Outcome{
		Error:         err.Error(),
		ErrorCategory: models.ErrorCategoryCredential,
	}
}

func stringField(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
}

// businessAccountId prefers the request-scoped value so log lines correlate
// with the inbound request even when the row was loaded by a sweeper.
func businessAccountId(ctx context.Context, action *models.QueuedAction) string {
	if id, ok := utils.GetBusinessAccountIdFromContext(ctx); ok && id != "" {
		return id
	}
	return action.BusinessAccountId
}
