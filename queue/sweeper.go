package queue

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/config"
	"bitbucket.org/mmdatafocus/social_backend/models"
	"bitbucket.org/mmdatafocus/social_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RetrySweeper re-invokes the executor for FAILED rows whose next_retry_at has
// elapsed. A row is claimed with a conditional FAILED -> PENDING update before
// it is attempted, so two concurrent sweepers never both execute the same
// retry. A Redis lock additionally keeps at most one active sweep cycle; if
// Redis is down the DB claim alone still guarantees single execution.
type RetrySweeper struct {
	Store    ActionStore
	Executor *Executor
	Logger   *logrus.Logger
	Locker   *redislock.Client

	SweeperID    string
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
}

func NewRetrySweeper(store ActionStore, executor *Executor, logger *logrus.Logger) *RetrySweeper {
	return &RetrySweeper{
		Store:        store,
		Executor:     executor,
		Logger:       logger,
		Locker:       config.GetRedisLock(),
		SweeperID:    uuid.NewString(),
		BatchSize:    config.IntFromEnv("PUBLISH_SWEEP_BATCH_SIZE", 25),
		PollInterval: time.Duration(config.IntFromEnv("PUBLISH_SWEEP_INTERVAL_SECONDS", 15)) * time.Second,
		LockTTL:      30 * time.Second,
	}
}

func (s *RetrySweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

// SweepOnce claims and re-attempts one batch of due rows.
func (s *RetrySweeper) SweepOnce(ctx context.Context) {
	if s.Locker != nil {
		lock, err := s.Locker.Obtain(ctx, "publish:retry-sweep", s.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return
		}
		if err != nil {
			// Redis trouble must not stall retries; the DB claim below is
			// still authoritative.
			config.LogError(s.Logger, "queue", "SweepOnce", "obtain sweep lock", s.SweeperID, err)
		} else {
			defer lock.Release(ctx)
		}
	}

	now := time.Now().UTC()
	due, err := s.Store.FindDueForRetry(ctx, now, s.BatchSize)
	if err != nil {
		config.LogError(s.Logger, "queue", "SweepOnce", "find due retries", s.SweeperID, err)
		return
	}

	for i := range due {
		action := due[i]
		claimed, err := s.Store.ClaimForRetry(ctx, action.ID)
		if err != nil {
			config.LogError(s.Logger, "queue", "SweepOnce", "claim retry", action.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		action.Status = models.ActionStatusPending
		action.NextRetryAt = nil

		attemptCtx := utils.SetCorrelationIdInContext(ctx, uuid.NewString())
		attemptCtx = utils.SetBusinessAccountIdInContext(attemptCtx, action.BusinessAccountId)
		outcome := s.Executor.Attempt(attemptCtx, &action)

		s.Logger.WithFields(logrus.Fields{
			"field":               "RetrySweeper",
			"sweeper_id":          s.SweeperID,
			"business_account_id": action.BusinessAccountId,
			"action_id":           action.ID,
			"status":              outcome.Status,
		}).Info("retry attempt finished")
	}
}
