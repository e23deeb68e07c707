package queue

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/metaapi"
	"bitbucket.org/mmdatafocus/social_backend/models"
)

// Classification is the verdict on a failed remote call: whether the queue
// should retry, the normalized category for the row, and the server's retry
// hint when it supplied one.
type Classification struct {
	Retryable  bool
	Category   models.ErrorCategory
	RetryAfter *time.Duration
}

// Classify inspects a failure from the Graph API and decides retryable vs.
// permanent. Rate-limit and transient-server errors retry; validation and
// permission errors do not. Anything that never reached a structured Graph
// error (timeouts, connection resets) is treated as transient.
func Classify(err error) Classification {
	var gerr *metaapi.GraphError
	if errors.As(err, &gerr) {
		switch {
		case gerr.IsRateLimit():
			c := Classification{Retryable: true, Category: models.ErrorCategoryRateLimit}
			if gerr.RetryAfterSeconds > 0 {
				d := time.Duration(gerr.RetryAfterSeconds) * time.Second
				c.RetryAfter = &d
			}
			return c
		case gerr.IsAuth():
			return Classification{Retryable: false, Category: models.ErrorCategoryPermission}
		case gerr.IsTransient():
			return Classification{Retryable: true, Category: models.ErrorCategoryTransient}
		default:
			// Code 100 family and anything else the API rejected outright:
			// re-sending the same payload will fail the same way.
			return Classification{Retryable: false, Category: models.ErrorCategoryValidation}
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retryable: true, Category: models.ErrorCategoryTransient}
	}
	// Network-level failure before a structured error could be parsed.
	return Classification{Retryable: true, Category: models.ErrorCategoryTransient}
}

// BackoffPolicy computes the retry delay when the remote API gave no hint:
// min(base * 2^n, cap) where n is the retry count after incrementing for the
// failed attempt, so the first retry waits base*2.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base: time.Minute,
		Cap:  time.Hour,
	}
}

func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}
