package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/metaapi"
	"bitbucket.org/mmdatafocus/social_backend/models"
)

func TestClassify_RateLimitWithHint(t *testing.T) {
	err := &metaapi.GraphError{Code: 4, HTTPStatus: 400, RetryAfterSeconds: 300}
	cls := Classify(err)
	if !cls.Retryable {
		t.Fatal("rate limit must be retryable")
	}
	if cls.Category != models.ErrorCategoryRateLimit {
		t.Fatalf("expected rate_limit, got %s", cls.Category)
	}
	if cls.RetryAfter == nil || *cls.RetryAfter != 300*time.Second {
		t.Fatalf("expected API-supplied hint of 300s, got %v", cls.RetryAfter)
	}
}

func TestClassify_RateLimitWithoutHint(t *testing.T) {
	for _, code := range []int{4, 17, 32, 613} {
		cls := Classify(&metaapi.GraphError{Code: code, HTTPStatus: 400})
		if !cls.Retryable || cls.Category != models.ErrorCategoryRateLimit {
			t.Fatalf("code %d: expected retryable rate_limit, got %+v", code, cls)
		}
		if cls.RetryAfter != nil {
			t.Fatalf("code %d: no hint supplied but RetryAfter set", code)
		}
	}
}

func TestClassify_AuthErrorsArePermanent(t *testing.T) {
	for _, code := range []int{10, 190, 200, 299} {
		cls := Classify(&metaapi.GraphError{Code: code, HTTPStatus: 400})
		if cls.Retryable {
			t.Fatalf("code %d must not be retryable", code)
		}
		if cls.Category != models.ErrorCategoryPermission {
			t.Fatalf("code %d: expected permission, got %s", code, cls.Category)
		}
	}
}

func TestClassify_ValidationErrorIsPermanent(t *testing.T) {
	cls := Classify(&metaapi.GraphError{Code: 100, HTTPStatus: 400})
	if cls.Retryable || cls.Category != models.ErrorCategoryValidation {
		t.Fatalf("expected permanent validation, got %+v", cls)
	}
}

func TestClassify_ServerErrorsAreTransient(t *testing.T) {
	cases := []*metaapi.GraphError{
		{Code: 1, HTTPStatus: 500},
		{Code: 2, HTTPStatus: 500},
		{Code: 0, HTTPStatus: 503},
	}
	for _, gerr := range cases {
		cls := Classify(gerr)
		if !cls.Retryable || cls.Category != models.ErrorCategoryTransient {
			t.Fatalf("code=%d status=%d: expected retryable transient, got %+v", gerr.Code, gerr.HTTPStatus, cls)
		}
	}
}

func TestClassify_NetworkFailuresAreTransient(t *testing.T) {
	for _, err := range []error{
		errors.New("dial tcp: connection refused"),
		context.DeadlineExceeded,
	} {
		cls := Classify(err)
		if !cls.Retryable || cls.Category != models.ErrorCategoryTransient {
			t.Fatalf("%v: expected retryable transient, got %+v", err, cls)
		}
	}
}

func TestBackoffPolicy_DoublesFromBase(t *testing.T) {
	p := BackoffPolicy{Base: 60 * time.Second, Cap: 3600 * time.Second}
	expect := map[int]time.Duration{
		1: 120 * time.Second,
		2: 240 * time.Second,
		3: 480 * time.Second,
	}
	for retryCount, want := range expect {
		if got := p.Delay(retryCount); got != want {
			t.Fatalf("retry_count=%d: expected %s, got %s", retryCount, want, got)
		}
	}
}

func TestBackoffPolicy_CapsAtMax(t *testing.T) {
	p := BackoffPolicy{Base: 60 * time.Second, Cap: 3600 * time.Second}
	// 60s * 2^6 = 3840s exceeds the cap.
	if got := p.Delay(6); got != 3600*time.Second {
		t.Fatalf("expected cap of 3600s, got %s", got)
	}
	if got := p.Delay(40); got != 3600*time.Second {
		t.Fatalf("large counts must not overflow past the cap, got %s", got)
	}
}
