package queue

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/metaapi"
	"bitbucket.org/mmdatafocus/social_backend/models"
	"bitbucket.org/mmdatafocus/social_backend/utils"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
)

// NOTE: These tests are intentionally DB-free. The fakes implement the same
// contracts the GORM store and Graph client implement; integration coverage
// against Postgres belongs in an environment that can run one.

type fakeStore struct {
	mu     sync.Mutex
	nextId int
	rows   map[int]*models.QueuedAction
	byKey  map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:  map[int]*models.QueuedAction{},
		byKey: map[string]int{},
	}
}

func (s *fakeStore) Upsert(ctx context.Context, action *models.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[action.IdempotencyKey]; ok {
		// Field-level merge, matching the jsonb || upsert: caller fields
		// overwrite, executor-written fields survive.
		existing := s.rows[id]
		merged, err := existing.DecodePayload()
		if err != nil {
			return err
		}
		incoming := map[string]interface{}{}
		if len(action.Payload) > 0 {
			if err := json.Unmarshal(action.Payload, &incoming); err != nil {
				return err
			}
		}
		for k, v := range incoming {
			merged[k] = v
		}
		raw, err := models.EncodePayload(merged)
		if err != nil {
			return err
		}
		existing.Payload = raw
		existing.ActionType = action.ActionType
		*action = *existing
		return nil
	}
	s.nextId++
	action.ID = s.nextId
	cp := *action
	s.rows[cp.ID] = &cp
	s.byKey[cp.IdempotencyKey] = cp.ID
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id int) (*models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.rows[id]
	return &cp, nil
}

func (s *fakeStore) UpdatePayload(ctx context.Context, id int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id].Payload = append([]byte(nil), payload...)
	return nil
}

func (s *fakeStore) MarkSent(ctx context.Context, id int, resultId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[id]
	row.Status = models.ActionStatusSent
	row.ResultId = &resultId
	row.Error = nil
	row.ErrorCategory = nil
	row.NextRetryAt = nil
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id int, message string, category models.ErrorCategory, retryCount int, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[id]
	row.Status = models.ActionStatusFailed
	row.RetryCount = retryCount
	row.Error = &message
	row.ErrorCategory = &category
	row.NextRetryAt = &nextRetryAt
	return nil
}

func (s *fakeStore) MarkDead(ctx context.Context, id int, message string, category models.ErrorCategory, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[id]
	row.Status = models.ActionStatusDead
	row.RetryCount = retryCount
	row.Error = &message
	row.ErrorCategory = &category
	row.NextRetryAt = nil
	return nil
}

func (s *fakeStore) FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.QueuedAction
	for _, row := range s.rows {
		if row.Status == models.ActionStatusFailed && row.NextRetryAt != nil && !row.NextRetryAt.After(now) {
			due = append(due, *row)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeStore) ClaimForRetry(ctx context.Context, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[id]
	if row == nil || row.Status != models.ActionStatusFailed {
		return false, nil
	}
	row.Status = models.ActionStatusPending
	row.NextRetryAt = nil
	return true, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeMeta struct {
	mu           sync.Mutex
	createCalls  int
	publishCalls int
	creationId   string
	mediaId      string
	createErr    error
	publishErr   error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{creationId: "X", mediaId: "M"}
}

func (m *fakeMeta) CreateMediaContainer(ctx context.Context, accessToken, igUserId string, params metaapi.MediaContainerParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return "", m.createErr
	}
	return m.creationId, nil
}

func (m *fakeMeta) PublishMediaContainer(ctx context.Context, accessToken, igUserId, creationId string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishCalls++
	if m.publishErr != nil {
		return "", m.publishErr
	}
	return m.mediaId, nil
}

func (m *fakeMeta) setPublishErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *fakeMeta) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.publishCalls
}

type fakeCreds struct {
	mu  sync.Mutex
	err error
}

func (f *fakeCreds) Resolve(ctx context.Context, businessAccountId string) (*Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Credentials{IgUserId: "17841400000000000", AccessToken: "token", OwnerUserId: 7}, nil
}

func (f *fakeCreds) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingHook struct {
	mu      sync.Mutex
	calls   int
	lastId  string
	failure error
}

func (h *recordingHook) AfterSent(ctx context.Context, action *models.QueuedAction, resultId string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.lastId = resultId
	return h.failure
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestExecutor(store ActionStore, meta MediaPublisher, creds CredentialSource) *Executor {
	return &Executor{
		Store:       store,
		Meta:        meta,
		Credentials: creds,
		Logger:      testLogger(),
		MaxAttempts: 5,
		Backoff:     BackoffPolicy{Base: time.Minute, Cap: time.Hour},
	}
}

func testPayload() map[string]interface{} {
	return map[string]interface{}{
		"image_url": "https://cdn.example.com/a.jpg",
		"caption":   "hello",
	}
}

func TestEnqueueAndAttempt_EndToEndSuccess(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	hook := &recordingHook{}
	exec := newTestExecutor(fs, fm, &fakeCreds{})
	exec.Hooks = []PostCommitHook{hook}

	outcome := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))

	if outcome.Status != models.ActionStatusSent {
		t.Fatalf("expected SENT, got %s (%s)", outcome.Status, outcome.Error)
	}
	if outcome.ResultId != "M" {
		t.Fatalf("expected result id M, got %q", outcome.ResultId)
	}

	row, _ := fs.Get(context.Background(), outcome.ID)
	if row.Status != models.ActionStatusSent {
		t.Fatalf("row status = %s", row.Status)
	}
	if row.ResultId == nil || *row.ResultId != "M" {
		t.Fatalf("row result id = %v", row.ResultId)
	}
	if row.Error != nil || row.NextRetryAt != nil {
		t.Fatalf("error/next_retry_at must be cleared on SENT")
	}
	if got := row.PayloadString("creation_id"); got != "X" {
		t.Fatalf("creation_id must be retained in payload, got %q", got)
	}
	if hook.calls != 1 || hook.lastId != "M" {
		t.Fatalf("post-commit hook: calls=%d lastId=%q", hook.calls, hook.lastId)
	}
}

func TestEnqueueAndAttempt_IdempotentEnqueue(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	exec := newTestExecutor(fs, fm, &fakeCreds{})

	first := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	second := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))

	if fs.count() != 1 {
		t.Fatalf("expected exactly one row for the same seed, got %d", fs.count())
	}
	if first.ID != second.ID {
		t.Fatalf("expected same row id, got %d and %d", first.ID, second.ID)
	}
	if second.Status != models.ActionStatusSent || second.ResultId != "M" {
		t.Fatalf("re-enqueue of a SENT action must return the terminal outcome, got %+v", second)
	}
	creates, publishes := fm.counts()
	if creates != 1 || publishes != 1 {
		t.Fatalf("re-enqueue must not re-invoke the remote API: creates=%d publishes=%d", creates, publishes)
	}
}

func TestRetry_SkipsCompletedFirstStep(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	fm.setPublishErr(&metaapi.GraphError{Code: 2, HTTPStatus: 500, Message: "transient"})
	exec := newTestExecutor(fs, fm, &fakeCreds{})

	outcome := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	if outcome.Status != models.ActionStatusFailed || !outcome.Retryable {
		t.Fatalf("expected retryable FAILED, got %+v", outcome)
	}

	row, _ := fs.Get(context.Background(), outcome.ID)
	if got := row.PayloadString("creation_id"); got != "X" {
		t.Fatalf("creation_id must be persisted after step 1, got %q", got)
	}

	fm.setPublishErr(nil)
	retry := exec.Attempt(context.Background(), row)
	if retry.Status != models.ActionStatusSent || retry.ResultId != "M" {
		t.Fatalf("expected SENT on retry, got %+v", retry)
	}
	creates, publishes := fm.counts()
	if creates != 1 {
		t.Fatalf("step 1 must never be re-invoked once its output is recorded, got %d creates", creates)
	}
	if publishes != 2 {
		t.Fatalf("expected 2 publish calls, got %d", publishes)
	}
}

func TestReenqueueOfPartiallyCompletedAction_SkipsFirstStep(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	exec := newTestExecutor(fs, fm, &fakeCreds{})

	fm.setPublishErr(&metaapi.GraphError{Code: 2, HTTPStatus: 500, Message: "transient"})
	first := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	if first.Status != models.ActionStatusFailed {
		t.Fatalf("expected FAILED after step 2 error, got %s", first.Status)
	}

	// The caller double-submits the same logical action while the row sits
	// FAILED with the container already created.
	fm.setPublishErr(nil)
	second := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	if second.Status != models.ActionStatusSent || second.ResultId != "M" {
		t.Fatalf("expected SENT on re-enqueue, got %+v", second)
	}

	creates, publishes := fm.counts()
	if creates != 1 {
		t.Fatalf("re-enqueue must not repeat the completed container step, got %d create calls", creates)
	}
	if publishes != 2 {
		t.Fatalf("expected 2 publish calls, got %d", publishes)
	}
	row, _ := fs.Get(context.Background(), second.ID)
	if got := row.PayloadString("creation_id"); got != "X" {
		t.Fatalf("creation_id must survive the upsert merge, got %q", got)
	}
	if got := row.PayloadString("caption"); got != "hello" {
		t.Fatalf("caller fields must still be refreshed by the upsert, got %q", got)
	}
}

func TestPermanentFailureAfterStepOne_KeepsCreationId(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	fm.setPublishErr(&metaapi.GraphError{Code: 100, HTTPStatus: 400, Message: "invalid caption"})
	exec := newTestExecutor(fs, fm, &fakeCreds{})

	outcome := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	if outcome.Status != models.ActionStatusDead {
		t.Fatalf("expected DLQ on permanent failure, got %s", outcome.Status)
	}

	row, _ := fs.Get(context.Background(), outcome.ID)
	if row.Status != models.ActionStatusDead {
		t.Fatalf("row status = %s", row.Status)
	}
	if row.NextRetryAt != nil {
		t.Fatal("DLQ rows must not be scheduled for retry")
	}
	// Step 1's completed work stays recorded even though the action died.
	if got := row.PayloadString("creation_id"); got != "X" {
		t.Fatalf("creation_id must survive dead-lettering, got %q", got)
	}
	if row.ErrorCategory == nil || *row.ErrorCategory != models.ErrorCategoryValidation {
		t.Fatalf("error category = %v", row.ErrorCategory)
	}
}

func TestRetryBudgetExhaustion_MovesToDLQ(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	fm.setPublishErr(&metaapi.GraphError{Code: 2, HTTPStatus: 500, Message: "still down"})
	exec := newTestExecutor(fs, fm, &fakeCreds{})

	outcome := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	for i := 0; i < exec.MaxAttempts-1; i++ {
		row, _ := fs.Get(context.Background(), outcome.ID)
		outcome = exec.Attempt(context.Background(), row)
	}

	if outcome.Status != models.ActionStatusDead {
		t.Fatalf("expected DLQ after %d attempts, got %s", exec.MaxAttempts, outcome.Status)
	}
	row, _ := fs.Get(context.Background(), outcome.ID)
	if row.RetryCount != exec.MaxAttempts {
		t.Fatalf("retry_count = %d, want %d", row.RetryCount, exec.MaxAttempts)
	}
	if row.NextRetryAt != nil {
		t.Fatal("next_retry_at must be null once dead-lettered")
	}
}

func TestRateLimitHint_OverridesBackoff(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	fm.setPublishErr(&metaapi.GraphError{Code: 4, HTTPStatus: 400, RetryAfterSeconds: 300, Message: "throttled"})
	exec := newTestExecutor(fs, fm, &fakeCreds{})

	before := time.Now().UTC()
	outcome := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	if outcome.Status != models.ActionStatusFailed || outcome.RetryAfterSeconds != 300 {
		t.Fatalf("expected FAILED with 300s hint, got %+v", outcome)
	}

	row, _ := fs.Get(context.Background(), outcome.ID)
	if row.NextRetryAt == nil {
		t.Fatal("next_retry_at must be scheduled")
	}
	delta := row.NextRetryAt.Sub(before)
	if delta < 299*time.Second || delta > 302*time.Second {
		t.Fatalf("next_retry_at must honor the API hint, scheduled %s out", delta)
	}
}

func TestCredentialFailure_NothingEnqueued(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	exec := newTestExecutor(fs, fm, &fakeCreds{err: ErrCredentialExpired})

	outcome := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	if outcome.ErrorCategory != models.ErrorCategoryCredential {
		t.Fatalf("expected credential category, got %+v", outcome)
	}
	if fs.count() != 0 {
		t.Fatalf("credential precondition failed; nothing should be enqueued, got %d rows", fs.count())
	}
	creates, publishes := fm.counts()
	if creates != 0 || publishes != 0 {
		t.Fatal("no remote call may happen without credentials")
	}
}

func TestCredentialExpiredOnRetry_DeadLetters(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	creds := &fakeCreds{}
	fm.setPublishErr(&metaapi.GraphError{Code: 2, HTTPStatus: 500, Message: "transient"})
	exec := newTestExecutor(fs, fm, creds)

	outcome := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))

	// The token expires between the first attempt and the retry.
	creds.setErr(ErrCredentialExpired)
	row, _ := fs.Get(context.Background(), outcome.ID)
	retry := exec.Attempt(context.Background(), row)

	if retry.Status != models.ActionStatusDead {
		t.Fatalf("credential failure on retry must dead-letter, got %s", retry.Status)
	}
	stored, _ := fs.Get(context.Background(), outcome.ID)
	if stored.ErrorCategory == nil || *stored.ErrorCategory != models.ErrorCategoryCredential {
		t.Fatalf("error category = %v", stored.ErrorCategory)
	}
}

func TestFailureLogs_PreferRequestScopedBusinessId(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	fm.setPublishErr(&metaapi.GraphError{Code: 2, HTTPStatus: 500, Message: "transient"})
	exec := newTestExecutor(fs, fm, &fakeCreds{})
	logger, hook := logrustest.NewNullLogger()
	exec.Logger = logger

	ctx := utils.SetBusinessAccountIdInContext(context.Background(), "biz-ctx")
	exec.EnqueueAndAttempt(ctx, models.ActionTypePublishPost, "biz-row", testPayload(), PublishPostSeed("sched-1"))

	var got string
	for _, entry := range hook.AllEntries() {
		if v, ok := entry.Data["business_account_id"].(string); ok {
			got = v
		}
	}
	if got != "biz-ctx" {
		t.Fatalf("expected request-scoped business account id in the failure log, got %q", got)
	}
}

func TestHookFailure_DoesNotRevertSent(t *testing.T) {
	fs := newFakeStore()
	fm := newFakeMeta()
	hook := &recordingHook{failure: io.ErrUnexpectedEOF}
	exec := newTestExecutor(fs, fm, &fakeCreds{})
	exec.Hooks = []PostCommitHook{hook}

	outcome := exec.EnqueueAndAttempt(context.Background(), models.ActionTypePublishPost, "biz-1", testPayload(), PublishPostSeed("sched-1"))
	if outcome.Status != models.ActionStatusSent {
		t.Fatalf("hook failure must not affect the outcome, got %s", outcome.Status)
	}
	row, _ := fs.Get(context.Background(), outcome.ID)
	if row.Status != models.ActionStatusSent {
		t.Fatalf("row status = %s; the remote write cannot be undone", row.Status)
	}
	if hook.calls != 1 {
		t.Fatalf("hook calls = %d", hook.calls)
	}
}
