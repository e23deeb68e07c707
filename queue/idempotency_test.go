package queue

import (
	"strings"
	"testing"
)

func TestBuildIdempotencyKey_Deterministic(t *testing.T) {
	a := BuildIdempotencyKey("publish_post:abc-123")
	b := BuildIdempotencyKey("publish_post:abc-123")
	if a != b {
		t.Fatalf("same seed produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestBuildIdempotencyKey_DistinctSeeds(t *testing.T) {
	a := BuildIdempotencyKey("publish_post:abc-123")
	b := BuildIdempotencyKey("publish_post:abc-124")
	if a == b {
		t.Fatalf("distinct seeds collided: %s", a)
	}
}

func TestPublishPostSeed(t *testing.T) {
	if got := PublishPostSeed("sched-9"); got != "publish_post:sched-9" {
		t.Fatalf("unexpected seed: %s", got)
	}
}

func TestContentSeed_BoundedLength(t *testing.T) {
	longCaption := strings.Repeat("x", 10000)
	seed := ContentSeed("biz-1", longCaption, "https://cdn.example.com/a.jpg")
	if len(seed) > 600 {
		t.Fatalf("content seed not bounded: %d chars", len(seed))
	}
	// Bounded truncation must still be deterministic.
	if seed != ContentSeed("biz-1", longCaption, "https://cdn.example.com/a.jpg") {
		t.Fatal("content seed not deterministic")
	}
}
