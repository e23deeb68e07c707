package queue

import (
	"crypto/sha256"
	"encoding/hex"
)

// BuildIdempotencyKey derives a stable, collision-resistant key for a logical
// action from a caller-supplied seed. Deterministic, fixed-length hex.
func BuildIdempotencyKey(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// PublishPostSeed builds the seed for a publish action that the caller already
// tracks under a stable scheduler id. Preferred over ContentSeed.
func PublishPostSeed(scheduledPostId string) string {
	return "publish_post:" + scheduledPostId
}

// ContentSeed is the fallback seed when no stable id exists: it hashes the
// content itself. Only a prefix of the caption and media URL is used so that
// oversized captions keep the seed bounded.
func ContentSeed(businessAccountId, caption, mediaUrl string) string {
	content := caption + "|" + mediaUrl
	if len(content) > 512 {
		content = content[:512]
	}
	return "publish_post:content:" + businessAccountId + ":" + content
}
