package models

import "time"

// PublishedPost is a denormalized read model row written by the post-commit
// hook after a publish action reaches SENT. Best effort only: a failed write
// here is logged and ignored, the queue row stays the source of truth.
type PublishedPost struct {
	ID                int       `gorm:"primary_key" json:"id"`
	BusinessAccountId string    `gorm:"size:64;not null;index" json:"business_account_id"`
	MediaId           string    `gorm:"size:255;not null;uniqueIndex:uniq_published_media" json:"media_id"`
	Caption           string    `gorm:"type:text" json:"caption"`
	MediaType         string    `gorm:"size:30" json:"media_type"`
	MediaUrl          string    `gorm:"type:text" json:"media_url"`
	PublishedAt       time.Time `gorm:"not null" json:"published_at"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}
