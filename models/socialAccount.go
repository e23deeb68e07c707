package models

import "time"

// SocialAccount is a connected Instagram business account. One row per internal
// business account id; the access token is the long-lived token obtained when
// the account was linked and is refreshed by the (out of scope) auth flow.
type SocialAccount struct {
	ID                int                 `gorm:"primary_key" json:"id"`
	BusinessAccountId string              `gorm:"size:64;not null;uniqueIndex:uniq_social_account" json:"business_account_id"`
	IgUserId          string              `gorm:"size:64;not null" json:"ig_user_id"`
	AccessToken       string              `gorm:"type:text" json:"-"`
	TokenExpiresAt    *time.Time          `json:"token_expires_at"`
	OwnerUserId       int                 `gorm:"not null" json:"owner_user_id"`
	Status            SocialAccountStatus `gorm:"size:20;not null" json:"status"`
	CreatedAt         time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}
