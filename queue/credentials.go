package queue

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/config"
	"bitbucket.org/mmdatafocus/social_backend/models"
	"gorm.io/gorm"
)

var (
	// ErrAccountNotFound means the business account is unknown or disconnected.
	ErrAccountNotFound = errors.New("social account not found or disconnected")
	// ErrCredentialExpired means the stored token is absent or past its expiry.
	ErrCredentialExpired = errors.New("access token missing or expired")
)

// Credentials is what an executor attempt needs to call the Graph API.
type Credentials struct {
	IgUserId    string
	AccessToken string
	OwnerUserId int
}

// CredentialSource resolves a business account to its Graph API credentials.
// Resolution failures are never retried by the queue: they are precondition
// checks, run before enqueue and again at the top of every attempt (a token
// can expire between the first attempt and a later retry).
type CredentialSource interface {
	Resolve(ctx context.Context, businessAccountId string) (*Credentials, error)
}

// CredentialResolver looks up models.SocialAccount with a short-TTL Redis
// cache in front of the DB. Only usable rows are cached; a cached row that has
// since expired or been disconnected is evicted and re-read from the DB, so a
// re-linked account takes effect on the next resolve rather than after the TTL.
type CredentialResolver struct {
	DB       *gorm.DB
	CacheTTL time.Duration
}

func NewCredentialResolver(db *gorm.DB) *CredentialResolver {
	return &CredentialResolver{
		DB:       db,
		CacheTTL: 5 * time.Minute,
	}
}

func (r *CredentialResolver) Resolve(ctx context.Context, businessAccountId string) (*Credentials, error) {
	if businessAccountId == "" {
		return nil, ErrAccountNotFound
	}

	cacheKey := "igcreds:" + businessAccountId
	var account models.SocialAccount
	cached, err := config.GetRedisObject(cacheKey, &account)
	if err == nil && cached {
		if accountUsable(&account) == nil {
			return credentialsFrom(&account), nil
		}
		// Stale entry; the account may have been re-linked since it was
		// cached. Drop it and fall through to the DB.
		_ = config.RemoveRedisKey(cacheKey)
	}

	account = models.SocialAccount{}
	if err := r.DB.WithContext(ctx).
		Where("business_account_id = ?", businessAccountId).
		Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if verr := accountUsable(&account); verr != nil {
		return nil, verr
	}
	_ = config.SetRedisObject(cacheKey, &account, r.CacheTTL)

	return credentialsFrom(&account), nil
}

func accountUsable(account *models.SocialAccount) error {
	if account.Status != models.SocialAccountStatusConnected {
		return ErrAccountNotFound
	}
	if account.AccessToken == "" {
		return ErrCredentialExpired
	}
	if account.TokenExpiresAt != nil && !account.TokenExpiresAt.After(time.Now()) {
		return ErrCredentialExpired
	}
	return nil
}

func credentialsFrom(account *models.SocialAccount) *Credentials {
	return &Credentials{
		IgUserId:    account.IgUserId,
		AccessToken: account.AccessToken,
		OwnerUserId: account.OwnerUserId,
	}
}
