package queue

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostCommitHook runs after an action reaches SENT. Hooks are best effort by
// contract: the executor logs a returned error and moves on, it never reverts
// the SENT status, since the remote write already happened.
type PostCommitHook interface {
	AfterSent(ctx context.Context, action *models.QueuedAction, resultId string) error
}

// PublishedPostHook maintains the denormalized published-posts read model.
type PublishedPostHook struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewPublishedPostHook(db *gorm.DB, logger *logrus.Logger) *PublishedPostHook {
	return &PublishedPostHook{DB: db, Logger: logger}
}

func (h *PublishedPostHook) AfterSent(ctx context.Context, action *models.QueuedAction, resultId string) error {
	mediaUrl := action.PayloadString("image_url")
	if mediaUrl == "" {
		mediaUrl = action.PayloadString("video_url")
	}
	post := models.PublishedPost{
		BusinessAccountId: action.BusinessAccountId,
		MediaId:           resultId,
		Caption:           action.PayloadString("caption"),
		MediaType:         action.PayloadString("media_type"),
		MediaUrl:          mediaUrl,
		PublishedAt:       time.Now().UTC(),
	}
	return h.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "media_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"caption", "media_type", "media_url"}),
		}).
		Create(&post).Error
}
