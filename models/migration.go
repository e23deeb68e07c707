package models

import (
	"log"

	"bitbucket.org/mmdatafocus/social_backend/config"
)

// MigrateTable runs AutoMigrate for all tables. Can be skipped on startup with
// SKIP_MIGRATIONS=true and run as a separate job instead.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Println("MigrateTable: db is nil, skipping")
		return
	}
	err := db.AutoMigrate(
		&SocialAccount{},
		&QueuedAction{},
		&PublishedPost{},
	)
	if err != nil {
		log.Printf("AutoMigrate failed: %v", err)
	}
}
