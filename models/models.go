// Package models holds the gorm row types for every table the moderation
// service persists.
package models

import (
	"gorm.io/gorm"
)

// AutoMigrate creates or updates every table in this package.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ModerationEvent{},
		&SubjectStatus{},
		&Label{},
		&SigningKey{},
		&RepoPushEvent{},
		&RecordPushEvent{},
		&BlobPushEvent{},
		&ScheduledAction{},
	)
}
