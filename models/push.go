package models

import (
	"time"
)

// Downstream push targets.
const (
	PushEventPDSTakedown     = "pds_takedown"
	PushEventAppviewTakedown = "appview_takedown"
)

type RepoPushEvent struct {
	ID            uint64 `gorm:"primaryKey"`
	EventType     string `gorm:"not null;uniqueIndex:idx_repo_push_key"`
	SubjectDid    string `gorm:"not null;uniqueIndex:idx_repo_push_key"`
	TakedownRef   *string
	ConfirmedAt   *time.Time `gorm:"index"`
	LastAttempted *time.Time
	Attempts      int `gorm:"not null"`
}

func (RepoPushEvent) TableName() string {
	return "repo_push_event"
}

type RecordPushEvent struct {
	ID            uint64 `gorm:"primaryKey"`
	EventType     string `gorm:"not null;uniqueIndex:idx_record_push_key"`
	SubjectUri    string `gorm:"not null;uniqueIndex:idx_record_push_key"`
	SubjectDid    string `gorm:"not null"`
	SubjectCid    string `gorm:"not null"`
	TakedownRef   *string
	ConfirmedAt   *time.Time `gorm:"index"`
	LastAttempted *time.Time
	Attempts      int `gorm:"not null"`
}

func (RecordPushEvent) TableName() string {
	return "record_push_event"
}

type BlobPushEvent struct {
	ID             uint64 `gorm:"primaryKey"`
	EventType      string `gorm:"not null;uniqueIndex:idx_blob_push_key"`
	SubjectDid     string `gorm:"not null;uniqueIndex:idx_blob_push_key"`
	SubjectBlobCid string `gorm:"not null;uniqueIndex:idx_blob_push_key"`
	SubjectUri     *string
	TakedownRef    *string
	ConfirmedAt    *time.Time `gorm:"index"`
	LastAttempted  *time.Time
	Attempts       int `gorm:"not null"`
}

func (BlobPushEvent) TableName() string {
	return "blob_push_event"
}
