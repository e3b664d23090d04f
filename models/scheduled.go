package models

import (
	"time"
)

const (
	ScheduledActionPending   = "pending"
	ScheduledActionExecuted  = "executed"
	ScheduledActionFailed    = "failed"
	ScheduledActionCancelled = "cancelled"
)

// ScheduledAction is a moderation action to run later. At most one pending
// row may exist per (did, action); the partial unique index backs that up.
type ScheduledAction struct {
	ID                 uint64         `gorm:"primaryKey"`
	Action             string         `gorm:"not null;uniqueIndex:idx_scheduled_action_pending,where:status = 'pending'"`
	EventData          map[string]any `gorm:"serializer:json"`
	Did                string         `gorm:"not null;index;uniqueIndex:idx_scheduled_action_pending,where:status = 'pending'"`
	ExecuteAt          *time.Time
	ExecuteAfter       *time.Time
	ExecuteUntil       *time.Time
	RandomizeExecution bool   `gorm:"not null"`
	Status             string `gorm:"not null;index"`
	CreatedBy          string `gorm:"not null"`
	ExecutionEventID   *uint64
	LastExecutedAt     *time.Time
	LastFailureReason  *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (ScheduledAction) TableName() string {
	return "scheduled_action"
}
