package models

import (
	"time"
)

// ModTool records which client produced an event.
type ModTool struct {
	Name string         `json:"name"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ModerationEvent is the append-only event log. Rows are never updated.
type ModerationEvent struct {
	ID               uint64   `gorm:"primaryKey"`
	Action           string   `gorm:"not null;index"`
	SubjectType      string   `gorm:"not null"`
	SubjectDid       string   `gorm:"not null;index:idx_mod_event_subject"`
	SubjectUri       string   `gorm:"not null;default:'';index:idx_mod_event_subject"`
	SubjectCid       string   `gorm:"not null;default:''"`
	SubjectBlobCids  []string `gorm:"serializer:json"`
	SubjectMessageId string
	CreatedBy        string    `gorm:"not null;index"`
	CreatedAt        time.Time `gorm:"not null;index"`
	Comment          string
	DurationInHours  *int
	ExpiresAt        *time.Time
	// space separated label values
	CreateLabelVals string
	NegateLabelVals string
	AddedTags       []string       `gorm:"serializer:json"`
	RemovedTags     []string       `gorm:"serializer:json"`
	Meta            map[string]any `gorm:"serializer:json"`
	ExternalId      *string        `gorm:"index"`
	ModTool         *ModTool       `gorm:"serializer:json"`
}

func (ModerationEvent) TableName() string {
	return "moderation_event"
}

// MetaString returns a string meta field, or "" if missing.
func (e *ModerationEvent) MetaString(key string) string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[key].(string)
	return s
}

// MetaBool returns a boolean meta field, false if missing.
func (e *ModerationEvent) MetaBool(key string) bool {
	if e.Meta == nil {
		return false
	}
	b, _ := e.Meta[key].(bool)
	return b
}

// SubjectStatus is the projection of the event log for one (did, record path).
type SubjectStatus struct {
	ID                   uint64 `gorm:"primaryKey"`
	Did                  string `gorm:"not null;uniqueIndex:idx_subject_status_key"`
	RecordPath           string `gorm:"not null;uniqueIndex:idx_subject_status_key"`
	RecordCid            *string
	BlobCids             []string `gorm:"serializer:json"`
	ReviewState          string   `gorm:"not null;index"`
	Comment              *string
	Takendown            bool       `gorm:"not null"`
	SuspendUntil         *time.Time `gorm:"index"`
	MuteUntil            *time.Time `gorm:"index"`
	MuteReportingUntil   *time.Time
	Appealed             bool `gorm:"not null"`
	LastAppealedAt       *time.Time
	Tags                 []string `gorm:"serializer:json"`
	HostingStatus        string
	HostingUpdatedAt     *time.Time
	HostingDeletedAt     *time.Time
	HostingDeactivatedAt *time.Time
	LastReviewedBy       *string
	LastReviewedAt       *time.Time
	LastReportedAt       *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (SubjectStatus) TableName() string {
	return "moderation_subject_status"
}
