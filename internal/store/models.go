// Package store implements the session/message persistence layer (spec
// §4.8's create_session/store_message/complete_session/
// cleanup_abandoned_sessions) and the at-least-once retry buffer backing
// invariant I5.
package store

import (
	"time"

	"gorm.io/gorm"
)

// SessionStatus mirrors the teacher's call-context status column: a small
// enum stored as a string, transitioned only forward.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// SessionRecord is one coaching session (one supervisor process lifetime),
// keyed by the conferencing room it was opened for.
type SessionRecord struct {
	ID              string        `gorm:"column:id;type:varchar(36);primaryKey"`
	RoomID          string        `gorm:"column:room_id;type:varchar(255);not null;index"`
	PrimaryUserID   string        `gorm:"column:primary_user_id;type:varchar(255)"`
	Status          SessionStatus `gorm:"column:status;type:varchar(20);not null;default:open"`
	GenerateSummary bool          `gorm:"column:generate_summary;not null;default:false"`
	AISummary       string        `gorm:"column:ai_summary;type:text"`
	CreatedAt       time.Time     `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
	CompletedAt     *time.Time    `gorm:"column:completed_at"`
}

func (SessionRecord) TableName() string { return "sessions" }

func (r *SessionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = SessionOpen
	}
	return nil
}

// Sender mirrors the transcript entry's role (spec §4: client, coach, ai).
type Sender string

const (
	SenderClient Sender = "client"
	SenderCoach  Sender = "coach"
	SenderAI     Sender = "ai"
)

// MessageRecord is one persisted transcript entry. Only entries with
// is_final=true ever reach the store (spec P6); the row itself has no
// is_final column because a non-final delta is never written at all.
type MessageRecord struct {
	ID        uint64    `gorm:"column:id;type:bigint;primaryKey;autoIncrement"`
	SessionID string    `gorm:"column:session_id;type:varchar(36);not null;index;uniqueIndex:uq_message_identity"`
	Content   string    `gorm:"column:content;type:text;not null;uniqueIndex:uq_message_identity"`
	Sender    Sender    `gorm:"column:sender;type:varchar(10);not null;uniqueIndex:uq_message_identity"`
	UserID    string    `gorm:"column:user_id;type:varchar(255)"`
	At        time.Time `gorm:"column:at;not null;uniqueIndex:uq_message_identity"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

func (MessageRecord) TableName() string { return "messages" }

func (m *MessageRecord) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}
