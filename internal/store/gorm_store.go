package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
)

// gormStore is the Postgres/SQLite-backed Store (spec §6). Postgres is the
// production target; sqlite backs local runs and the test suite, matching
// the teacher's pattern of one store implementation parameterized by
// whichever gorm dialector the deployment config names.
type gormStore struct {
	db  *gorm.DB
	log logging.Logger
}

// Open dials Postgres when dsn is non-empty, otherwise falls back to the
// sqlite file at sqlitePath (spec §6's config §7 default-to-sqlite
// behavior for non-production runs).
func Open(dsn, sqlitePath string, log logging.Logger) (Store, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var dialector gorm.Dialector
	if dsn != "" {
		dialector = postgres.Open(dsn)
	} else {
		if sqlitePath == "" {
			sqlitePath = "voiceagent.db"
		}
		dialector = sqlite.Open(sqlitePath)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening store database: %w", err)
	}

	if err := db.AutoMigrate(&SessionRecord{}, &MessageRecord{}); err != nil {
		return nil, fmt.Errorf("migrating store schema: %w", err)
	}

	return &gormStore{db: db, log: log}, nil
}

// NewGormStore wraps an already-open gorm.DB. Used by tests that hand in an
// in-memory sqlite connection or a sqlmock-backed *gorm.DB.
func NewGormStore(db *gorm.DB, log logging.Logger) Store {
	return &gormStore{db: db, log: log}
}

func (s *gormStore) CreateSession(ctx context.Context, in CreateSessionInput) (string, error) {
	rec := &SessionRecord{
		ID:            uuid.New().String(),
		RoomID:        in.RoomID,
		PrimaryUserID: in.PrimaryUserID,
		Status:        SessionOpen,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("creating session for room %s: %w", in.RoomID, err)
	}
	s.log.Infow("session created", "session_id", rec.ID, "room_id", in.RoomID)
	return rec.ID, nil
}

// StoreMessage inserts the message, ignoring the call entirely if the same
// (session_id, content, sender, at) row already exists (I5's at-most-once
// guarantee). Postgres and sqlite both understand ON CONFLICT DO NOTHING
// via gorm's clause.OnConflict.
func (s *gormStore) StoreMessage(ctx context.Context, in StoreMessageInput) error {
	rec := &MessageRecord{
		SessionID: in.SessionID,
		Content:   in.Content,
		Sender:    in.Sender,
		UserID:    in.UserID,
		At:        time.UnixMilli(in.At),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("storing message for session %s: %w", in.SessionID, err)
	}
	return nil
}

func (s *gormStore) CompleteSession(ctx context.Context, in CompleteSessionInput) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("id = ?", in.SessionID).
		Updates(map[string]interface{}{
			"status":           SessionCompleted,
			"generate_summary": in.GenerateSummary,
			"ai_summary":       in.AISummary,
			"completed_at":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("completing session %s: %w", in.SessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("completing session %s: %w", in.SessionID, ErrSessionNotFound)
	}
	s.log.Infow("session completed", "session_id", in.SessionID)
	return nil
}

func (s *gormStore) CleanupAbandonedSessions(ctx context.Context, roomID string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&SessionRecord{}).Where("status = ?", SessionOpen)
	if roomID != "" {
		q = q.Where("room_id = ?", roomID)
	}
	result := q.Updates(map[string]interface{}{
		"status":       SessionAbandoned,
		"completed_at": time.Now(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("cleaning up abandoned sessions: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.log.Infow("cleaned up abandoned sessions", "room_id", roomID, "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}
