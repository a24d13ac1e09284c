package store

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by CompleteSession when the session id is unknown.
var ErrSessionNotFound = errors.New("store: session not found")

// CreateSessionInput mirrors spec §6's create_session({room_id, user_id?}).
type CreateSessionInput struct {
	RoomID        string
	PrimaryUserID string
}

// StoreMessageInput mirrors spec §6's store_message({session_id, content,
// sender, user_id?}).
type StoreMessageInput struct {
	SessionID string
	Content   string
	Sender    Sender
	UserID    string
	At        int64 // unix millis, part of the I5 identity key
}

// CompleteSessionInput mirrors spec §6's complete_session(session_id,
// {generate_transcript, ai_summary?}).
type CompleteSessionInput struct {
	SessionID      string
	GenerateSummary bool
	AISummary      string
}

// Store is the session controller's persistence surface (spec §4.8, §6).
// Every method here is allowed to fail; callers are responsible for the
// buffer-and-retry behavior described by I5 — Store itself never retries.
type Store interface {
	// CreateSession opens a session row and returns its id. Spec: "on
	// open-time failure, continue with session_id = none and skip
	// persistence" — the caller, not Store, decides that fallback.
	CreateSession(ctx context.Context, in CreateSessionInput) (string, error)

	// StoreMessage persists one final transcript entry, at-most-once per
	// (session, content, sender, at) (I5). A duplicate call with the same
	// identity is not an error — it is treated as the retry it is.
	StoreMessage(ctx context.Context, in StoreMessageInput) error

	// CompleteSession marks a session completed, optionally storing an AI
	// summary generated elsewhere.
	CompleteSession(ctx context.Context, in CompleteSessionInput) error

	// CleanupAbandonedSessions marks any session left "open" as abandoned.
	// Idempotent; called once at supervisor startup (spec §6). When roomID
	// is non-empty, only sessions for that room are affected.
	CleanupAbandonedSessions(ctx context.Context, roomID string) (int64, error)
}
