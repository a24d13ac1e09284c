package conn

import "github.com/ultradaoto/hybrid-coach-sub004/internal/role"

// EventKind enumerates the events the dual-connection manager (C6) emits
// upward to the session controller (C8) / egress pump (C7) per spec §4.6.
type EventKind int

const (
	EventAIAudio EventKind = iota
	EventTranscript
	EventAgentSpeaking
	EventAgentDoneSpeaking
	EventBargeIn
	EventGate
)

// Event is the upward envelope from C6.
type Event struct {
	Kind EventKind

	Audio []byte // EventAIAudio

	Role    role.Role // EventTranscript
	Content string    // EventTranscript
	IsFinal bool      // EventTranscript

	ParticipantID string // EventGate
	Muted         bool   // EventGate
}
