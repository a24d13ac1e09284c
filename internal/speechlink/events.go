// Package speechlink implements the two duplex connections to the external
// speech provider: the conversational Voice Agent link (C4) and the
// always-on Transcription link (C5).
package speechlink

import "github.com/ultradaoto/hybrid-coach-sub004/internal/role"

// EventKind enumerates the events a speech link can emit upward, per the
// table in spec §4.4. The Transcription link only ever emits TranscriptDelta
// and Error.
type EventKind int

const (
	UserStartedSpeaking EventKind = iota
	UserStoppedSpeaking
	AgentAudioChunk
	AgentStartedSpeaking
	AgentFinishedSpeaking
	BargeIn
	TranscriptDelta
	ErrorEvent
)

func (k EventKind) String() string {
	switch k {
	case UserStartedSpeaking:
		return "user_started_speaking"
	case UserStoppedSpeaking:
		return "user_stopped_speaking"
	case AgentAudioChunk:
		return "agent_audio_chunk"
	case AgentStartedSpeaking:
		return "agent_started_speaking"
	case AgentFinishedSpeaking:
		return "agent_finished_speaking"
	case BargeIn:
		return "barge_in"
	case TranscriptDelta:
		return "transcript_delta"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the link-agnostic envelope handed upward from C4/C5 to the
// dual-connection manager (C6). Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	Audio []byte // AgentAudioChunk

	Role    role.Role // TranscriptDelta
	Text    string    // TranscriptDelta
	IsFinal bool      // TranscriptDelta

	ErrKind string // ErrorEvent
	ErrMsg  string // ErrorEvent
}
