// Package room implements the conferencing-SDK adapter: the boundary
// between this agent and the conferencing platform named only by interface
// in spec §6 (out of scope as a collaborator; this package is the concrete
// binding the rest of the agent is built against).
//
// It is grounded on the teacher's (iamprashant-voice-ai) Pion-based WebRTC
// streamer (internal/channel/webrtc/streamer.go): one owned PeerConnection,
// Opus encode/decode at the media boundary, and a resampler bridging the
// transport's 48kHz audio to the pipeline's fixed 24kHz. Unlike the
// teacher's single-peer call, this agent subscribes to many remote audio
// tracks (one per room participant) over that one PeerConnection, matching
// an SFU client's "many inbound tracks, one outbound track" shape.
package room

import "context"

// AudioFrame is one inbound frame as the conferencing SDK would hand it to
// an audio-track subscriber (spec §6: "yields an async iterable of frames
// { data: Int16 samples, sample_rate: 24000, channels: 1 }").
type AudioFrame struct {
	Data       []int16
	SampleRate int
	Channels   int
}

// ParticipantMetadata is the opaque join-time metadata payload a room
// participant may carry; role.Classify parses it for a `role` override.
type ParticipantMetadata []byte

// Client is the conferencing SDK contract (spec §6), named by interface so
// the rest of the agent never depends on a concrete transport. PeerConnectionClient
// (peerconn.go) is the only implementation in this repo.
type Client interface {
	// OnParticipantJoined registers a callback fired once per room join.
	OnParticipantJoined(cb func(identity, name string, metadata ParticipantMetadata))
	// OnParticipantLeft registers a callback fired once per room departure.
	OnParticipantLeft(cb func(identity string))
	// OnAudioTrackSubscribed registers a callback fired when a participant's
	// audio track becomes available; frames arrive on the returned channel
	// until the track ends (participant left or track unpublished).
	OnAudioTrackSubscribed(cb func(participantID string, frames <-chan AudioFrame))
	// OnDataReceived registers a callback for inbound reliable data-channel
	// messages (spec §4.8's coach_mute/coach_whisper/pause_ai JSON).
	OnDataReceived(cb func(payload []byte, participantID string))

	// PublishData sends a UTF-8 JSON payload to all participants (spec §6).
	PublishData(ctx context.Context, payload []byte, reliable bool) error

	// Connect establishes the room connection; frames/events are only
	// delivered after this returns successfully.
	Connect(ctx context.Context) error
	// Close tears down the room connection, unpublishing the outbound track.
	Close() error
}
