package room

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/egress"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
)

const (
	rtpBufferSize        = 1500 // max RTP packet size (MTU), teacher's RTPBufferSize
	maxConsecutiveErrors = 50
)

// PeerConnectionClient is the concrete conferencing-SDK adapter (Client):
// one Pion PeerConnection subscribing to every room participant's audio
// track and publishing the agent's single synthesized outbound track.
// Grounded on the teacher's webrtcStreamer (streamer.go): MediaEngine/Opus
// codec registration, default interceptors, OnTrack demuxing, and a
// TrackLocalStaticSample for the outbound side.
type PeerConnectionClient struct {
	logger logging.Logger

	mu         sync.Mutex
	pc         *pionwebrtc.PeerConnection
	localTrack *pionwebrtc.TrackLocalStaticSample
	dataCh     *pionwebrtc.DataChannel

	resampler     *Resampler
	outboundCodec *Codec

	onJoined     func(identity, name string, metadata ParticipantMetadata)
	onLeft       func(identity string)
	onTrackSub   func(participantID string, frames <-chan AudioFrame)
	onDataRecv   func(payload []byte, participantID string)

	seenParticipants map[string]struct{}
	participantsMu   sync.Mutex

	recorder *Recorder // nil unless debug audio capture is enabled
}

// Config carries the ICE/session parameters the conferencing SDK connection
// needs; signaling/SDP exchange with the room server is out of this
// spec's scope (§1) and is assumed handled by whatever dials in via
// SetRemoteDescription/AddICECandidate below.
type Config struct {
	ICEServers []pionwebrtc.ICEServer
	Recorder   *Recorder // optional, feature-gated debug capture (recorder.go)
}

// NewPeerConnectionClient builds the Pion peer connection, registers the
// Opus codec + default interceptors, and creates the outbound audio track.
func NewPeerConnectionClient(cfg Config, logger logging.Logger) (*PeerConnectionClient, error) {
	resampler, err := NewResampler()
	if err != nil {
		return nil, fmt.Errorf("room: %w", err)
	}

	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeOpus,
			ClockRate: OpusSampleRate,
			Channels:  OpusChannels,
		},
		PayloadType: 111,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("room: register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("room: register interceptors: %w", err)
	}

	api := pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("room: new peer connection: %w", err)
	}

	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeOpus, ClockRate: OpusSampleRate, Channels: OpusChannels},
		"audio", "voicecoach-agent",
	)
	if err != nil {
		return nil, fmt.Errorf("room: new local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return nil, fmt.Errorf("room: add local track: %w", err)
	}

	dataCh, err := pc.CreateDataChannel("voiceagent-control", &pionwebrtc.DataChannelInit{Ordered: boolPtr(true)})
	if err != nil {
		return nil, fmt.Errorf("room: create data channel: %w", err)
	}

	c := &PeerConnectionClient{
		logger:           logger,
		pc:               pc,
		localTrack:       track,
		dataCh:           dataCh,
		resampler:        resampler,
		seenParticipants: make(map[string]struct{}),
		recorder:         cfg.Recorder,
	}

	dataCh.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		c.handleDataMessage(msg)
	})

	pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
			return
		}
		c.handleRemoteTrack(track)
	})

	return c, nil
}

func boolPtr(b bool) *bool { return &b }

// OnParticipantJoined implements Client.
func (c *PeerConnectionClient) OnParticipantJoined(cb func(identity, name string, metadata ParticipantMetadata)) {
	c.onJoined = cb
}

// OnParticipantLeft implements Client.
func (c *PeerConnectionClient) OnParticipantLeft(cb func(identity string)) {
	c.onLeft = cb
}

// OnAudioTrackSubscribed implements Client.
func (c *PeerConnectionClient) OnAudioTrackSubscribed(cb func(participantID string, frames <-chan AudioFrame)) {
	c.onTrackSub = cb
}

// OnDataReceived implements Client.
func (c *PeerConnectionClient) OnDataReceived(cb func(payload []byte, participantID string)) {
	c.onDataRecv = cb
}

// PublishData implements Client (spec §6: publish_data(utf8_json, reliable)).
// The ordered/reliable data channel created above is used for both cases;
// an unreliable variant is left as a follow-on if a provider needs it.
func (c *PeerConnectionClient) PublishData(ctx context.Context, payload []byte, reliable bool) error {
	c.mu.Lock()
	dc := c.dataCh
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != pionwebrtc.DataChannelStateOpen {
		return fmt.Errorf("room: data channel not open")
	}
	return dc.Send(payload)
}

// Connect is a no-op beyond what NewPeerConnectionClient already performed;
// the room server's signaling exchange (SDP offer/answer, ICE) is external
// to this spec and assumed to have completed by the time this is called in
// a full deployment. Kept as a method so Client satisfies the session
// controller's expected lifecycle shape.
func (c *PeerConnectionClient) Connect(ctx context.Context) error {
	return nil
}

// Close tears down the peer connection, unpublishing the outbound track.
func (c *PeerConnectionClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc == nil {
		return nil
	}
	err := c.pc.Close()
	c.pc = nil
	return err
}

// handleRemoteTrack demuxes one participant's inbound RTP/Opus track into
// fixed 24kHz PCM frames, grounded on the teacher's readRemoteAudio
// (streamer.go): unmarshal RTP, Opus-decode, resample, forward.
// The track's StreamID is treated as the participant identity — the
// concrete mapping a real conferencing SDK provides is out of this spec's
// scope (§1); this is the documented stand-in (see DESIGN.md).
func (c *PeerConnectionClient) handleRemoteTrack(track *pionwebrtc.TrackRemote) {
	participantID := track.StreamID()
	if participantID == "" {
		participantID = uuid.New().String()
	}

	c.announceJoinOnce(participantID)

	frames := make(chan AudioFrame, 64)
	if c.onTrackSub != nil {
		c.onTrackSub(participantID, frames)
	}

	go c.readRemoteTrack(track, participantID, frames)
}

func (c *PeerConnectionClient) announceJoinOnce(participantID string) {
	c.participantsMu.Lock()
	_, seen := c.seenParticipants[participantID]
	if !seen {
		c.seenParticipants[participantID] = struct{}{}
	}
	c.participantsMu.Unlock()

	if !seen && c.onJoined != nil {
		c.onJoined(participantID, participantID, nil)
	}
}

func (c *PeerConnectionClient) readRemoteTrack(track *pionwebrtc.TrackRemote, participantID string, out chan<- AudioFrame) {
	defer close(out)
	defer c.announceLeft(participantID)

	codec, err := NewOpusCodec()
	if err != nil {
		c.logger.Errorw("room: failed to create per-track opus decoder", "error", err)
		return
	}

	buf := make([]byte, rtpBufferSize)
	consecutiveErrors := 0

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err == io.EOF {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				c.logger.Warnw("room: too many consecutive read errors, stopping track reader", "participant", participantID, "error", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil || len(pkt.Payload) == 0 {
			continue
		}

		stereo48k, err := codec.Decode(pkt.Payload)
		if err != nil {
			continue
		}
		mono48k := DownmixToMono(stereo48k)
		mono24k, err := c.resampler.ToPipelineRate(mono48k)
		if err != nil {
			continue
		}

		if c.recorder != nil {
			c.recorder.CaptureInbound(participantID, mono24k)
		}

		select {
		case out <- AudioFrame{Data: mono24k, SampleRate: PipelineSampleRate, Channels: 1}:
		default:
			c.logger.Warnw("room: inbound frame channel full, dropping frame", "participant", participantID)
		}
	}
}

func (c *PeerConnectionClient) announceLeft(participantID string) {
	if c.onLeft != nil {
		c.onLeft(participantID)
	}
}

func (c *PeerConnectionClient) handleDataMessage(msg pionwebrtc.DataChannelMessage) {
	if c.onDataRecv == nil {
		return
	}
	// This single data channel is shared by every room participant; a real
	// conferencing SDK tags inbound messages with the sending participant's
	// identity out of band. Absent that, the payload itself is expected to
	// be self-describing per spec §4.8 (the coach_mute message already
	// carries coachIdentity).
	c.onDataRecv(msg.Data, "")
}

// WriteFrame implements egress.OutboundTrack: one 24kHz mono 480-sample
// frame is upsampled to 48kHz, Opus-encoded, and written to the local
// track, grounded on the teacher's writeAudioFrame/bufferAndSendOutput.
func (c *PeerConnectionClient) WriteFrame(ctx context.Context, samples []int16) error {
	mono48k, err := c.resampler.ToTransportRate(samples)
	if err != nil {
		return fmt.Errorf("room: resample outbound frame: %w", err)
	}
	stereo48k := UpmixToStereo(mono48k)

	c.mu.Lock()
	codec := c.outboundCodec
	c.mu.Unlock()
	if codec == nil {
		codec, err = NewOpusCodec()
		if err != nil {
			return fmt.Errorf("room: create outbound codec: %w", err)
		}
		c.mu.Lock()
		c.outboundCodec = codec
		c.mu.Unlock()
	}

	encoded, err := codec.Encode(stereo48k)
	if err != nil {
		return fmt.Errorf("room: opus encode: %w", err)
	}

	if c.recorder != nil {
		c.recorder.CaptureOutbound(samples)
	}

	return c.localTrack.WriteSample(media.Sample{Data: encoded, Duration: egress.FrameDuration})
}
