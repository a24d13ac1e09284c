package room

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Opus transport constants (RFC 7587: WebRTC always signals opus/48000/2
// even for mono voice — same convention the teacher's webrtc_internal
// package documents).
const (
	OpusSampleRate       = 48000
	OpusChannels         = 2
	OpusFrameDuration20  = 20 // milliseconds
	OpusMaxFrameBytes    = 4000
	opusDecodeFrameSize  = OpusSampleRate / 1000 * OpusFrameDuration20 // per-channel samples for a 20ms frame
	opusDecodePCMStereo  = opusDecodeFrameSize * OpusChannels
)

// Codec wraps a matched Opus encoder/decoder pair for one media direction
// pair, grounded on the teacher's webrtc_internal.OpusCodec (referenced from
// streamer.go but not itself retrieved in the pack; reconstructed directly
// from gopkg.in/hraban/opus.v2's documented Encoder/Decoder API).
type Codec struct {
	enc *opus.Encoder
	dec *opus.Decoder
}

// NewOpusCodec builds an encoder (VoIP-tuned application profile, matching
// voice rather than music) and a decoder, both at the WebRTC-mandated
// 48kHz/stereo signaling rate.
func NewOpusCodec() (*Codec, error) {
	enc, err := opus.NewEncoder(OpusSampleRate, OpusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("new opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("new opus decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode compresses one 20ms stereo PCM frame (960 samples/channel at
// 48kHz) into an Opus payload.
func (c *Codec) Encode(pcmStereo []int16) ([]byte, error) {
	buf := make([]byte, OpusMaxFrameBytes)
	n, err := c.enc.Encode(pcmStereo, buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return buf[:n], nil
}

// Decode expands one Opus payload into stereo PCM samples at 48kHz.
func (c *Codec) Decode(payload []byte) ([]int16, error) {
	pcm := make([]int16, opusDecodePCMStereo)
	n, err := c.dec.Decode(payload, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm[:n*OpusChannels], nil
}

// DownmixToMono averages interleaved stereo samples into mono, undoing
// RFC 7587's mandatory stereo signaling for voice content.
func DownmixToMono(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/OpusChannels)
	for i := range mono {
		l, r := int32(stereo[2*i]), int32(stereo[2*i+1])
		mono[i] = int16((l + r) / 2)
	}
	return mono
}

// UpmixToStereo duplicates a mono frame across both Opus channels for
// encoding (spec's pipeline is mono throughout; only the wire format needs
// two channels).
func UpmixToStereo(mono []int16) []int16 {
	stereo := make([]int16, len(mono)*OpusChannels)
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return stereo
}
