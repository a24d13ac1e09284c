package room

import (
	"fmt"

	resampler "github.com/tphakala/go-audio-resampler"
)

// PipelineSampleRate is the fixed rate every component downstream of this
// package operates at (spec §4.7: 24kHz mono).
const PipelineSampleRate = 24000

// Resampler bridges the WebRTC transport's 48kHz audio to the pipeline's
// fixed 24kHz, grounded on the teacher's internal_audio_resampler.GetResampler
// usage in streamer.go (the concrete resampler package itself, like the
// Opus codec, was referenced from a call site rather than retrieved in the
// pack, so the constructor/method shape below follows
// github.com/tphakala/go-audio-resampler's documented linear resampler).
type Resampler struct {
	toPipeline *resampler.Resampler
	toTransport *resampler.Resampler
}

// NewResampler builds a pair of resamplers, one per direction, for mono
// 16-bit PCM between the transport rate and the pipeline rate.
func NewResampler() (*Resampler, error) {
	toPipeline, err := resampler.New(OpusSampleRate, PipelineSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("new downsample resampler: %w", err)
	}
	toTransport, err := resampler.New(PipelineSampleRate, OpusSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("new upsample resampler: %w", err)
	}
	return &Resampler{toPipeline: toPipeline, toTransport: toTransport}, nil
}

// ToPipelineRate downsamples a mono 48kHz frame to the pipeline's 24kHz.
func (r *Resampler) ToPipelineRate(mono48k []int16) ([]int16, error) {
	out, err := r.toPipeline.Process(mono48k)
	if err != nil {
		return nil, fmt.Errorf("resample to pipeline rate: %w", err)
	}
	return out, nil
}

// ToTransportRate upsamples a mono 24kHz frame to the transport's 48kHz.
func (r *Resampler) ToTransportRate(mono24k []int16) ([]int16, error) {
	out, err := r.toTransport.Process(mono24k)
	if err != nil {
		return nil, fmt.Errorf("resample to transport rate: %w", err)
	}
	return out, nil
}
