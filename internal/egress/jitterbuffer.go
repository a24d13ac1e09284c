// Package egress implements the jitter buffer and egress pump (C7): it
// absorbs bursty synthesized TTS audio and emits it to the conferencing SDK
// at a constant 20 ms cadence, applying DC-offset removal per frame.
package egress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/dsp"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
)

// Fixed parameters, spec §4.7.
const (
	FrameDuration   = 20 * time.Millisecond
	SampleRate      = 24000
	SamplesPerFrame = 480
	FramesToBuffer  = 20 // 400 ms start threshold
	MinBufferFrames = 5
	MaxEmptyFrames  = 15 // 300 ms silence tolerance
)

// Diagnostics thresholds (spec §4.1: "used for warnings; not required for
// correctness"). peakWarnThreshold sits just below full-scale clipping;
// dcMeanWarnThreshold flags a synthesized burst still carrying a non-trivial
// DC offset despite the high-pass filter. diagnosticsLogEvery rate-limits
// the resulting Warnw to roughly once per second of egress audio rather than
// once per 20ms frame.
const (
	peakWarnThreshold    int16 = 32000
	dcMeanWarnThreshold        = 500.0
	diagnosticsLogEvery        = 50
)

// OutboundTrack is the conferencing SDK's outbound audio surface: one
// 480-sample 24kHz mono frame per call.
type OutboundTrack interface {
	WriteFrame(ctx context.Context, samples []int16) error
}

// JitterBuffer is the egress pump (C7).
type JitterBuffer struct {
	track  OutboundTrack
	logger logging.Logger

	onBufferEmpty func()

	mu           sync.Mutex
	queue        [][]int16
	carry        []int16
	active       bool
	startedAt    time.Time
	framesPlayed int64
	emptyStreak  int
	dcState      dsp.FilterState
	diagTick     int

	paused atomic.Bool
	notify chan struct{}
}

// New builds a JitterBuffer writing to track. onBufferEmpty, if non-nil, is
// invoked once the buffer deactivates after draining naturally (used to
// drive the DRAINING -> IDLE transition in the dual-connection manager).
func New(track OutboundTrack, logger logging.Logger, onBufferEmpty func()) *JitterBuffer {
	return &JitterBuffer{
		track:         track,
		logger:        logger,
		onBufferEmpty: onBufferEmpty,
		notify:        make(chan struct{}, 1),
	}
}

// Append accepts a burst of synthesized PCM (spec step 1): align to Int16,
// split into fixed 480-sample frames, carrying any remainder across calls.
// Frames arriving while paused are dropped on entry (spec step 4).
func (b *JitterBuffer) Append(raw []byte) {
	if b.paused.Load() {
		return
	}
	samples, err := dsp.AlignInt16(raw)
	if err != nil {
		return // InvariantViolation: drop the offending frame, continue (spec §7)
	}

	b.mu.Lock()
	b.carry = append(b.carry, samples...)
	for len(b.carry) >= SamplesPerFrame {
		frame := make([]int16, SamplesPerFrame)
		copy(frame, b.carry[:SamplesPerFrame])
		b.carry = b.carry[SamplesPerFrame:]
		b.queue = append(b.queue, frame)
	}
	shouldActivate := !b.active && len(b.queue) >= FramesToBuffer
	if shouldActivate {
		b.active = true
		b.startedAt = time.Now()
		b.framesPlayed = 0
		b.emptyStreak = 0
		b.dcState.Reset()
	}
	b.mu.Unlock()

	if shouldActivate {
		b.poke()
	}
}

// Clear discards all buffered frames and deactivates immediately (spec step
// 4: barge-in or pause).
func (b *JitterBuffer) Clear() {
	b.mu.Lock()
	b.queue = nil
	b.carry = nil
	b.active = false
	b.emptyStreak = 0
	b.mu.Unlock()
}

// SetPaused toggles the paused state. Pausing clears the buffer immediately,
// matching PauseAI's "synthesized output frames are dropped silently".
func (b *JitterBuffer) SetPaused(paused bool) {
	b.paused.Store(paused)
	if paused {
		b.Clear()
	}
}

// ResetFilterOnBoundary resets only the DC filter state at a response
// boundary without clearing pending frames (spec step 5, invariant I6).
func (b *JitterBuffer) ResetFilterOnBoundary() {
	b.mu.Lock()
	b.dcState.Reset()
	b.mu.Unlock()
}

// Len reports the current buffer depth, in frames.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *JitterBuffer) poke() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run drives the self-correcting wall-clock pump until ctx is cancelled.
func (b *JitterBuffer) Run(ctx context.Context) {
	for {
		b.mu.Lock()
		active := b.active
		b.mu.Unlock()

		if !active {
			select {
			case <-ctx.Done():
				return
			case <-b.notify:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		b.mu.Lock()
		expected := b.startedAt.Add(time.Duration(b.framesPlayed) * FrameDuration)
		b.mu.Unlock()

		wait := time.Until(expected)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		b.tick(ctx)
	}
}

// tick implements spec step 3: pop and emit one frame if available,
// otherwise bump the empty streak and sleep one frame duration before the
// caller retries (rather than racing the expected-time formula, which would
// otherwise busy-loop at the 1ms floor while the buffer is starved).
func (b *JitterBuffer) tick(ctx context.Context) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.emptyStreak++
		deactivate := b.emptyStreak >= MaxEmptyFrames
		if deactivate {
			b.active = false
		}
		b.mu.Unlock()
		if deactivate {
			if b.onBufferEmpty != nil {
				b.onBufferEmpty()
			}
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(FrameDuration):
		}
		return
	}

	frame := b.queue[0]
	b.queue = b.queue[1:]
	filtered := dsp.DCHighpass(frame, &b.dcState)
	b.framesPlayed++
	b.emptyStreak = 0
	b.diagTick++
	logDiag := b.diagTick%diagnosticsLogEvery == 0
	remaining := len(b.queue)
	b.mu.Unlock()

	// Below MinBufferFrames of carryover means the next provider stall of
	// more than a frame or two will produce an audible underrun; this is
	// informational only (spec §4.7 never conditions behavior on it), logged
	// at debug level so it's free in production.
	if remaining > 0 && remaining < MinBufferFrames {
		b.logger.Debugw("jitter buffer below minimum carryover", "frames_remaining", remaining)
	}

	if logDiag {
		b.warnOnDiagnostics(frame)
	}

	if err := b.track.WriteFrame(ctx, filtered); err != nil {
		b.logger.Warnw("egress write frame failed", "error", err)
	}
}

// warnOnDiagnostics surfaces spec §4.1's frame diagnostics (peak, DC mean)
// as a structured warning when a sampled pre-filter frame looks like it's
// clipping or still carrying a significant DC offset, the way the teacher's
// audio packages surface soft-failure conditions through the logger instead
// of swallowing them silently. Computed on the raw frame, before the DC
// high-pass filter, so a genuine incoming offset is visible rather than
// already corrected away.
func (b *JitterBuffer) warnOnDiagnostics(raw []int16) {
	diag := dsp.ComputeFrameDiagnostics(raw)
	if diag.Peak < peakWarnThreshold && (diag.DCMean > -dcMeanWarnThreshold && diag.DCMean < dcMeanWarnThreshold) {
		return
	}
	b.logger.Warnw("egress frame diagnostics threshold exceeded", "peak", diag.Peak, "dc_mean", diag.DCMean)
}
