package room

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
)

// Recorder is an optional, feature-gated debug capture of inbound (client)
// and outbound (AI) audio as two wall-clock-positioned WAV tracks.
// Grounded on the teacher's internal/audio/recorder's default_audio_recorder
// (chunk-at-a-timeline-offset, two-track WAV render): the user track is
// placed by wall clock, the system (AI) track is paced from its own cursor
// so back-to-back TTS bursts render as continuous audio instead of gapped
// chunks. Spec §9 calls this out as "feature-gated; must not allocate on
// the hot path when disabled" — callers hold a nil *Recorder in that case,
// and every method here is a nil-receiver no-op.
type Recorder struct {
	logger logging.Logger

	mu        sync.Mutex
	startTime time.Time
	started   bool
	chunks    []recChunk
	cursor    [2]int
	clock     func() time.Time
}

type recChunk struct {
	byteOffset int
	data       []byte
	track      int
}

const (
	trackInbound  = 0
	trackOutbound = 1

	bytesPerSample = 2 // Int16 PCM
	bitsPerSample  = 16
	pcmFormatTag   = 1
)

// NewRecorder builds a debug recorder at the pipeline's fixed sample rate.
// Start sets the shared timeline origin; frames captured before Start are
// still recorded, placed from the beginning of the timeline.
func NewRecorder(logger logging.Logger) *Recorder {
	return &Recorder{logger: logger, clock: time.Now}
}

// Start begins the recording session; both tracks share this start time.
func (r *Recorder) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTime = r.clock()
	r.started = true
}

func bytesPerSecond() int {
	return PipelineSampleRate * bytesPerSample
}

func durationBytes(d time.Duration) int {
	raw := int(d.Seconds() * float64(bytesPerSecond()))
	return (raw / bytesPerSample) * bytesPerSample
}

// CaptureInbound records one participant's mono 24kHz frame onto the
// inbound track. participantID is accepted for future per-speaker tracks
// but all client audio currently shares one inbound track, matching the
// teacher's two-track (user/system) layout rather than a per-speaker one.
func (r *Recorder) CaptureInbound(participantID string, mono24k []int16) {
	if r == nil {
		return
	}
	r.push(samplesToBytes(mono24k), trackInbound)
}

// CaptureOutbound records one synthesized 24kHz frame onto the AI track.
func (r *Recorder) CaptureOutbound(mono24k []int16) {
	if r == nil {
		return
	}
	r.push(samplesToBytes(mono24k), trackOutbound)
}

func samplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], uint16(s))
	}
	return b
}

func (r *Recorder) push(data []byte, track int) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wallOffset := 0
	if r.started {
		wallOffset = durationBytes(r.clock().Sub(r.startTime))
	}

	var offset int
	switch track {
	case trackInbound:
		// Client mic audio arrives at real time; wall clock is the timeline.
		offset = wallOffset
		if r.cursor[track] > offset {
			offset = r.cursor[track]
		}
	case trackOutbound:
		// Synthesized audio arrives in bursts faster than real time; pace
		// continuations from the cursor, anchor new segments at wall clock.
		if r.cursor[track] > wallOffset {
			offset = r.cursor[track]
		} else {
			offset = wallOffset
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks = append(r.chunks, recChunk{byteOffset: offset, data: buf, track: track})
	r.cursor[track] = offset + len(buf)
}

// Persist renders the inbound and outbound tracks as two WAV byte slices
// spanning the full session (silence fills any gap).
func (r *Recorder) Persist() (inboundWAV, outboundWAV []byte, ok bool) {
	if r == nil {
		return nil, nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.chunks) == 0 {
		return nil, nil, false
	}

	totalLen := 0
	if r.started {
		totalLen = durationBytes(r.clock().Sub(r.startTime))
	}
	for _, c := range r.chunks {
		if end := c.byteOffset + len(c.data); end > totalLen {
			totalLen = end
		}
	}

	inboundPCM := make([]byte, totalLen)
	outboundPCM := make([]byte, totalLen)
	for _, c := range r.chunks {
		dst := inboundPCM
		if c.track == trackOutbound {
			dst = outboundPCM
		}
		copy(dst[c.byteOffset:], c.data)
	}

	r.logger.Debugw("room: debug recorder persisted", "total_bytes", totalLen, "chunks", len(r.chunks))
	return wavFile(inboundPCM), wavFile(outboundPCM), true
}

func wavFile(pcm []byte) []byte {
	var buf bytes.Buffer
	bps := PipelineSampleRate * 1 * bytesPerSample

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmFormatTag))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(PipelineSampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(bps))
	binary.Write(&buf, binary.LittleEndian, uint16(bytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
