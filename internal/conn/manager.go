// Package conn implements the dual-connection manager (C6): it owns the two
// speech-provider links, the mute set, the pause flag, and the AI response
// lifecycle state machine, and is the single place I1/I2 gating is applied.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/errkind"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/role"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/speechlink"
)

// Status is the composite health snapshot exposed to the supervisor.
type Status struct {
	VoiceAgentConnected    bool
	TranscriptionConnected bool
	Speaking               bool
	State                  State
}

type participantInfo struct {
	role role.Role
	name string
}

// Manager is the dual-connection manager (C6).
type Manager struct {
	voiceAgent    speechlink.VoiceAgentLink
	transcription speechlink.TranscriptionLink
	logger        logging.Logger

	muteMu sync.RWMutex
	muted  map[string]struct{}

	paused atomic.Bool

	participantsMu sync.RWMutex
	participants   map[string]participantInfo

	stateMu sync.Mutex
	state   State

	events chan Event
	done   chan struct{}
}

// NewManager constructs a Manager over the two already-built links.
// Initialize still needs to be called to open them.
func NewManager(voiceAgent speechlink.VoiceAgentLink, transcription speechlink.TranscriptionLink, logger logging.Logger) *Manager {
	return &Manager{
		voiceAgent:    voiceAgent,
		transcription: transcription,
		logger:        logger,
		muted:         make(map[string]struct{}),
		participants:  make(map[string]participantInfo),
		events:        make(chan Event, 128),
		done:          make(chan struct{}),
	}
}

// Initialize opens both links concurrently. It fails only if the Voice
// Agent link (C4) fails to open; a Transcription link (C5) failure is
// logged and degrades transcripts without failing the session (spec §4.6).
func (m *Manager) Initialize(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := m.voiceAgent.Connect(gCtx); err != nil {
			return fmt.Errorf("voice agent link: %w", err)
		}
		return nil
	})

	var transcriptionErr error
	g.Go(func() error {
		if err := m.transcription.Connect(gCtx); err != nil {
			transcriptionErr = err
			m.logger.Warnw("transcription link failed to open, transcripts will degrade", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if transcriptionErr != nil {
		m.logger.Errorw("continuing session without transcription link", "error", transcriptionErr)
	}

	go m.runEventLoop(ctx)
	return nil
}

// RegisterParticipant records a joined participant's role/name.
func (m *Manager) RegisterParticipant(id string, r role.Role, name string) {
	m.participantsMu.Lock()
	m.participants[id] = participantInfo{role: r, name: name}
	m.participantsMu.Unlock()
}

// UnregisterParticipant forgets a departed participant, including any mute
// entry for it.
func (m *Manager) UnregisterParticipant(id string) {
	m.participantsMu.Lock()
	delete(m.participants, id)
	m.participantsMu.Unlock()

	m.muteMu.Lock()
	delete(m.muted, id)
	m.muteMu.Unlock()
}

// RouteAudio applies I1/I2 and dispatches to the appropriate link(s). It
// implements ingress.Dispatcher so the audio router (C3) can drain directly
// into it.
func (m *Manager) RouteAudio(ctx context.Context, bytes []byte, participantID, name string) {
	if err := m.transcription.SendAudio(bytes); err != nil {
		m.logger.Warnw("transcription send_audio failed", "participant", participantID, "error", err)
	}

	if m.paused.Load() || m.IsMuted(participantID) {
		return
	}
	if err := m.voiceAgent.SendAudio(bytes); err != nil {
		m.logger.Warnw("voice agent send_audio failed", "participant", participantID, "error", err)
	}
}

// IsMuted reports whether id is currently muted from AI perception. It
// implements ingress.MuteLookup.
func (m *Manager) IsMuted(id string) bool {
	m.muteMu.RLock()
	defer m.muteMu.RUnlock()
	_, ok := m.muted[id]
	return ok
}

// MuteParticipant withholds id's audio from the voice-agent link (I1) while
// transcription keeps receiving it (I2).
func (m *Manager) MuteParticipant(id string) {
	m.muteMu.Lock()
	m.muted[id] = struct{}{}
	m.muteMu.Unlock()
	m.emit(Event{Kind: EventGate, ParticipantID: id, Muted: true})
}

// UnmuteParticipant reverses MuteParticipant.
func (m *Manager) UnmuteParticipant(id string) {
	m.muteMu.Lock()
	delete(m.muted, id)
	m.muteMu.Unlock()
	m.emit(Event{Kind: EventGate, ParticipantID: id, Muted: false})
}

// PauseAI sets the pause flag: audio destined for the conversational link
// is diverted to transcription only, and synthesized output is dropped.
func (m *Manager) PauseAI() {
	m.paused.Store(true)
	m.voiceAgent.SetPaused(true)
}

// ResumeAI clears the pause flag.
func (m *Manager) ResumeAI() {
	m.paused.Store(false)
	m.voiceAgent.SetPaused(false)
}

// Paused reports the current pause flag.
func (m *Manager) Paused() bool { return m.paused.Load() }

// SendCoachWhisper forwards text to C4 as a silent context injection.
func (m *Manager) SendCoachWhisper(text string) error {
	return m.voiceAgent.SendWhisper(text)
}

// Status reports a composite snapshot of both links plus the current
// speaking state.
func (m *Manager) Status() Status {
	m.stateMu.Lock()
	st := m.state
	m.stateMu.Unlock()
	return Status{
		VoiceAgentConnected:    m.voiceAgent.Connected(),
		TranscriptionConnected: m.transcription.Connected(),
		Speaking:               st == StateSpeaking,
		State:                  st,
	}
}

// Events exposes the upward event stream (ai_audio, transcript,
// agent_speaking, agent_done_speaking, barge_in, gate_event).
func (m *Manager) Events() <-chan Event { return m.events }

// NotifyBufferEmpty is called by the egress pump (C7) once the jitter
// buffer has fully drained after DRAINING was entered, completing the
// DRAINING -> IDLE transition.
func (m *Manager) NotifyBufferEmpty() {
	m.stateMu.Lock()
	if m.state == StateDraining {
		m.state = StateIdle
	}
	m.stateMu.Unlock()
}

// Close tears down both links.
func (m *Manager) Close() error {
	close(m.done)
	errA := m.voiceAgent.Close()
	errB := m.transcription.Close()
	if errA != nil {
		return errA
	}
	return errB
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.logger.Warnw("conn manager event channel full, dropping event")
	}
}

// runEventLoop is the single consumer of both links' event streams, driving
// the AI response lifecycle state machine (spec §4.6) and re-emitting
// upward events for C7/C8.
func (m *Manager) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case ev, ok := <-m.voiceAgent.Events():
			if !ok {
				return
			}
			m.handleVoiceAgentEvent(ev)
		case ev, ok := <-m.transcription.Events():
			if !ok {
				continue
			}
			m.handleTranscriptionEvent(ev)
		}
	}
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *Manager) handleVoiceAgentEvent(ev speechlink.Event) {
	switch ev.Kind {
	case speechlink.UserStartedSpeaking:
		m.setState(StateListening)
	case speechlink.UserStoppedSpeaking:
		m.setState(StateThinking)
	case speechlink.AgentAudioChunk:
		m.setState(StateSpeaking)
		m.emit(Event{Kind: EventAIAudio, Audio: ev.Audio})
	case speechlink.AgentStartedSpeaking:
		m.setState(StateSpeaking)
		m.emit(Event{Kind: EventAgentSpeaking})
	case speechlink.AgentFinishedSpeaking:
		m.setState(StateDraining)
		m.emit(Event{Kind: EventAgentDoneSpeaking})
	case speechlink.BargeIn:
		m.setState(StateIdle)
		m.emit(Event{Kind: EventBargeIn})
	case speechlink.TranscriptDelta:
		m.emit(Event{Kind: EventTranscript, Role: ev.Role, Content: ev.Text, IsFinal: ev.IsFinal})
	case speechlink.ErrorEvent:
		err := fmt.Errorf("%w: %s: %s", errkind.ErrProvider, ev.ErrKind, ev.ErrMsg)
		m.logger.Warnw("voice agent provider error", "error", err)
		m.setState(StateIdle)
	}
}

func (m *Manager) handleTranscriptionEvent(ev speechlink.Event) {
	switch ev.Kind {
	case speechlink.TranscriptDelta:
		m.emit(Event{Kind: EventTranscript, Role: role.Client, Content: ev.Text, IsFinal: ev.IsFinal})
	case speechlink.ErrorEvent:
		err := fmt.Errorf("%w: %s: %s", errkind.ErrProvider, ev.ErrKind, ev.ErrMsg)
		m.logger.Warnw("transcription provider error", "error", err)
	}
}
