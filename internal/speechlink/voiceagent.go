package speechlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/errkind"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/role"
)

// VoiceAgentConfig carries the settings replayed to the provider on open
// and on every reconnect (spec §4.4 "Outgoing traffic").
type VoiceAgentConfig struct {
	Endpoint       string
	APIKey         string
	CoachingPrompt string
	Greeting       string
	VoiceModel     string
	LLMModel       string
	SampleRate     int
}

type voiceAgentSettingsMsg struct {
	Type           string `json:"type"`
	CoachingPrompt string `json:"coaching_prompt"`
	Greeting       string `json:"greeting"`
	VoiceModel     string `json:"voice_model"`
	LLMModel       string `json:"llm_model"`
	SampleRate     int    `json:"sample_rate"`
	Paused         bool   `json:"paused"`
}

type whisperMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type keepAliveMsg struct {
	Type string `json:"type"`
}

// inboundEnvelope is the generic shape of a text (JSON) message from the
// voice agent provider; the concrete field set in play depends on Type.
type inboundEnvelope struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// VoiceAgentLink is the duplex conversational connection (C4).
type VoiceAgentLink interface {
	Connect(ctx context.Context) error
	SendAudio(b []byte) error
	SendWhisper(text string) error
	SetPaused(paused bool)
	Events() <-chan Event
	Connected() bool
	Close() error
}

// WSVoiceAgentLink is a gorilla/websocket-backed VoiceAgentLink, modeled on
// the teacher's websocketExecutor: a single owned *websocket.Conn guarded by
// a write mutex, a background read loop publishing parsed events, and a
// supervising goroutine that reconnects with backoff and replays settings.
type WSVoiceAgentLink struct {
	cfg    VoiceAgentConfig
	logger logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	paused    atomic.Bool

	events chan Event
	done   chan struct{}

	lastAudioAt atomic.Int64 // unix nano, for keep-alive gating
}

// NewWSVoiceAgentLink constructs an unconnected link; call Connect to dial.
func NewWSVoiceAgentLink(cfg VoiceAgentConfig, logger logging.Logger) *WSVoiceAgentLink {
	return &WSVoiceAgentLink{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Connect dials the provider, sends initial settings, and starts the
// background read loop plus the reconnect supervisor. It makes a single
// connection attempt and returns its error if it fails; the supervisor only
// reconnects after an established connection drops.
func (l *WSVoiceAgentLink) Connect(ctx context.Context) error {
	if err := l.dialAndConfigure(ctx); err != nil {
		return fmt.Errorf("voice agent link: initial connect: %w", err)
	}
	go l.supervise(ctx)
	return nil
}

func (l *WSVoiceAgentLink) dialAndConfigure(ctx context.Context) error {
	u, err := url.Parse(l.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: parse endpoint: %v", errkind.ErrConfiguration, err)
	}
	headers := http.Header{}
	if l.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", errkind.ErrTransientIO, err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.connected.Store(true)

	if err := l.sendSettings(); err != nil {
		return err
	}
	go l.readLoop(conn)
	go l.keepAliveLoop(conn)
	return nil
}

func (l *WSVoiceAgentLink) sendSettings() error {
	return l.writeJSON(voiceAgentSettingsMsg{
		Type:           "settings",
		CoachingPrompt: l.cfg.CoachingPrompt,
		Greeting:       l.cfg.Greeting,
		VoiceModel:     l.cfg.VoiceModel,
		LLMModel:       l.cfg.LLMModel,
		SampleRate:     l.cfg.SampleRate,
		Paused:         l.paused.Load(),
	})
}

// supervise watches for the read loop signaling a dropped connection (via
// the done channel being closed) and reconnects with backoff, replaying
// settings + pause state on success (spec §4.4 failure semantics).
func (l *WSVoiceAgentLink) supervise(ctx context.Context) {
	policy := defaultReconnectPolicy()
	for {
		<-l.done // closed by readLoop when the socket drops
		if ctx.Err() != nil {
			return
		}
		l.connected.Store(false)

		l.mu.Lock()
		l.done = make(chan struct{})
		l.mu.Unlock()

		start := time.Now()
		attempt := 0
		for {
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.delay(attempt)):
			}
			if err := l.dialAndConfigure(ctx); err != nil {
				l.logger.Warnw("voice agent reconnect attempt failed", "attempt", attempt, "error", err)
				if policy.exhausted(attempt, time.Since(start)) {
					l.logger.Errorw("voice agent reconnect exhausted", "attempts", attempt)
					l.emit(Event{Kind: ErrorEvent, ErrKind: "TransientIO", ErrMsg: "reconnect exhausted"})
					return
				}
				continue
			}
			l.logger.Infow("voice agent reconnected", "attempts", attempt)
			break
		}
	}
}

func (l *WSVoiceAgentLink) keepAliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			same := l.conn == conn
			l.mu.Unlock()
			if !same {
				return
			}
			if time.Since(time.Unix(0, l.lastAudioAt.Load())) < 3*time.Second {
				continue
			}
			if err := l.writeJSON(keepAliveMsg{Type: "keep_alive"}); err != nil {
				return
			}
		}
	}
}

func (l *WSVoiceAgentLink) readLoop(conn *websocket.Conn) {
	defer l.markDropped(conn)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warnw("voice agent read error", "error", err)
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			l.emit(Event{Kind: AgentAudioChunk, Audio: data})
		case websocket.TextMessage:
			l.handleInbound(data)
		}
	}
}

func (l *WSVoiceAgentLink) handleInbound(data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.logger.Warnw("voice agent malformed inbound message", "error", err)
		return
	}
	switch env.Type {
	case "user_started_speaking":
		l.emit(Event{Kind: UserStartedSpeaking})
	case "user_stopped_speaking":
		l.emit(Event{Kind: UserStoppedSpeaking})
	case "agent_started_speaking":
		l.emit(Event{Kind: AgentStartedSpeaking})
	case "agent_finished_speaking":
		l.emit(Event{Kind: AgentFinishedSpeaking})
	case "barge_in":
		l.emit(Event{Kind: BargeIn})
	case "transcript_delta":
		l.emit(Event{Kind: TranscriptDelta, Role: parseTranscriptRole(env.Role), Text: env.Text, IsFinal: env.IsFinal})
	case "error":
		l.emit(Event{Kind: ErrorEvent, ErrKind: env.Kind, ErrMsg: env.Message})
	default:
		l.logger.Debugw("voice agent unrecognized event type", "type", env.Type)
	}
}

// parseTranscriptRole maps the provider's role string onto the classified
// role enum, defaulting to AI: the voice-agent link's transcript stream is
// overwhelmingly the agent's own speech-to-text of its response, with
// occasional user-role echoes the provider may also report.
func parseTranscriptRole(s string) role.Role {
	switch s {
	case "client", "user":
		return role.Client
	case "coach":
		return role.Coach
	default:
		return role.AI
	}
}

func (l *WSVoiceAgentLink) markDropped(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.connected.Store(false)
		select {
		case <-l.done:
		default:
			close(l.done)
		}
	}
	l.mu.Unlock()
}

// SendAudio streams one raw PCM frame to the provider (spec §4.4 outgoing
// traffic). Callers on the audio path treat a send error as TransientIO and
// move on; the supervisor handles reconnection independently.
func (l *WSVoiceAgentLink) SendAudio(b []byte) error {
	l.lastAudioAt.Store(time.Now().UnixNano())
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errkind.ErrTransientIO
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("%w: write audio: %v", errkind.ErrTransientIO, err)
	}
	return nil
}

// SendWhisper injects silent context into the agent (spec §4.4, §4.6).
func (l *WSVoiceAgentLink) SendWhisper(text string) error {
	return l.writeJSON(whisperMsg{Type: "whisper", Text: text})
}

// SetPaused records the current pause state so a future reconnect replays it.
func (l *WSVoiceAgentLink) SetPaused(paused bool) { l.paused.Store(paused) }

// Events exposes the upward event stream.
func (l *WSVoiceAgentLink) Events() <-chan Event { return l.events }

// Connected reports the live socket state.
func (l *WSVoiceAgentLink) Connected() bool { return l.connected.Load() }

// Close tears down the connection; safe to call once the supervisor has
// already stopped retrying.
func (l *WSVoiceAgentLink) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.connected.Store(false)
	return conn.Close()
}

func (l *WSVoiceAgentLink) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errkind.ErrTransientIO
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write control message: %v", errkind.ErrTransientIO, err)
	}
	return nil
}

func (l *WSVoiceAgentLink) emit(e Event) {
	select {
	case l.events <- e:
	default:
		l.logger.Warnw("voice agent event channel full, dropping event", "kind", e.Kind.String())
	}
}
