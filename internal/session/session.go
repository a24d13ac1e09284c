// Package session implements the session controller (C8): room membership
// tracking, role classification on join, the grace-period shutdown timer,
// the data-channel command decoder, and the at-least-once transcript/message
// persistence path. It is the central hub wiring the conferencing-SDK
// adapter (internal/room), the dual-connection manager (internal/conn), the
// ingress router (internal/ingress), the egress pump (internal/egress), and
// the store (internal/store) together, grounded on the teacher's session/
// room-event glue (the same shape the teacher's websocket_executor's caller
// uses to bridge room events into the agent lifecycle).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/conn"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/dsp"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/egress"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/errkind"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/ingress"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/role"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/room"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/segmenter"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/store"
)

// GracePeriod is spec §3/§8's 60s grace timer: the interval the agent stays
// live after the last human leaves, in anticipation of a rejoin.
const GracePeriod = 60 * time.Second

// captureYieldEvery is spec §5's per-participant capture suspension point:
// "every 20 incoming frames".
const captureYieldEvery = 20

// Controller is the session controller (C8).
type Controller struct {
	roomClient room.Client
	connMgr    *conn.Manager
	jitter     *egress.JitterBuffer
	router     *ingress.Router
	store      store.Store
	retryBuf   store.RetryBuffer
	logger     logging.Logger

	roomName string

	mu            sync.RWMutex
	participants  map[string]role.Role
	humanCount    int
	sessionID     string
	primaryUserID string
	sessionOpened bool

	graceMu     sync.Mutex
	graceTimer  *time.Timer
	gracePeriod time.Duration

	shutdownOnce sync.Once
	done         chan struct{}
	shutdownCtx  context.Context
	shutdownCncl context.CancelFunc

	segMu sync.Mutex
	seg   *segmenter.Segmenter // C9, optional secondary path: AI text deltas -> TTS-sized chunks
}

// New builds a Controller wiring every component it fans events between.
// store and retryBuf may be nil-safe implementations (e.g. store.Open
// failures are handled by the caller before constructing a Controller;
// passing a working Store is the caller's responsibility since a session
// with no store at all still has to run the audio path per spec §7).
func New(roomName string, roomClient room.Client, connMgr *conn.Manager, jitter *egress.JitterBuffer, router *ingress.Router, st store.Store, retryBuf store.RetryBuffer, logger logging.Logger) *Controller {
	shutdownCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		roomClient:   roomClient,
		connMgr:      connMgr,
		jitter:       jitter,
		router:       router,
		store:        st,
		retryBuf:     retryBuf,
		logger:       logger,
		roomName:     roomName,
		participants: make(map[string]role.Role),
		done:         make(chan struct{}),
		shutdownCtx:  shutdownCtx,
		shutdownCncl: cancel,
		gracePeriod:  GracePeriod,
	}
	router.SetRoleLookup(c)
	return c
}

// graceTimerOverride shortens the grace period for tests; production
// callers always run with the spec-mandated GracePeriod.
func (c *Controller) graceTimerOverride(d time.Duration) {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	c.gracePeriod = d
}

// RoleOf implements ingress.RoleLookup. Unknown participants (raced against
// join notification) default to client, matching spec §8's "unknown
// metadata role -> client" boundary behavior.
func (c *Controller) RoleOf(participantID string) role.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.participants[participantID]
	if !ok {
		return role.Client
	}
	return r
}

// Start wires the room callbacks and launches the background event loops.
// It does not itself call CreateSession: per the "first non-AI participant
// present at session creation" primary-user heuristic (spec §9 Open
// Questions), session creation is deferred to the first non-AI join so that
// join's identity can be recorded as primary_user_id (see DESIGN.md).
func (c *Controller) Start(ctx context.Context) {
	c.roomClient.OnParticipantJoined(func(identity, name string, metadata room.ParticipantMetadata) {
		c.handleJoined(ctx, identity, name, metadata)
	})
	c.roomClient.OnParticipantLeft(func(identity string) {
		c.handleLeft(identity)
	})
	c.roomClient.OnDataReceived(func(payload []byte, participantID string) {
		c.handleDataReceived(ctx, payload, participantID)
	})
	c.roomClient.OnAudioTrackSubscribed(func(participantID string, frames <-chan room.AudioFrame) {
		go c.runCapture(participantID, frames)
	})

	go c.runConnEvents(c.shutdownCtx)
	go func() {
		select {
		case <-ctx.Done():
			c.Shutdown(context.Background(), "parent context cancelled")
		case <-c.done:
		}
	}()
}

// Done is closed once Shutdown has fully run.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) handleJoined(ctx context.Context, identity, name string, metadata room.ParticipantMetadata) {
	r := role.Classify(identity, metadata)

	c.mu.Lock()
	c.participants[identity] = r
	if r != role.AI {
		c.humanCount++
	}
	opened := c.sessionOpened
	if !opened && r != role.AI {
		c.sessionOpened = true
		c.primaryUserID = identity
	}
	c.mu.Unlock()

	c.cancelGraceTimer()

	if !opened && r != role.AI {
		c.ensureSessionOpened(ctx, identity)
	}

	c.connMgr.RegisterParticipant(identity, r, name)
	c.logger.Infow("participant joined", "identity", identity, "role", string(r), "name", name)
}

func (c *Controller) ensureSessionOpened(ctx context.Context, primaryUserID string) {
	sessionID, err := c.store.CreateSession(ctx, store.CreateSessionInput{
		RoomID:        c.roomName,
		PrimaryUserID: primaryUserID,
	})
	if err != nil {
		// Spec §6: "on open-time failure, continue with session_id = none
		// and skip persistence" — never fatal to the audio path.
		c.logger.Warnw("session open failed, continuing without persistence", "room", c.roomName, "error", err)
		return
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Controller) handleLeft(identity string) {
	c.mu.Lock()
	r, ok := c.participants[identity]
	delete(c.participants, identity)
	if ok && r != role.AI {
		c.humanCount--
	}
	humanCount := c.humanCount
	c.mu.Unlock()

	c.connMgr.UnregisterParticipant(identity)
	c.logger.Infow("participant left", "identity", identity, "human_count", humanCount)

	if humanCount == 0 {
		c.startGraceTimer()
	}
}

func (c *Controller) startGraceTimer() {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.graceTimer = time.AfterFunc(c.gracePeriod, func() {
		c.logger.Infow("grace period elapsed, shutting down", "room", c.roomName)
		c.Shutdown(c.shutdownCtx, "grace_period_elapsed")
	})
}

func (c *Controller) cancelGraceTimer() {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// runCapture pumps one participant's audio frames into the router,
// yielding cooperatively every 20 frames (spec §5 suspension point).
func (c *Controller) runCapture(participantID string, frames <-chan room.AudioFrame) {
	name := participantID
	count := 0
	for frame := range frames {
		b := dsp.SamplesToBytes(frame.Data)
		c.router.Capture(b, participantID, name)
		count++
		if count%captureYieldEvery == 0 {
			runtime.Gosched()
		}
	}
}

// dataMessage is the generic envelope for spec §4.8's three recognized
// data-channel message types; unrecognized types or non-JSON payloads are
// silently ignored (errkind.ErrDataChannelMalformed, per spec §7).
type dataMessage struct {
	Type          string `json:"type"`
	Muted         bool   `json:"muted"`
	CoachIdentity string `json:"coachIdentity"`
	Text          string `json:"text"`
	Paused        bool   `json:"paused"`
}

func (c *Controller) handleDataReceived(ctx context.Context, payload []byte, participantID string) {
	var msg dataMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Debugw("data channel malformed payload, ignoring", "error", err)
		return
	}

	switch msg.Type {
	case "coach_mute":
		if msg.Muted {
			c.connMgr.MuteParticipant(msg.CoachIdentity)
		} else {
			c.connMgr.UnmuteParticipant(msg.CoachIdentity)
		}
	case "coach_whisper":
		if err := c.connMgr.SendCoachWhisper(msg.Text); err != nil {
			c.logger.Warnw("coach whisper failed", "error", err)
		}
	case "pause_ai":
		if msg.Paused {
			c.connMgr.PauseAI()
			c.jitter.SetPaused(true)
		} else {
			c.connMgr.ResumeAI()
			c.jitter.SetPaused(false)
		}
		c.broadcastPauseState(ctx, msg.Paused)
	default:
		c.logger.Debugw("unrecognized data channel message type, ignoring", "type", msg.Type)
	}
}

type pauseStateMsg struct {
	Type      string `json:"type"`
	Paused    bool   `json:"paused"`
	Timestamp string `json:"timestamp"`
}

func (c *Controller) broadcastPauseState(ctx context.Context, paused bool) {
	payload, err := json.Marshal(pauseStateMsg{Type: "ai_pause_state", Paused: paused, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return
	}
	if err := c.roomClient.PublishData(ctx, payload, true); err != nil {
		c.logger.Warnw("publish pause state failed", "error", err)
	}
}

type transcriptMsg struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ttsChunkMsg is the optional secondary-path broadcast (spec §4.9): an
// external TTS consumer may subscribe to these instead of (or alongside)
// the voice-agent provider's own synthesized audio.
type ttsChunkMsg struct {
	Type     string `json:"type"`
	Seq      int    `json:"seq"`
	Text     string `json:"text"`
	PrevText string `json:"prev_text,omitempty"`
	Position string `json:"position"`
}

// runConnEvents is the single consumer of the dual-connection manager's
// upward event stream (spec §4.6), fanning audio into the egress pump and
// transcripts into broadcast + persistence.
func (c *Controller) runConnEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.connMgr.Events():
			if !ok {
				return
			}
			c.handleConnEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleConnEvent(ctx context.Context, ev conn.Event) {
	switch ev.Kind {
	case conn.EventAIAudio:
		c.jitter.Append(ev.Audio)
	case conn.EventBargeIn:
		// I4: the jitter buffer is fully cleared before the next egress tick.
		c.jitter.Clear()
	case conn.EventAgentSpeaking:
		// I6: DC filter state resets at response boundaries.
		c.jitter.ResetFilterOnBoundary()
	case conn.EventAgentDoneSpeaking:
		c.jitter.ResetFilterOnBoundary()
	case conn.EventGate:
		c.logger.Debugw("gate event", "participant", ev.ParticipantID, "muted", ev.Muted)
	case conn.EventTranscript:
		c.handleTranscript(ctx, ev)
	}
}

func (c *Controller) handleTranscript(ctx context.Context, ev conn.Event) {
	at := time.Now().UTC()
	payload, err := json.Marshal(transcriptMsg{
		Type:      "transcript",
		Role:      string(ev.Role),
		Content:   ev.Content,
		Timestamp: at.Format(time.RFC3339Nano),
	})
	if err == nil {
		if err := c.roomClient.PublishData(ctx, payload, true); err != nil {
			c.logger.Warnw("publish transcript failed", "error", err)
		}
	}

	// C9's optional secondary path: the agent's own streaming text, chunked
	// for a downstream TTS consumer distinct from the voice-agent provider's
	// own synthesized audio. Client/coach transcript deltas never feed it.
	if ev.Role == role.AI {
		c.feedSegmenter(ctx, ev)
	}

	// P6: only final entries are persisted.
	if !ev.IsFinal {
		return
	}
	c.persist(ctx, ev, at)
}

// feedSegmenter drains the session's sentence segmenter on every AI text
// delta, broadcasting each resulting chunk, and resets it once the delta
// sequence reaches its final entry so the next response starts clean.
func (c *Controller) feedSegmenter(ctx context.Context, ev conn.Event) {
	c.mu.RLock()
	sessionID := c.sessionID
	c.mu.RUnlock()

	c.segMu.Lock()
	if c.seg == nil {
		c.seg = segmenter.New(sessionID)
	}
	chunks := c.seg.Feed(ev.Content)
	if ev.IsFinal {
		chunks = append(chunks, c.seg.Finalize()...)
		c.seg = nil
	}
	c.segMu.Unlock()

	for _, chunk := range chunks {
		c.broadcastTTSChunk(ctx, chunk)
	}
}

func (c *Controller) broadcastTTSChunk(ctx context.Context, chunk segmenter.SentenceChunk) {
	payload, err := json.Marshal(ttsChunkMsg{
		Type:     "tts_chunk",
		Seq:      chunk.Seq,
		Text:     chunk.Text,
		PrevText: chunk.PrevText,
		Position: string(chunk.Position),
	})
	if err != nil {
		return
	}
	if err := c.roomClient.PublishData(ctx, payload, true); err != nil {
		c.logger.Warnw("publish tts_chunk failed", "error", err)
	}
}

func (c *Controller) persist(ctx context.Context, ev conn.Event, at time.Time) {
	c.mu.RLock()
	sessionID := c.sessionID
	primaryUserID := c.primaryUserID
	c.mu.RUnlock()
	if sessionID == "" {
		return // no session opened successfully; persistence skipped per spec §6
	}

	in := store.StoreMessageInput{
		SessionID: sessionID,
		Content:   ev.Content,
		Sender:    senderFromRole(ev.Role),
		UserID:    primaryUserID,
		At:        at.UnixMilli(),
	}
	if err := c.store.StoreMessage(ctx, in); err != nil {
		err = fmt.Errorf("%w: %v", errkind.ErrPersistence, err)
		c.logger.Warnw("store_message failed, buffering for retry", "session_id", sessionID, "error", err)
		c.retryBuf.Append(ctx, in)
	}
}

func senderFromRole(r role.Role) store.Sender {
	switch r {
	case role.Coach:
		return store.SenderCoach
	case role.AI:
		return store.SenderAI
	default:
		return store.SenderClient
	}
}

// Shutdown performs the graceful-shutdown sequence (spec §7): flush buffered
// messages best-effort, complete the session, close both speech links and
// the room connection, then signal Done. Idempotent; duplicate calls
// coalesce via sync.Once.
func (c *Controller) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error
	c.shutdownOnce.Do(func() {
		c.logger.Infow("session shutting down", "room", c.roomName, "reason", reason)
		c.cancelGraceTimer()

		c.flushRetryBuffer(ctx)

		c.mu.RLock()
		sessionID := c.sessionID
		c.mu.RUnlock()
		if sessionID != "" {
			if err := c.store.CompleteSession(ctx, store.CompleteSessionInput{SessionID: sessionID, GenerateSummary: true}); err != nil {
				c.logger.Warnw("complete_session failed", "session_id", sessionID, "error", fmt.Errorf("%w: %v", errkind.ErrPersistence, err))
			}
		}

		if err := c.connMgr.Close(); err != nil {
			c.logger.Warnw("closing dual-connection manager", "error", err)
			shutdownErr = fmt.Errorf("closing connections: %w", err)
		}
		if err := c.roomClient.Close(); err != nil {
			c.logger.Warnw("closing room client", "error", err)
		}

		c.shutdownCncl()
		close(c.done)
	})
	return shutdownErr
}

func (c *Controller) flushRetryBuffer(ctx context.Context) {
	pending := c.retryBuf.Drain(ctx)
	for _, p := range pending {
		if err := c.store.StoreMessage(ctx, p.Input); err != nil {
			c.logger.Warnw("flushing buffered message failed, dropping", "session_id", p.Input.SessionID, "error", fmt.Errorf("%w: %v", errkind.ErrPersistence, err))
		}
	}
}
