package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/conn"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/egress"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/ingress"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/role"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/room"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/speechlink"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/store"
)

// fakeSpeechLink satisfies both speechlink.VoiceAgentLink and
// speechlink.TranscriptionLink for tests that only exercise C8/C6 wiring.
type fakeSpeechLink struct {
	mu       sync.Mutex
	sent     [][]byte
	whispers []string
	paused   bool
	events   chan speechlink.Event
}

func newFakeSpeechLink() *fakeSpeechLink {
	return &fakeSpeechLink{events: make(chan speechlink.Event, 32)}
}

func (f *fakeSpeechLink) Connect(ctx context.Context) error { return nil }
func (f *fakeSpeechLink) SendAudio(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return nil
}
func (f *fakeSpeechLink) SendWhisper(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whispers = append(f.whispers, text)
	return nil
}
func (f *fakeSpeechLink) SetPaused(p bool)                 { f.paused = p }
func (f *fakeSpeechLink) Events() <-chan speechlink.Event  { return f.events }
func (f *fakeSpeechLink) Connected() bool                  { return true }
func (f *fakeSpeechLink) Close() error                     { return nil }

// fakeRoom satisfies room.Client with in-memory callback hooks and a
// recorded list of published payloads.
type fakeRoom struct {
	mu        sync.Mutex
	joined    func(identity, name string, metadata room.ParticipantMetadata)
	left      func(identity string)
	dataRecv  func(payload []byte, participantID string)
	trackSub  func(participantID string, frames <-chan room.AudioFrame)
	published [][]byte
}

func newFakeRoom() *fakeRoom { return &fakeRoom{} }

func (r *fakeRoom) OnParticipantJoined(cb func(identity, name string, metadata room.ParticipantMetadata)) {
	r.joined = cb
}
func (r *fakeRoom) OnParticipantLeft(cb func(identity string)) { r.left = cb }
func (r *fakeRoom) OnAudioTrackSubscribed(cb func(participantID string, frames <-chan room.AudioFrame)) {
	r.trackSub = cb
}
func (r *fakeRoom) OnDataReceived(cb func(payload []byte, participantID string)) { r.dataRecv = cb }

func (r *fakeRoom) PublishData(ctx context.Context, payload []byte, reliable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.published = append(r.published, cp)
	return nil
}
func (r *fakeRoom) Connect(ctx context.Context) error { return nil }
func (r *fakeRoom) Close() error                      { return nil }

func (r *fakeRoom) publishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func (r *fakeRoom) lastPublished() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.published) == 0 {
		return nil
	}
	return r.published[len(r.published)-1]
}

func (r *fakeRoom) allPublishedSince(idx int) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= len(r.published) {
		return nil
	}
	out := make([][]byte, len(r.published)-idx)
	copy(out, r.published[idx:])
	return out
}

// fakeStore satisfies store.Store in-memory.
type fakeStore struct {
	mu              sync.Mutex
	createErr       error
	storeErr        error
	sessions        int
	messages        []store.StoreMessageInput
	completed       []store.CompleteSessionInput
}

func (s *fakeStore) CreateSession(ctx context.Context, in store.CreateSessionInput) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return "sess-1", nil
}
func (s *fakeStore) StoreMessage(ctx context.Context, in store.StoreMessageInput) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, in)
	return nil
}
func (s *fakeStore) CompleteSession(ctx context.Context, in store.CompleteSessionInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, in)
	return nil
}
func (s *fakeStore) CleanupAbandonedSessions(ctx context.Context, roomID string) (int64, error) {
	return 0, nil
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func newTestController(t *testing.T, st store.Store) (*Controller, *fakeRoom, *conn.Manager, *fakeSpeechLink, *fakeSpeechLink, *egress.JitterBuffer) {
	t.Helper()
	va := newFakeSpeechLink()
	tr := newFakeSpeechLink()
	logger := logging.Nop()
	cm := conn.NewManager(va, tr, logger)
	require.NoError(t, cm.Initialize(context.Background()))

	rm := newFakeRoom()
	jb := egress.New(noopTrack{}, logger, nil)
	retryBuf := store.NewMemoryRetryBuffer(logger)

	router := ingress.NewRouter(ingress.DefaultCapacity, nil, cm, cm, logger)

	ctrl := New("test-room", rm, cm, jb, router, st, retryBuf, logger)
	ctrl.Start(context.Background())
	return ctrl, rm, cm, va, tr, jb
}

type noopTrack struct{}

func (noopTrack) WriteFrame(ctx context.Context, samples []int16) error { return nil }

func TestController_Join_ClassifiesRoleAndOpensSessionForFirstHuman(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, _, _, _ := newTestController(t, st)

	rm.joined("client-1", "Alice", nil)
	require.Eventually(t, func() bool { return ctrl.RoleOf("client-1") == role.Client }, time.Second, time.Millisecond)

	assert.Equal(t, 1, st.sessions)
}

func TestController_CoachJoinWithMetadataOverride(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, _, _, _ := newTestController(t, st)

	rm.joined("coach-a", "Coach A", room.ParticipantMetadata(`{"role":"coach"}`))
	assert.Equal(t, role.Coach, ctrl.RoleOf("coach-a"))
}

func TestController_MuteThenWhisper_Scenario1(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, va, tr, _ := newTestController(t, st)

	rm.joined("client-1", "Alice", nil)
	rm.joined("coach-a", "Coach A", room.ParticipantMetadata(`{"role":"coach"}`))

	muteMsg, _ := json.Marshal(map[string]interface{}{"type": "coach_mute", "muted": true, "coachIdentity": "coach-a"})
	rm.dataRecv(muteMsg, "coach-a")

	// Audio from the muted coach reaches transcription only (I1/I2).
	ctrl.connMgr.RouteAudio(context.Background(), []byte{1, 2}, "coach-a", "Coach A")

	whisperMsg, _ := json.Marshal(map[string]interface{}{"type": "coach_whisper", "text": "Ask about sleep."})
	rm.dataRecv(whisperMsg, "coach-a")

	require.Eventually(t, func() bool { return len(va.whispers) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "Ask about sleep.", va.whispers[0])
	assert.Empty(t, va.sent, "neither the muted coach's audio nor the whisper may send audio to the voice agent")
	assert.Len(t, tr.sent, 1, "transcription still receives the muted coach's audio")
}

func TestController_PauseAI_ClearsJitterBufferAndBroadcasts(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, _, _, jb := newTestController(t, st)
	_ = ctrl

	pauseMsg, _ := json.Marshal(map[string]interface{}{"type": "pause_ai", "paused": true})
	before := time.Now()
	rm.dataRecv(pauseMsg, "coach-a")

	require.Eventually(t, func() bool { return rm.publishedCount() > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, jb.Len())

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(rm.lastPublished(), &msg))
	assert.Equal(t, "ai_pause_state", msg["type"])
	assert.Equal(t, true, msg["paused"])
	ts, err := time.Parse(time.RFC3339Nano, msg["timestamp"].(string))
	require.NoError(t, err)
	assert.True(t, ts.After(before) || ts.Equal(before))
}

func TestController_FinalTranscript_PersistsAndBroadcasts(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, _, _, _ := newTestController(t, st)

	rm.joined("client-1", "Alice", nil)
	require.Eventually(t, func() bool { return st.sessions == 1 }, time.Second, time.Millisecond)

	// Simulate C6 emitting a final transcript directly via the internal event path.
	ctrl.handleConnEvent(context.Background(), conn.Event{Kind: conn.EventTranscript, Role: role.Client, Content: "hello", IsFinal: true})

	require.Eventually(t, func() bool { return st.messageCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "hello", st.messages[0].Content)
	assert.Equal(t, store.SenderClient, st.messages[0].Sender)
	assert.Equal(t, 1, rm.publishedCount())
}

func TestController_NonFinalTranscript_NotPersisted_P6(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, _, _, _ := newTestController(t, st)
	rm.joined("client-1", "Alice", nil)
	require.Eventually(t, func() bool { return st.sessions == 1 }, time.Second, time.Millisecond)

	ctrl.handleConnEvent(context.Background(), conn.Event{Kind: conn.EventTranscript, Role: role.Client, Content: "partial", IsFinal: false})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, st.messageCount())
	assert.Equal(t, 1, rm.publishedCount(), "interim transcripts are still broadcast")
}

func TestController_StoreMessageFailure_Buffers(t *testing.T) {
	st := &fakeStore{storeErr: assertErr{}}
	ctrl, rm, _, _, _, _ := newTestController(t, st)
	rm.joined("client-1", "Alice", nil)
	require.Eventually(t, func() bool { return st.sessions == 1 }, time.Second, time.Millisecond)

	ctrl.handleConnEvent(context.Background(), conn.Event{Kind: conn.EventTranscript, Role: role.Client, Content: "hello", IsFinal: true})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, st.messageCount())

	pending := ctrl.retryBuf.Drain(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "hello", pending[0].Input.Content)
}

type assertErr struct{}

func (assertErr) Error() string { return "store unavailable" }

func TestController_LeaveThenGraceTimerElapses_Shutdown(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, _, _, _ := newTestController(t, st)
	ctrl.graceTimerOverride(30 * time.Millisecond)

	rm.joined("client-1", "Alice", nil)
	require.Eventually(t, func() bool { return st.sessions == 1 }, time.Second, time.Millisecond)

	rm.left("client-1")

	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not shut down after grace period")
	}
	assert.Len(t, st.completed, 1)
	assert.True(t, st.completed[0].GenerateSummary)
}

func TestController_AIDelta_FeedsSegmenterAndBroadcastsChunks(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, _, _, _ := newTestController(t, st)
	rm.joined("client-1", "Alice", nil)
	require.Eventually(t, func() bool { return st.sessions == 1 }, time.Second, time.Millisecond)

	baseline := rm.publishedCount()
	long := "This is a long enough sentence to clear the minimum chunk length. Second sentence follows it."
	ctrl.handleConnEvent(context.Background(), conn.Event{Kind: conn.EventTranscript, Role: role.AI, Content: long, IsFinal: true})

	require.Eventually(t, func() bool { return rm.publishedCount() > baseline+1 }, time.Second, time.Millisecond)

	var sawChunk bool
	for _, raw := range rm.allPublishedSince(baseline) {
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg["type"] == "tts_chunk" {
			sawChunk = true
			assert.NotEmpty(t, msg["text"])
		}
	}
	assert.True(t, sawChunk, "expected at least one tts_chunk broadcast for a long final AI delta")

	// The segmenter broadcast (C9) runs alongside, not instead of, the
	// ordinary final-transcript persistence path (P6).
	require.Eventually(t, func() bool { return st.messageCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, store.SenderAI, st.messages[0].Sender)
}

func TestController_RejoinBeforeGraceExpiry_CancelsTimer(t *testing.T) {
	st := &fakeStore{}
	ctrl, rm, _, _, _, _ := newTestController(t, st)
	ctrl.graceTimerOverride(200 * time.Millisecond)

	rm.joined("client-1", "Alice", nil)
	require.Eventually(t, func() bool { return st.sessions == 1 }, time.Second, time.Millisecond)
	rm.left("client-1")
	rm.joined("client-1", "Alice", nil)

	select {
	case <-ctrl.Done():
		t.Fatal("controller shut down despite rejoin before grace expiry")
	case <-time.After(300 * time.Millisecond):
	}
}
