package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/role"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/speechlink"
)

type fakeLink struct {
	mu        sync.Mutex
	sent      [][]byte
	whispers  []string
	connected bool
	paused    bool
	events    chan speechlink.Event
	connectErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan speechlink.Event, 32)}
}

func (f *fakeLink) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}
func (f *fakeLink) SendAudio(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return nil
}
func (f *fakeLink) SendWhisper(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whispers = append(f.whispers, text)
	return nil
}
func (f *fakeLink) SetPaused(p bool)             { f.paused = p }
func (f *fakeLink) Events() <-chan speechlink.Event { return f.events }
func (f *fakeLink) Connected() bool              { return f.connected }
func (f *fakeLink) Close() error                 { f.connected = false; return nil }

func (f *fakeLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestManager(t *testing.T) (*Manager, *fakeLink, *fakeLink) {
	t.Helper()
	va := newFakeLink()
	tr := newFakeLink()
	m := NewManager(va, tr, logging.Nop())
	require.NoError(t, m.Initialize(context.Background()))
	return m, va, tr
}

func TestManager_RouteAudio_AlwaysReachesTranscription(t *testing.T) {
	m, va, tr := newTestManager(t)
	m.RouteAudio(context.Background(), []byte{1}, "client-1", "Alice")
	assert.Equal(t, 1, tr.sentCount())
	assert.Equal(t, 1, va.sentCount())
}

func TestManager_RouteAudio_WithheldFromVoiceAgentWhenMuted_I1(t *testing.T) {
	m, va, tr := newTestManager(t)
	m.MuteParticipant("coach-a")
	m.RouteAudio(context.Background(), []byte{1}, "coach-a", "Coach A")
	assert.Equal(t, 1, tr.sentCount(), "I2: transcription must always receive the frame")
	assert.Equal(t, 0, va.sentCount(), "I1: muted participant's audio must not reach the voice agent")
}

func TestManager_RouteAudio_WithheldFromVoiceAgentWhenPaused_I1(t *testing.T) {
	m, va, tr := newTestManager(t)
	m.PauseAI()
	m.RouteAudio(context.Background(), []byte{1}, "client-1", "Alice")
	assert.Equal(t, 1, tr.sentCount())
	assert.Equal(t, 0, va.sentCount())
}

func TestManager_PauseResumePause_LeavesMuteSetUnchanged(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.MuteParticipant("coach-a")
	m.PauseAI()
	m.ResumeAI()
	m.PauseAI()
	assert.True(t, m.IsMuted("coach-a"))
}

func TestManager_MuteUnmute_EmitsGateEvents(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.MuteParticipant("coach-a")
	m.UnmuteParticipant("coach-a")

	ev1 := <-m.Events()
	ev2 := <-m.Events()
	assert.Equal(t, EventGate, ev1.Kind)
	assert.True(t, ev1.Muted)
	assert.Equal(t, EventGate, ev2.Kind)
	assert.False(t, ev2.Muted)
}

func TestManager_SendCoachWhisper_ForwardsToVoiceAgent(t *testing.T) {
	m, va, _ := newTestManager(t)
	require.NoError(t, m.SendCoachWhisper("Ask about sleep."))
	require.Len(t, va.whispers, 1)
	assert.Equal(t, "Ask about sleep.", va.whispers[0])
}

func TestManager_StateMachine_FollowsResponseLifecycle(t *testing.T) {
	m, va, _ := newTestManager(t)

	va.events <- speechlink.Event{Kind: speechlink.UserStartedSpeaking}
	require.Eventually(t, func() bool { return m.Status().State == StateListening }, time.Second, time.Millisecond)

	va.events <- speechlink.Event{Kind: speechlink.UserStoppedSpeaking}
	require.Eventually(t, func() bool { return m.Status().State == StateThinking }, time.Second, time.Millisecond)

	va.events <- speechlink.Event{Kind: speechlink.AgentAudioChunk, Audio: []byte{1, 2}}
	require.Eventually(t, func() bool { return m.Status().State == StateSpeaking }, time.Second, time.Millisecond)

	select {
	case ev := <-m.Events():
		require.Equal(t, EventAIAudio, ev.Kind)
		assert.Equal(t, []byte{1, 2}, ev.Audio)
	case <-time.After(time.Second):
		t.Fatal("did not receive ai_audio event")
	}

	va.events <- speechlink.Event{Kind: speechlink.AgentFinishedSpeaking}
	require.Eventually(t, func() bool { return m.Status().State == StateDraining }, time.Second, time.Millisecond)

	m.NotifyBufferEmpty()
	assert.Equal(t, StateIdle, m.Status().State)
}

func TestManager_BargeIn_ReturnsToIdleAndEmitsEvent(t *testing.T) {
	m, va, _ := newTestManager(t)
	va.events <- speechlink.Event{Kind: speechlink.AgentAudioChunk, Audio: []byte{1}}
	<-m.Events() // drain ai_audio
	require.Eventually(t, func() bool { return m.Status().State == StateSpeaking }, time.Second, time.Millisecond)

	va.events <- speechlink.Event{Kind: speechlink.BargeIn}
	select {
	case ev := <-m.Events():
		assert.Equal(t, EventBargeIn, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("did not receive barge_in event")
	}
	assert.Equal(t, StateIdle, m.Status().State)
}

func TestManager_TranscriptFromEitherLink_EmitsTranscriptEvent(t *testing.T) {
	m, va, tr := newTestManager(t)
	tr.events <- speechlink.Event{Kind: speechlink.TranscriptDelta, Text: "hello", IsFinal: true, Role: role.Client}

	select {
	case ev := <-m.Events():
		assert.Equal(t, EventTranscript, ev.Kind)
		assert.Equal(t, "hello", ev.Content)
		assert.True(t, ev.IsFinal)
		assert.Equal(t, role.Client, ev.Role)
	case <-time.After(time.Second):
		t.Fatal("did not receive transcript event")
	}

	va.events <- speechlink.Event{Kind: speechlink.TranscriptDelta, Text: "hi there", IsFinal: false, Role: role.AI}

	select {
	case ev := <-m.Events():
		assert.Equal(t, EventTranscript, ev.Kind)
		assert.Equal(t, "hi there", ev.Content)
		assert.False(t, ev.IsFinal)
		assert.Equal(t, role.AI, ev.Role)
	case <-time.After(time.Second):
		t.Fatal("did not receive voice agent transcript event")
	}
}

func TestManager_UnregisterParticipant_ClearsMuteEntry(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.MuteParticipant("coach-a")
	m.UnregisterParticipant("coach-a")
	assert.False(t, m.IsMuted("coach-a"))
}
