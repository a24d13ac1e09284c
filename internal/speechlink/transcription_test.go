package speechlink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
)

func genericTranscriptParser(data []byte) (Event, bool) {
	return parseDeepgramMessage(data)
}

func TestWSTranscriptionLink_ParsesFlatTranscriptShape(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	defer srv.Close()

	link := NewWSTranscriptionLink(TranscriptionConfig{URL: wsURL(srv)}, genericTranscriptParser, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, link.Connect(ctx))
	defer link.Close()

	serverConn := <-connCh
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","text":"hi there","is_final":false}`)))

	select {
	case ev := <-link.Events():
		assert.Equal(t, TranscriptDelta, ev.Kind)
		assert.Equal(t, "hi there", ev.Text)
		assert.False(t, ev.IsFinal)
	case <-time.After(time.Second):
		t.Fatal("did not receive transcript event")
	}
}

func TestWSTranscriptionLink_ParsesDeepgramNestedShape(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	defer srv.Close()

	cfg, parser := DeepgramConfig(DeepgramOptions{APIKey: "key", BaseURL: wsURL(srv)})
	link := NewWSTranscriptionLink(cfg, parser, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, link.Connect(ctx))
	defer link.Close()

	serverConn := <-connCh
	payload := `{"channel":{"alternatives":[{"transcript":"final text"}]},"is_final":true}`
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case ev := <-link.Events():
		assert.Equal(t, TranscriptDelta, ev.Kind)
		assert.Equal(t, "final text", ev.Text)
		assert.True(t, ev.IsFinal)
	case <-time.After(time.Second):
		t.Fatal("did not receive transcript event")
	}
}

func TestDeepgramURL_SetsExpectedQueryParams(t *testing.T) {
	raw := deepgramURL(DeepgramOptions{SampleRate: 24000, Interim: true})
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "nova-2", q.Get("model"))
	assert.Equal(t, "linear16", q.Get("encoding"))
	assert.Equal(t, "24000", q.Get("sample_rate"))
	assert.Equal(t, "true", q.Get("interim_results"))
}

func TestWSTranscriptionLink_SendAudioWritesBinaryFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	defer srv.Close()

	link := NewWSTranscriptionLink(TranscriptionConfig{URL: wsURL(srv)}, genericTranscriptParser, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, link.Connect(ctx))
	defer link.Close()

	serverConn := <-connCh
	require.NoError(t, link.SendAudio([]byte{1, 2, 3}))
	msgType, data, err := serverConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{1, 2, 3}, data)
}
