package speechlink

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/errkind"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
)

// TranscriptionConfig carries connection parameters for the always-on
// transcription link (C5). URL is expected to already carry any
// provider-specific query parameters (see DeepgramConfig).
type TranscriptionConfig struct {
	URL        string
	APIKey     string
	AuthScheme string // header scheme, e.g. "Token" for Deepgram, "Bearer" otherwise
}

// ResponseParser turns one inbound text message into a transcript Event, or
// ok=false if the message carries no transcript (e.g. a metadata frame).
type ResponseParser func(data []byte) (ev Event, ok bool)

// TranscriptionLink is the duplex always-on STT connection (C5). Per spec
// §4.5 it has no TTS/LLM surface: outgoing is audio only, incoming is
// transcript events only.
type TranscriptionLink interface {
	Connect(ctx context.Context) error
	SendAudio(b []byte) error
	Events() <-chan Event
	Connected() bool
	Close() error
}

// WSTranscriptionLink is a gorilla/websocket-backed TranscriptionLink. The
// parser is injected so the same reconnect/event-plumbing serves any
// provider whose wire format differs (spec §9: provider framing is opaque
// and provider-specific).
type WSTranscriptionLink struct {
	cfg    TranscriptionConfig
	parse  ResponseParser
	logger logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	events chan Event
	done   chan struct{}
}

// NewWSTranscriptionLink builds a transcription link against cfg, decoding
// inbound frames with parse.
func NewWSTranscriptionLink(cfg TranscriptionConfig, parse ResponseParser, logger logging.Logger) *WSTranscriptionLink {
	return &WSTranscriptionLink{
		cfg:    cfg,
		parse:  parse,
		logger: logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

func (l *WSTranscriptionLink) Connect(ctx context.Context) error {
	if err := l.dial(ctx); err != nil {
		return fmt.Errorf("transcription link: initial connect: %w", err)
	}
	go l.supervise(ctx)
	return nil
}

func (l *WSTranscriptionLink) dial(ctx context.Context) error {
	headers := http.Header{}
	if l.cfg.APIKey != "" {
		scheme := l.cfg.AuthScheme
		if scheme == "" {
			scheme = "Bearer"
		}
		headers.Set("Authorization", scheme+" "+l.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.cfg.URL, headers)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", errkind.ErrTransientIO, err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.connected.Store(true)

	go l.readLoop(conn)
	return nil
}

// supervise keeps the transcription link connected for the lifetime of the
// session "independent of the pause flag" (spec §4.5); C5 failure never
// tears down the session (spec §4.6), so reconnect attempts never give up
// permanently — it degrades to logging and keeps retrying at the policy's
// maximum backoff.
func (l *WSTranscriptionLink) supervise(ctx context.Context) {
	policy := defaultReconnectPolicy()
	for {
		<-l.done
		if ctx.Err() != nil {
			return
		}
		l.connected.Store(false)

		l.mu.Lock()
		l.done = make(chan struct{})
		l.mu.Unlock()

		attempt := 0
		for {
			attempt++
			wait := policy.delay(attempt)
			if attempt > policy.maxAttempt {
				wait = policy.delay(policy.maxAttempt)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if err := l.dial(ctx); err != nil {
				l.logger.Warnw("transcription reconnect attempt failed", "attempt", attempt, "error", err)
				continue
			}
			l.logger.Infow("transcription link reconnected", "attempts", attempt)
			break
		}
	}
}

func (l *WSTranscriptionLink) readLoop(conn *websocket.Conn) {
	defer l.markDropped(conn)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warnw("transcription read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, ok := l.parse(data)
		if !ok {
			continue
		}
		l.emit(ev)
	}
}

func (l *WSTranscriptionLink) markDropped(conn *websocket.Conn) {
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

func (l *WSTranscriptionLink) SendAudio(b []byte) error {
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

func (l *WSTranscriptionLink) Events() <-chan Event { return l.events }
func (l *WSTranscriptionLink) Connected() bool      { return l.connected.Load() }

func (l *WSTranscriptionLink) Close() error {
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

func (l *WSTranscriptionLink) emit(e Event) {
	select {
	case l.events <- e:
	default:
		l.logger.Warnw("transcription event channel full, dropping event")
	}
}
