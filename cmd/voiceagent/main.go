// Command voiceagent is the supervisor / entry point (C10): it loads
// configuration, wires every component built under internal/ into one running
// session, and blocks until the session controller's grace-period shutdown
// (or a SIGINT/SIGTERM) completes. Grounded on the teacher's sip-test client
// lifecycle shape (examples/sip-test/main.go): context.WithCancel plus a
// signal.Notify goroutine. A fatal config/startup error is logged and run
// returns exit code 1 (no log.Fatalf), so a graceful shutdown exits with 0.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/conn"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/config"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/egress"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/ingress"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/role"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/room"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/session"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/speechlink"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/store"
)

// Process exit codes, spec §6.
const (
	exitOK              = 0
	exitConfigOrStartup = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("configuration error: %v", err)
		return exitConfigOrStartup
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Verbose: cfg.Verbose, FilePath: cfg.LogFile})
	if err != nil {
		log.Printf("logger init error: %v", err)
		return exitConfigOrStartup
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Infow("shutdown signal received")
		cancel()
	}()

	ctrl, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Errorw("startup failed", "error", err)
		return exitConfigOrStartup
	}

	<-ctrl.Done()
	logger.Infow("session ended")
	return exitOK
}

// bootstrap wires every component named by the spec's component table (C1-C9)
// into one session.Controller and starts it. The controller itself owns the
// grace-period shutdown and exposes Done() for the caller to block on.
func bootstrap(ctx context.Context, cfg *config.Config, logger logging.Logger) (*session.Controller, error) {
	st, err := store.Open(cfg.PostgresDSN, cfg.SqlitePath, logger)
	if err != nil {
		return nil, err
	}
	if _, err := st.CleanupAbandonedSessions(ctx, cfg.RoomName); err != nil {
		logger.Warnw("cleanup of abandoned sessions failed", "error", err)
	}

	retryBuf, err := newRetryBuffer(cfg, logger)
	if err != nil {
		return nil, err
	}

	var recorder *room.Recorder
	if cfg.DebugAudioCapture {
		recorder = room.NewRecorder(logger)
		recorder.Start()
	}
	roomClient, err := room.NewPeerConnectionClient(room.Config{Recorder: recorder}, logger)
	if err != nil {
		return nil, err
	}

	voiceAgent := speechlink.NewWSVoiceAgentLink(speechlink.VoiceAgentConfig{
		Endpoint:       cfg.SpeechProviderEndpointA,
		APIKey:         cfg.SpeechProviderAPIKey,
		CoachingPrompt: cfg.CoachingPrompt,
		Greeting:       cfg.Greeting,
		VoiceModel:     cfg.VoiceModel,
		LLMModel:       cfg.LLMModel,
		SampleRate:     egress.SampleRate,
	}, logger)

	transcription := speechlink.NewWSTranscriptionLink(
		speechlink.TranscriptionConfig{URL: cfg.SpeechProviderEndpointB, APIKey: cfg.SpeechProviderAPIKey},
		speechlink.ParseProviderTranscript,
		logger,
	)

	connMgr := conn.NewManager(voiceAgent, transcription, logger)
	if err := connMgr.Initialize(ctx); err != nil {
		return nil, err
	}

	jitter := egress.New(roomClient, logger, connMgr.NotifyBufferEmpty)

	router := ingress.NewRouter(ingress.DefaultCapacity, staticRoleLookup{}, connMgr, connMgr, logger)

	ctrl := session.New(cfg.RoomName, roomClient, connMgr, jitter, router, st, retryBuf, logger)
	ctrl.Start(ctx)

	if err := roomClient.Connect(ctx); err != nil {
		return nil, err
	}

	go router.Run(ctx)
	go jitter.Run(ctx)

	return ctrl, nil
}

// staticRoleLookup is a throwaway RoleLookup used only for the brief window
// between ingress.NewRouter's construction and session.New's call to
// router.SetRoleLookup (session.Controller is the real RoleLookup once it
// exists, but it can't exist before the router it's bound into).
type staticRoleLookup struct{}

func (staticRoleLookup) RoleOf(string) role.Role { return role.Client }

// newRetryBuffer builds a Redis-backed retry buffer when RedisAddr is
// configured, falling back to the in-memory buffer otherwise (spec §6).
func newRetryBuffer(cfg *config.Config, logger logging.Logger) (store.RetryBuffer, error) {
	client, err := store.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return store.NewMemoryRetryBuffer(logger), nil
	}
	return store.NewRedisRetryBuffer(client, logger), nil
}
