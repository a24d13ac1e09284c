package ingress

import (
	"context"
	"runtime"
	"time"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/logging"
	"github.com/ultradaoto/hybrid-coach-sub004/internal/role"
)

// RoleLookup resolves a participant's classified role (spec §3; owned by
// the session controller, C8).
type RoleLookup interface {
	RoleOf(participantID string) role.Role
}

// MuteLookup reports whether a participant is currently muted from AI
// perception (owned by the dual-connection manager, C6).
type MuteLookup interface {
	IsMuted(participantID string) bool
}

// Dispatcher is the sink a drained frame is handed to. The dual-connection
// manager (C6) implements this, applying I1/I2 (pause/mute gating for the
// conversational link, unconditional forwarding to transcription).
type Dispatcher interface {
	RouteAudio(ctx context.Context, bytes []byte, participantID, name string)
}

// Router is the audio router (C3): it classifies inbound frames into a
// priority, enqueues them on the bounded ingress queue, and drains that
// queue cooperatively into the Dispatcher.
type Router struct {
	queue      *Queue
	roles      RoleLookup
	mutes      MuteLookup
	dispatcher Dispatcher
	logger     logging.Logger

	batchSize     int
	idleSleep     time.Duration
	normalSleep   time.Duration
	backlogHighWM int
}

// RouterOption customizes Router construction beyond the spec defaults.
type RouterOption func(*Router)

// NewRouter builds a Router over a bounded queue of the given capacity,
// wired to the role/mute lookups and the dispatcher it drains into.
func NewRouter(capacity int, roles RoleLookup, mutes MuteLookup, dispatcher Dispatcher, logger logging.Logger, opts ...RouterOption) *Router {
	r := &Router{
		queue:         NewQueue(capacity),
		roles:         roles,
		mutes:         mutes,
		dispatcher:    dispatcher,
		logger:        logger,
		batchSize:     DefaultBatchSize,
		idleSleep:     5 * time.Millisecond,
		normalSleep:   1 * time.Millisecond,
		backlogHighWM: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRoleLookup rebinds the router's role source. Used when the role source
// (the session controller) is itself constructed after the router, to break
// the otherwise-circular construction order.
func (r *Router) SetRoleLookup(roles RoleLookup) { r.roles = roles }

// Priority computes a frame's queue priority from role + current mute state
// (spec §4.3: 1 for client, 2 for unmuted coach, 3 for muted coach).
func (r *Router) Priority(participantID string) Priority {
	switch r.roles.RoleOf(participantID) {
	case role.Client:
		return PriorityClient
	case role.Coach:
		if r.mutes.IsMuted(participantID) {
			return PriorityCoachMuted
		}
		return PriorityCoachUnmuted
	default:
		// AI's own audio never enters the ingress path; treat defensively
		// as lowest priority rather than panicking on an unexpected role.
		return PriorityCoachMuted
	}
}

// Capture enqueues one inbound frame. Called from the per-participant
// capture loop (owned by the conferencing SDK adapter); that loop is
// responsible for yielding every 20 frames per spec §5.
func (r *Router) Capture(bytes []byte, participantID, name string) {
	r.queue.Enqueue(Frame{
		Bytes:         bytes,
		ParticipantID: participantID,
		Name:          name,
		Priority:      r.Priority(participantID),
	})
}

// Len exposes queue depth, e.g. for diagnostics.
func (r *Router) Len() int { return r.queue.Len() }

// Run drains the queue into the dispatcher until ctx is cancelled,
// cooperatively yielding per spec §4.3's detail floor: after a batch of 50,
// schedule the next drain immediately if backlog exceeds 100, otherwise
// sleep 1ms; sleep 5ms when the queue was empty.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := r.queue.Drain(r.batchSize)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.idleSleep):
			}
			continue
		}

		for _, f := range batch {
			r.dispatcher.RouteAudio(ctx, f.Bytes, f.ParticipantID, f.Name)
		}
		// Cooperative yield after every batch (spec §5).
		runtime.Gosched()

		if r.queue.Len() > r.backlogHighWM {
			continue // immediate next drain
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.normalSleep):
		}
	}
}
