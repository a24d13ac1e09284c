// Package ingress implements the priority ingress queue (C2) and audio
// router (C3) from spec §4.2/§4.3.
package ingress

// Priority orders frames for drain and eviction. Lower numeric value drains
// first; higher numeric value is evicted first on overflow.
type Priority int

const (
	PriorityClient       Priority = 1
	PriorityCoachUnmuted Priority = 2
	PriorityCoachMuted   Priority = 3
)

// Frame is a single captured audio frame awaiting routing (spec §3).
type Frame struct {
	Bytes         []byte
	ParticipantID string
	Name          string
	Priority      Priority
}
