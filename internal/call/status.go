package call

import (
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/webrtcpeer"
)

type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Phase is the position in the caller or callee path.
type Phase string

const (
	PhaseIdle Phase = "idle"

	// Caller path.
	PhaseRecordCreated  Phase = "record_created"
	PhaseOfferPublished Phase = "offer_published"
	PhaseAwaitingAnswer Phase = "awaiting_answer"
	PhaseAnswerApplied  Phase = "answer_applied"

	// Callee path.
	PhaseRecordFetched   Phase = "record_fetched"
	PhaseAnswerPublished Phase = "answer_published"

	PhaseFailed Phase = "failed"
	PhaseClosed Phase = "closed"
)

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	return p == PhaseFailed || p == PhaseClosed
}

// Status is an immutable snapshot of a client for display.
type Status struct {
	Role         Role
	Phase        Phase
	CallID       string
	Connection   webrtcpeer.State
	Media        media.ControlState
	LocalTracks  int
	RemoteTracks int
	Negotiations int
	Err          error
}

func (s Status) String() string {
	out := fmt.Sprintf("role=%s phase=%s connection=%s", s.Role, s.Phase, s.Connection)
	if s.CallID != "" {
		out += " call=" + s.CallID
	}
	out += fmt.Sprintf(" tracks=%d/%d audio=%t video=%t", s.LocalTracks, s.RemoteTracks, s.Media.AudioEnabled, s.Media.VideoEnabled)
	if s.Err != nil {
		out += " err=" + s.Err.Error()
	}
	return out
}
