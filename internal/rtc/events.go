package rtc

import "github.com/pion/webrtc/v4"

// EventKind discriminates peer connection events.
type EventKind string

const (
	// EventTrack fires when the first packet of a remote track arrives.
	EventTrack EventKind = "track"
	// EventConnState fires on every ICE connectivity state change.
	EventConnState EventKind = "conn-state"
	// EventCandidate fires for each locally discovered network path.
	EventCandidate EventKind = "candidate"
)

// Event is one notification from the underlying connection. The connection's
// callback-style observers are translated into this queue so the call session
// can consume them from a single loop, and so the session's transitions can
// be driven by a fake peer in tests.
type Event struct {
	Kind      EventKind
	TrackKind webrtc.RTPCodecType       // EventTrack
	State     webrtc.ICEConnectionState // EventConnState
	Candidate *webrtc.ICECandidateInit  // EventCandidate
}

// Terminal reports whether a connectivity state ends the call: once the
// connection is disconnected, failed or closed, the session tears down the
// same way an explicit hang-up would.
func Terminal(state webrtc.ICEConnectionState) bool {
	switch state {
	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		return true
	}
	return false
}
