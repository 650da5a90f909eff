// Package call runs the lifecycle of peer-to-peer calls: one session per
// call attempt, driven by connection events on one side and signaling-store
// updates on the other. Coupling to the connection layer is via the Peer
// interface only, so the session's transitions are testable without real
// media.
package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/peerline-io/peerline/internal/rtc"
	"github.com/peerline-io/peerline/internal/signal"
)

// Peer is the surface a session needs from the direct-connection layer.
// Exactly one of CreateOffer/CreateAnswer runs per call, determined by call
// direction. Teardown must be idempotent; the session invokes it on every
// exit path. The concrete implementation is rtc.Peer.
type Peer interface {
	Events() <-chan rtc.Event
	CreateOffer(ctx context.Context) (signal.SessionDescription, error)
	CreateAnswer(ctx context.Context, remoteOffer signal.SessionDescription) (signal.SessionDescription, error)
	SetRemoteDescription(desc signal.SessionDescription) error
	SetTrackEnabled(kind webrtc.RTPCodecType, on bool) error
	AddRemoteCandidate(cand signal.IceCandidate)
	Teardown()
}

// PeerFactory builds the connection for one call attempt: media capture,
// connection construction, track attachment. A media permission failure
// surfaces as rtc.ErrMediaAccessDenied before any connection object exists.
type PeerFactory func(callID string, callType signal.CallType, iceServers []string) (Peer, error)

// DefaultPeerFactory wires the real pion-backed connection layer.
func DefaultPeerFactory(callID string, callType signal.CallType, iceServers []string) (Peer, error) {
	return rtc.Setup(callID, callType, iceServers)
}
