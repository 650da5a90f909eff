package rtc

import "github.com/peerline-io/peerline/internal/signal"

// Setup runs the fixed establishment sequence for one call attempt: local
// media first (so that a permission denial aborts before any connection
// object exists), then the peer connection, then track attachment. The
// returned peer is ready for exactly one CreateOffer or CreateAnswer.
func Setup(callID string, callType signal.CallType, iceServers []string) (*Peer, error) {
	media, err := AcquireLocalMedia(callType.WantsVideo())
	if err != nil {
		return nil, err
	}
	p, err := New(callID, callType, iceServers, media)
	if err != nil {
		media.Close()
		return nil, err
	}
	if err := p.AttachLocalTracks(); err != nil {
		p.Teardown()
		return nil, err
	}
	return p, nil
}
