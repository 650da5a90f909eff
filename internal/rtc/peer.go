// Package rtc owns the direct media connection for one call attempt: pion
// peer connection lifecycle, local capture, and the event queue the call
// session consumes.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/peerline-io/peerline/internal/signal"
)

// DefaultICEServers is the fixed pair of public STUN endpoints used for
// connectivity discovery. No authenticated TURN relay is configured, so
// calls across restrictive NATs may fail to connect.
var DefaultICEServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

var (
	// ErrDescriptionDone guards the one-description-per-direction rule:
	// a call produces exactly one offer or one answer, never both.
	ErrDescriptionDone = errors.New("rtc: local description already created")
	// ErrNotAttached means offer/answer was requested before local tracks
	// were attached.
	ErrNotAttached = errors.New("rtc: local tracks not attached")
	// ErrClosed means the peer was already torn down.
	ErrClosed = errors.New("rtc: peer is closed")
)

// eventBuf sizes the event queue. Candidate discovery bursts stay well under
// this; drops are logged and only degrade connectivity, never correctness.
const eventBuf = 64

// Peer owns one direct media connection. It exclusively holds the local
// media and the underlying connection object for the duration of a call;
// Teardown releases both and is safe on every exit path.
type Peer struct {
	callID string

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	media     *Media
	senders   map[webrtc.RTPCodecType]localSender
	attached  bool
	described bool
	closed    bool

	events chan Event
}

// localSender pairs an outbound RTP sender with the captured track it
// carries, so the track can be detached for mute and restored later.
type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// New constructs the peer connection for one call attempt and registers the
// track-arrival, connectivity-state and candidate-discovery observers.
// media may be nil, in which case the connection is receive-only.
func New(callID string, callType signal.CallType, iceServers []string, media *Media) (*Peer, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}

	mediaEngine := &webrtc.MediaEngine{}
	if media != nil && media.selector != nil {
		media.selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call; the default 5 s disconnect is too twitchy.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		callID: callID,
		pc:     pc,
		media:  media,
		events: make(chan Event, eventBuf),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track arrived", callID, track.Kind())
		p.push(Event{Kind: EventTrack, TrackKind: track.Kind()})
		go drainTrack(callID, track)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("CALL [%s]: ICE connection state %s", callID, state)
		p.push(Event{Kind: EventConnState, State: state})
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		p.push(Event{Kind: EventCandidate, Candidate: &init})
	})

	return p, nil
}

// Events returns the queue of connection notifications. The channel is never
// closed; consumers stop reading once the session reaches its terminal state.
func (p *Peer) Events() <-chan Event { return p.events }

// AttachLocalTracks adds every captured local track to the connection. With
// no local media the connection gets receive-only transceivers instead, so
// the SDP still carries valid m-lines. Must run before offer/answer creation.
func (p *Peer) AttachLocalTracks() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.attached {
		return nil
	}

	tracks := p.media.Tracks()
	p.senders = make(map[webrtc.RTPCodecType]localSender, len(tracks))
	for _, track := range tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
		p.senders[track.Kind()] = localSender{sender: sender, track: track}
	}
	if len(tracks) == 0 {
		if err := p.addRecvOnlyTransceiversLocked(); err != nil {
			return err
		}
	}
	p.attached = true
	return nil
}

func (p *Peer) addRecvOnlyTransceiversLocked() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// CreateOffer produces the local session description for the outgoing side
// and applies it as the connection's local description.
func (p *Peer) CreateOffer(ctx context.Context) (signal.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.describableLocked(); err != nil {
		return signal.SessionDescription{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	p.described = true
	return signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer applies the caller's offer as the remote description and
// produces the answering description for the incoming side.
func (p *Peer) CreateAnswer(ctx context.Context, remoteOffer signal.SessionDescription) (signal.SessionDescription, error) {
	if err := p.applyRemote(remoteOffer); err != nil {
		return signal.SessionDescription{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.describableLocked(); err != nil {
		return signal.SessionDescription{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	p.described = true
	return signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *Peer) describableLocked() error {
	if p.closed {
		return ErrClosed
	}
	if !p.attached {
		return ErrNotAttached
	}
	if p.described {
		return ErrDescriptionDone
	}
	return nil
}

// SetRemoteDescription applies the counterpart's description. Duplicate
// signaling notifications are expected: once a remote description is set,
// further calls are no-ops.
func (p *Peer) SetRemoteDescription(desc signal.SessionDescription) error {
	return p.applyRemote(desc)
}

func (p *Peer) applyRemote(desc signal.SessionDescription) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.pc.RemoteDescription() != nil {
		return nil
	}
	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// SetTrackEnabled mutes or unmutes the outbound track of the given kind by
// detaching it from its sender. While detached the sender keeps its m-line
// but transmits nothing. A kind that was never captured is a no-op, so
// audio-only calls can still "toggle" video harmlessly.
func (p *Peer) SetTrackEnabled(kind webrtc.RTPCodecType, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	slot, ok := p.senders[kind]
	if !ok {
		return nil
	}
	if on {
		return slot.sender.ReplaceTrack(slot.track)
	}
	return slot.sender.ReplaceTrack(nil)
}

// HasRemoteDescription reports whether a remote description was applied.
func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc != nil && p.pc.RemoteDescription() != nil
}

// AddRemoteCandidate feeds a relayed network path into the connection.
// Malformed or inapplicable candidates are logged and dropped, never fatal.
func (p *Peer) AddRemoteCandidate(cand signal.IceCandidate) {
	if err := cand.Validate(); err != nil {
		log.Printf("CALL [%s]: dropping remote candidate: %v", p.callID, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		log.Printf("CALL [%s]: dropping remote candidate: %v", p.callID, err)
	}
}

// Teardown stops all local tracks, closes the connection, and clears the
// held references. Idempotent: every exit path — normal end, setup failure,
// permission denial, disposal — calls it, possibly more than once.
func (p *Peer) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	p.media.Close()
	p.media = nil
	p.senders = nil
	if err := p.pc.Close(); err != nil {
		log.Printf("CALL [%s]: closing peer connection: %v", p.callID, err)
	}
	p.pc = nil
}

// push enqueues an event, dropping on overflow. Connection callbacks can
// fire after Teardown; those late events are discarded.
func (p *Peer) push(ev Event) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		log.Printf("CALL [%s]: event queue full, dropping %s", p.callID, ev.Kind)
	}
}

// drainTrack keeps reading the remote track so the interceptor chain stays
// live. The agent does not render media; packets are discarded.
func drainTrack(callID string, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote %s track read ended: %v", callID, track.Kind(), err)
			}
			return
		}
	}
}
