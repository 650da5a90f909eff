package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline-io/peerline/internal/rtc"
	"github.com/peerline-io/peerline/internal/session"
	"github.com/peerline-io/peerline/internal/signal"
)

// Phase is the local lifecycle of one call session.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseEnded      Phase = "ended"
)

// reasonRemote marks an end observed from the store rather than decided
// locally; finalize must not write a second end for it.
const reasonRemote = "remote-ended"

// DefaultEndDelay keeps the ended state visible before the session closes
// its update stream.
const DefaultEndDelay = 1500 * time.Millisecond

// Update is one snapshot of the session pushed to subscribers.
type Update struct {
	CallID   string          `json:"callId"`
	CallType signal.CallType `json:"callType"`
	Phase    Phase           `json:"phase"`
	Duration int             `json:"duration"`
	AudioOn  bool            `json:"audioOn"`
	VideoOn  bool            `json:"videoOn"`
	Reason   string          `json:"reason,omitempty"`
	Closed   bool            `json:"closed,omitempty"`
}

// Options configure a single session.
type Options struct {
	Self           session.UserSession
	RemoteID       string
	ConversationID string
	CallType       signal.CallType
	Incoming       bool
	IceServers     []string
	RingTimeout    time.Duration // outgoing only; 0 disables
	EndDelay       time.Duration
}

// Session drives one call from setup to teardown. Store traffic and
// signaling events are handled by its run loop; accessors and the mute
// toggles are safe from any goroutine.
type Session struct {
	opts    Options
	callID  string
	store   signal.Store
	newPeer PeerFactory

	mu       sync.Mutex
	peer     Peer
	phase    Phase
	duration int
	audioOn  bool
	videoOn  bool
	reason   string
	endedAt  time.Time

	hangup  chan struct{}
	updates chan Update
	done    chan struct{}
}

func newSession(store signal.Store, newPeer PeerFactory, opts Options) *Session {
	if opts.EndDelay <= 0 {
		opts.EndDelay = DefaultEndDelay
	}
	var callID string
	if opts.Incoming {
		callID = signal.CallID(opts.RemoteID, opts.Self.UID)
	} else {
		callID = signal.CallID(opts.Self.UID, opts.RemoteID)
	}
	return &Session{
		opts:    opts,
		callID:  callID,
		store:   store,
		newPeer: newPeer,
		phase:   PhaseConnecting,
		audioOn: true,
		videoOn: opts.CallType.WantsVideo(),
		hangup:  make(chan struct{}, 1),
		updates: make(chan Update, 64),
		done:    make(chan struct{}),
	}
}

// CallID returns the session's call document id.
func (s *Session) CallID() string { return s.callID }

// Incoming reports the call direction from the local user's point of view.
func (s *Session) Incoming() bool { return s.opts.Incoming }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Duration returns elapsed connected time in seconds.
func (s *Session) Duration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Reason returns the end reason, empty until the session ends.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done closes once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Updates streams session snapshots. Closed after the final closed update.
func (s *Session) Updates() <-chan Update { return s.updates }

// Hangup requests a local end. Safe to call more than once.
func (s *Session) Hangup() {
	select {
	case s.hangup <- struct{}{}:
	default:
	}
}

// ToggleAudio flips the local audio mute and returns the new on-state.
func (s *Session) ToggleAudio() bool {
	return s.toggleTrack(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the local video mute and returns the new on-state.
func (s *Session) ToggleVideo() bool {
	return s.toggleTrack(webrtc.RTPCodecTypeVideo)
}

// toggleTrack flips the mute state for one track kind and detaches or
// restores the outbound track to match, so a muted call stops transmitting.
func (s *Session) toggleTrack(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	var on bool
	if kind == webrtc.RTPCodecTypeAudio {
		s.audioOn = !s.audioOn
		on = s.audioOn
	} else {
		s.videoOn = !s.videoOn
		on = s.videoOn
	}
	peer := s.peer
	s.mu.Unlock()

	if peer != nil {
		if err := peer.SetTrackEnabled(kind, on); err != nil {
			log.Printf("CALL [%s]: %s toggle failed: %v", s.callID, kind, err)
		}
	}
	log.Printf("CALL [%s]: %s %s", s.callID, kind, onOff(on))
	s.emit()
	return on
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Summary builds the conversation-log entry for this call.
func (s *Session) Summary() signal.CallSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	caller, recipient := s.opts.Self.UID, s.opts.RemoteID
	if s.opts.Incoming {
		caller, recipient = s.opts.RemoteID, s.opts.Self.UID
	}
	endedAt := s.endedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	return signal.CallSummary{
		CallID:         s.callID,
		CallType:       s.opts.CallType,
		Caller:         caller,
		Recipient:      recipient,
		ConversationID: s.opts.ConversationID,
		StartedAt:      endedAt.Add(-time.Duration(s.duration) * time.Second),
		EndedAt:        endedAt,
		Duration:       s.duration,
	}
}

// run owns the whole session lifecycle and is the only goroutine that
// talks to the store.
func (s *Session) run(ctx context.Context) {
	reason := s.establishAndLoop(ctx)
	s.finalize(reason)
}

func (s *Session) establishAndLoop(ctx context.Context) string {
	peer, err := s.newPeer(s.callID, s.opts.CallType, s.opts.IceServers)
	if err != nil {
		if errors.Is(err, rtc.ErrMediaAccessDenied) {
			log.Printf("CALL [%s]: media access denied: %v", s.callID, err)
			return signal.ReasonMediaError
		}
		log.Printf("CALL [%s]: peer setup failed: %v", s.callID, err)
		return signal.ReasonSetupError
	}
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	s.emit()

	if !s.opts.Incoming {
		offer, err := peer.CreateOffer(ctx)
		if err != nil {
			log.Printf("CALL [%s]: offer failed: %v", s.callID, err)
			return signal.ReasonSetupError
		}
		rec := signal.CallRecord{
			CallID:         s.callID,
			CallType:       s.opts.CallType,
			Offer:          &offer,
			Caller:         s.opts.Self.UID,
			Recipient:      s.opts.RemoteID,
			Status:         signal.StatusRinging,
			ConversationID: s.opts.ConversationID,
			Timestamp:      time.Now(),
		}
		if err := s.store.CreateCall(ctx, rec); err != nil {
			log.Printf("CALL [%s]: create call failed: %v", s.callID, err)
			return signal.ReasonSetupError
		}
		notice := signal.InvitationNotice{
			Type:           "call",
			CallID:         s.callID,
			CallType:       s.opts.CallType,
			CallerID:       s.opts.Self.UID,
			CallerName:     s.opts.Self.Name(),
			CallerPhoto:    s.opts.Self.PhotoURL,
			Recipient:      s.opts.RemoteID,
			Status:         signal.StatusRinging,
			ConversationID: s.opts.ConversationID,
			Timestamp:      time.Now(),
		}
		if err := s.store.PutInvite(ctx, notice); err != nil {
			log.Printf("CALL [%s]: invite write failed: %v", s.callID, err)
		}
	} else {
		// Stop our own ring as soon as we start answering.
		if err := s.store.DeleteInvite(ctx, s.opts.Self.UID, s.callID); err != nil {
			log.Printf("CALL [%s]: invite cleanup failed: %v", s.callID, err)
		}
	}

	callCh, err := s.store.WatchCall(ctx, s.callID)
	if err != nil {
		log.Printf("CALL [%s]: call watch failed: %v", s.callID, err)
		return signal.ReasonSetupError
	}
	candCh, err := s.store.WatchCandidates(ctx, s.callID, s.opts.Self.UID)
	if err != nil {
		log.Printf("CALL [%s]: candidate watch failed: %v", s.callID, err)
		return signal.ReasonSetupError
	}

	var ringC <-chan time.Time
	if !s.opts.Incoming && s.opts.RingTimeout > 0 {
		ringTimer := time.NewTimer(s.opts.RingTimeout)
		defer ringTimer.Stop()
		ringC = ringTimer.C
	}

	var ticker *time.Ticker
	var tickC <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	answered := false
	applied := false

	// Both the first remote track and a successfully applied answer move the
	// call to connected and start the duration clock.
	connected := func() {
		if s.Phase() != PhaseConnecting {
			return
		}
		s.toConnected()
		ticker = time.NewTicker(time.Second)
		tickC = ticker.C
		ringC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return signal.ReasonCanceled

		case <-s.hangup:
			return signal.ReasonHangup

		case ev, ok := <-peer.Events():
			if !ok {
				return signal.ReasonConnLost
			}
			switch ev.Kind {
			case rtc.EventTrack:
				connected()
			case rtc.EventConnState:
				if rtc.Terminal(ev.State) {
					log.Printf("CALL [%s]: ice state %s", s.callID, ev.State)
					return signal.ReasonConnLost
				}
			case rtc.EventCandidate:
				cand := signal.IceCandidate{
					Candidate:     ev.Candidate.Candidate,
					SDPMid:        ev.Candidate.SDPMid,
					SDPMLineIndex: ev.Candidate.SDPMLineIndex,
					Sender:        s.opts.Self.UID,
					Timestamp:     time.Now(),
				}
				if err := s.store.AddCandidate(ctx, s.callID, cand); err != nil {
					log.Printf("CALL [%s]: candidate write failed: %v", s.callID, err)
				}
			}

		case rec, ok := <-callCh:
			if !ok {
				return signal.ReasonConnLost
			}
			if rec.Status == signal.StatusEnded {
				if rec.EndReason != "" {
					return rec.EndReason
				}
				return reasonRemote
			}
			if s.opts.Incoming && !answered && rec.Offer != nil && rec.Answer == nil {
				answered = true
				answer, err := peer.CreateAnswer(ctx, *rec.Offer)
				if err != nil {
					log.Printf("CALL [%s]: answer failed: %v", s.callID, err)
					return signal.ReasonSetupError
				}
				if err := s.store.SetAnswer(ctx, s.callID, answer); err != nil {
					if errors.Is(err, signal.ErrAlreadyAnswered) {
						log.Printf("CALL [%s]: call already answered elsewhere", s.callID)
						return signal.ReasonBusy
					}
					log.Printf("CALL [%s]: answer write failed: %v", s.callID, err)
					return signal.ReasonSetupError
				}
			}
			if !s.opts.Incoming && !applied && rec.Answer != nil {
				applied = true
				if err := peer.SetRemoteDescription(*rec.Answer); err != nil {
					log.Printf("CALL [%s]: apply answer failed: %v", s.callID, err)
					return signal.ReasonSetupError
				}
				// The callee picked up; the offer side counts from here
				// rather than waiting for the first media packet.
				connected()
			}

		case cand, ok := <-candCh:
			if !ok {
				return signal.ReasonConnLost
			}
			peer.AddRemoteCandidate(cand)

		case <-tickC:
			s.mu.Lock()
			s.duration++
			s.mu.Unlock()
			s.emit()

		case <-ringC:
			log.Printf("CALL [%s]: ring timeout", s.callID)
			return signal.ReasonUnanswered
		}
	}
}

func (s *Session) toConnected() {
	s.mu.Lock()
	s.phase = PhaseConnected
	s.mu.Unlock()
	log.Printf("CALL [%s]: connected", s.callID)
	s.emit()
}

// finalize runs on every exit path exactly once.
func (s *Session) finalize(reason string) {
	s.mu.Lock()
	s.phase = PhaseEnded
	s.reason = reason
	s.endedAt = time.Now()
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()
	log.Printf("CALL [%s]: ended (%s)", s.callID, reason)
	s.emit()

	// The parent context may already be canceled; teardown writes get
	// their own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if reason != reasonRemote {
		end := signal.CallEnd{
			By:       s.opts.Self.UID,
			Reason:   reason,
			Duration: s.Duration(),
			EndedAt:  time.Now(),
		}
		if err := s.store.EndCall(ctx, s.callID, end); err != nil && !errors.Is(err, signal.ErrCallNotFound) {
			log.Printf("CALL [%s]: end write failed: %v", s.callID, err)
		}
	}
	if err := s.store.AppendSummary(ctx, s.opts.ConversationID, s.Summary()); err != nil {
		log.Printf("CALL [%s]: summary write failed: %v", s.callID, err)
	}
	if !s.opts.Incoming {
		// Clear the invite so the recipient does not keep ringing on a
		// call that is already over.
		if err := s.store.DeleteInvite(ctx, s.opts.RemoteID, s.callID); err != nil {
			log.Printf("CALL [%s]: invite cleanup failed: %v", s.callID, err)
		}
	}
	if peer != nil {
		peer.Teardown()
	}

	time.Sleep(s.opts.EndDelay)
	s.emitClosed()
	close(s.done)
}

func (s *Session) snapshot() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Update{
		CallID:   s.callID,
		CallType: s.opts.CallType,
		Phase:    s.phase,
		Duration: s.duration,
		AudioOn:  s.audioOn,
		VideoOn:  s.videoOn,
		Reason:   s.reason,
	}
}

func (s *Session) emit() { s.send(s.snapshot()) }

func (s *Session) emitClosed() {
	u := s.snapshot()
	u.Closed = true
	s.send(u)
	close(s.updates)
}

func (s *Session) send(u Update) {
	select {
	case s.updates <- u:
	default:
		log.Printf("CALL [%s]: update dropped, subscriber too slow", s.callID)
	}
}
