package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline-io/peerline/internal/rtc"
	"github.com/peerline-io/peerline/internal/session"
	"github.com/peerline-io/peerline/internal/signal"
)

// fakePeer drives the session's event loop without any real media or
// network. Tests push events through connect/lose/discover.
type fakePeer struct {
	mu         sync.Mutex
	events     chan rtc.Event
	offered    bool
	answered   bool
	remote     *signal.SessionDescription
	candidates []signal.IceCandidate
	enabled    map[webrtc.RTPCodecType]bool
	teardowns  int
}

func newFakePeer() *fakePeer {
	return &fakePeer{events: make(chan rtc.Event, 16)}
}

func (p *fakePeer) Events() <-chan rtc.Event { return p.events }

func (p *fakePeer) CreateOffer(ctx context.Context) (signal.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offered || p.answered {
		return signal.SessionDescription{}, errors.New("fake: already described")
	}
	p.offered = true
	return signal.SessionDescription{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context, remoteOffer signal.SessionDescription) (signal.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offered || p.answered {
		return signal.SessionDescription{}, errors.New("fake: already described")
	}
	p.answered = true
	r := remoteOffer
	p.remote = &r
	return signal.SessionDescription{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(desc signal.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote != nil {
		return nil // repeated applies are ignored
	}
	d := desc
	p.remote = &d
	return nil
}

func (p *fakePeer) SetTrackEnabled(kind webrtc.RTPCodecType, on bool) error {
	p.mu.Lock()
	if p.enabled == nil {
		p.enabled = make(map[webrtc.RTPCodecType]bool)
	}
	p.enabled[kind] = on
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) trackEnabled(kind webrtc.RTPCodecType) (on, seen bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	on, seen = p.enabled[kind]
	return on, seen
}

func (p *fakePeer) AddRemoteCandidate(cand signal.IceCandidate) {
	p.mu.Lock()
	p.candidates = append(p.candidates, cand)
	p.mu.Unlock()
}

func (p *fakePeer) Teardown() {
	p.mu.Lock()
	p.teardowns++
	p.mu.Unlock()
}

func (p *fakePeer) connect() {
	p.events <- rtc.Event{Kind: rtc.EventTrack, TrackKind: webrtc.RTPCodecTypeAudio}
}

func (p *fakePeer) lose() {
	p.events <- rtc.Event{Kind: rtc.EventConnState, State: webrtc.ICEConnectionStateFailed}
}

func (p *fakePeer) discover(candidate string) {
	p.events <- rtc.Event{Kind: rtc.EventCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: candidate}}
}

func (p *fakePeer) remoteDesc() *signal.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) remoteCandidates() []signal.IceCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]signal.IceCandidate, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *fakePeer) teardownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardowns
}

// fakeFactory hands out fake peers and remembers the last one per call.
type fakeFactory struct {
	mu   sync.Mutex
	last *fakePeer
	err  error
}

func (f *fakeFactory) make(callID string, callType signal.CallType, iceServers []string) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.last = newFakePeer()
	return f.last, nil
}

func (f *fakeFactory) peer() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func user(uid string) session.UserSession {
	return session.UserSession{UID: uid, DisplayName: uid}
}

func testManager(t *testing.T, store signal.Store, uid string, factory *fakeFactory) *Manager {
	t.Helper()
	m, err := NewManager(store, ManagerOptions{
		Self:        user(uid),
		EndDelay:    5 * time.Millisecond,
		PeerFactory: factory.make,
	})
	if err != nil {
		t.Fatalf("manager for %s: %v", uid, err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
	}
}

func inviteFor(store signal.Store, t *testing.T, recipient string) *signal.InvitationNotice {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := store.WatchRingingInvite(ctx, recipient)
	if err != nil {
		t.Fatalf("watch invites: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case inv := <-ch:
			if inv != nil {
				return inv
			}
		case <-deadline:
			t.Fatal("no invitation arrived")
		}
	}
}

func TestCallHandshake(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceFactory := &fakeFactory{}
	bobFactory := &fakeFactory{}
	alice := testManager(t, store, "alice", aliceFactory)
	bob := testManager(t, store, "bob", bobFactory)

	aliceSess, err := alice.StartCall(ctx, "bob", "conv-1", signal.CallVideo)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if aliceSess.CallID() != "alice_bob" {
		t.Fatalf("call id = %s, want alice_bob", aliceSess.CallID())
	}

	inv := inviteFor(store, t, "bob")
	if inv.CallerID != "alice" || inv.CallType != signal.CallVideo {
		t.Fatalf("invitation = %+v", inv)
	}

	bobSess, err := bob.AcceptInvite(ctx, inv)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Bob answers the offer and alice applies the answer.
	waitFor(t, "bob to answer", func() bool {
		p := bobFactory.peer()
		return p != nil && p.remoteDesc() != nil
	})
	waitFor(t, "alice to apply the answer", func() bool {
		p := aliceFactory.peer()
		return p != nil && p.remoteDesc() != nil
	})
	if got := aliceFactory.peer().remoteDesc().Type; got != "answer" {
		t.Fatalf("alice remote description = %s, want answer", got)
	}
	if got := bobFactory.peer().remoteDesc().Type; got != "offer" {
		t.Fatalf("bob remote description = %s, want offer", got)
	}

	// Accepting removed bob's ring.
	waitFor(t, "invitation cleanup", func() bool {
		return !store.HasInvite("bob", "alice_bob")
	})

	// Candidates cross over, tagged with their sender, never echoed back.
	aliceFactory.peer().discover("candidate:a1")
	bobFactory.peer().discover("candidate:b1")
	waitFor(t, "bob to get alice's candidate", func() bool {
		c := bobFactory.peer().remoteCandidates()
		return len(c) == 1 && c[0].Candidate == "candidate:a1" && c[0].Sender == "alice"
	})
	waitFor(t, "alice to get bob's candidate", func() bool {
		c := aliceFactory.peer().remoteCandidates()
		return len(c) == 1 && c[0].Candidate == "candidate:b1" && c[0].Sender == "bob"
	})

	// First remote track flips both sessions to connected.
	aliceFactory.peer().connect()
	bobFactory.peer().connect()
	waitFor(t, "sessions connected", func() bool {
		return aliceSess.Phase() == PhaseConnected && bobSess.Phase() == PhaseConnected
	})

	// Bob hangs up; alice observes the remote end.
	bobSess.Hangup()
	waitDone(t, bobSess)
	waitDone(t, aliceSess)

	if bobSess.Reason() != signal.ReasonHangup {
		t.Fatalf("bob reason = %s, want hangup", bobSess.Reason())
	}
	if aliceSess.Reason() != signal.ReasonHangup {
		t.Fatalf("alice reason = %s, want hangup", aliceSess.Reason())
	}
	rec, err := store.GetCall(ctx, "alice_bob")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.Status != signal.StatusEnded || rec.EndedBy != "bob" {
		t.Fatalf("record = status %s endedBy %s", rec.Status, rec.EndedBy)
	}

	if aliceFactory.peer().teardownCount() != 1 || bobFactory.peer().teardownCount() != 1 {
		t.Fatal("teardown must run exactly once per session")
	}
	if len(store.Summaries("conv-1")) != 2 {
		t.Fatalf("summaries = %d, want one per side", len(store.Summaries("conv-1")))
	}
}

func TestSessionDurationTicksWhileConnected(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr := testManager(t, store, "alice", factory)

	sess, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallAudio)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "peer creation", func() bool { return factory.peer() != nil })

	if sess.Duration() != 0 {
		t.Fatalf("duration before connect = %d", sess.Duration())
	}
	factory.peer().connect()
	waitFor(t, "connected", func() bool { return sess.Phase() == PhaseConnected })

	// The counter runs on one-second ticks from the moment of connection.
	waitFor(t, "first tick", func() bool { return sess.Duration() >= 1 })

	sess.Hangup()
	waitDone(t, sess)
	rec, err := store.GetCall(ctx, sess.CallID())
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.Duration < 1 {
		t.Fatalf("recorded duration = %d, want >= 1", rec.Duration)
	}
}

func TestOfferSideConnectsOnAnswer(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr := testManager(t, store, "alice", factory)

	sess, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallAudio)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "record creation", func() bool {
		_, err := store.GetCall(ctx, sess.CallID())
		return err == nil
	})

	// The callee picks up: the answer lands in the store, no media yet.
	answer := signal.SessionDescription{Type: "answer", SDP: "v=0 remote-answer"}
	if err := store.SetAnswer(ctx, sess.CallID(), answer); err != nil {
		t.Fatalf("set answer: %v", err)
	}

	// Applying the answer alone moves the caller to connected; a track-less
	// counterpart must not leave the caller ringing forever.
	waitFor(t, "caller connected", func() bool { return sess.Phase() == PhaseConnected })
	if got := factory.peer().remoteDesc(); got == nil || got.Type != "answer" {
		t.Fatalf("remote description = %+v, want the answer", got)
	}

	sess.Hangup()
	waitDone(t, sess)
}

func TestSessionMediaDenied(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{err: fmt.Errorf("%w: permission refused", rtc.ErrMediaAccessDenied)}
	mgr := testManager(t, store, "alice", factory)

	sess, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallVideo)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitDone(t, sess)

	if sess.Reason() != signal.ReasonMediaError {
		t.Fatalf("reason = %s, want %s", sess.Reason(), signal.ReasonMediaError)
	}
	// Capture failed before signaling started: no record, nothing ringing.
	if _, err := store.GetCall(ctx, sess.CallID()); !errors.Is(err, signal.ErrCallNotFound) {
		t.Fatalf("call record exists after media denial: %v", err)
	}
	if store.HasInvite("bob", sess.CallID()) {
		t.Fatal("invitation written after media denial")
	}
}

func TestSessionRingTimeout(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr, err := NewManager(store, ManagerOptions{
		Self:        user("alice"),
		RingTimeout: 50 * time.Millisecond,
		EndDelay:    5 * time.Millisecond,
		PeerFactory: factory.make,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	sess, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallAudio)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitDone(t, sess)

	if sess.Reason() != signal.ReasonUnanswered {
		t.Fatalf("reason = %s, want unanswered", sess.Reason())
	}
	rec, err := store.GetCall(ctx, sess.CallID())
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.Status != signal.StatusEnded || rec.EndReason != signal.ReasonUnanswered {
		t.Fatalf("record = status %s reason %s", rec.Status, rec.EndReason)
	}
	// The caller clears its own invite so the callee stops ringing.
	if store.HasInvite("bob", sess.CallID()) {
		t.Fatal("stale invitation left ringing after timeout")
	}
}

func TestSessionRemoteReject(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr := testManager(t, store, "alice", factory)

	sess, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallVideo)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "record creation", func() bool {
		_, err := store.GetCall(ctx, sess.CallID())
		return err == nil
	})

	end := signal.CallEnd{By: "bob", Reason: signal.ReasonRejected, EndedAt: time.Now()}
	if err := store.EndCall(ctx, sess.CallID(), end); err != nil {
		t.Fatalf("remote end: %v", err)
	}
	waitDone(t, sess)

	if sess.Reason() != signal.ReasonRejected {
		t.Fatalf("reason = %s, want rejected", sess.Reason())
	}
	// The remote terminal write stands; the caller does not overwrite it.
	rec, err := store.GetCall(ctx, sess.CallID())
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.EndedBy != "bob" {
		t.Fatalf("endedBy = %s, want bob", rec.EndedBy)
	}
}

func TestSessionConnectionLoss(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr := testManager(t, store, "alice", factory)

	sess, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallAudio)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "peer creation", func() bool { return factory.peer() != nil })
	factory.peer().connect()
	waitFor(t, "connected", func() bool { return sess.Phase() == PhaseConnected })

	factory.peer().lose()
	waitDone(t, sess)

	if sess.Reason() != signal.ReasonConnLost {
		t.Fatalf("reason = %s, want %s", sess.Reason(), signal.ReasonConnLost)
	}
	if factory.peer().teardownCount() != 1 {
		t.Fatal("teardown must run on connection loss")
	}
}

func TestSessionTogglesAndRepeatedHangup(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr := testManager(t, store, "alice", factory)

	sess, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallVideo)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "peer creation", func() bool { return factory.peer() != nil })
	peer := factory.peer()

	// Mute must reach the media layer, not just the snapshot.
	if on := sess.ToggleAudio(); on {
		t.Fatal("audio should be off after first toggle")
	}
	if on, seen := peer.trackEnabled(webrtc.RTPCodecTypeAudio); !seen || on {
		t.Fatalf("peer audio after mute = on %v seen %v, want detached", on, seen)
	}
	if on := sess.ToggleAudio(); !on {
		t.Fatal("audio should be back on after second toggle")
	}
	if on, _ := peer.trackEnabled(webrtc.RTPCodecTypeAudio); !on {
		t.Fatal("peer audio not restored after unmute")
	}
	if on := sess.ToggleVideo(); on {
		t.Fatal("video should be off after first toggle")
	}
	if on, seen := peer.trackEnabled(webrtc.RTPCodecTypeVideo); !seen || on {
		t.Fatalf("peer video after mute = on %v seen %v, want detached", on, seen)
	}

	sess.Hangup()
	sess.Hangup() // repeated hang-up is harmless
	waitDone(t, sess)
	sess.Hangup() // even after the session is gone

	if sess.Reason() != signal.ReasonHangup {
		t.Fatalf("reason = %s, want hangup", sess.Reason())
	}
}

func TestSessionUpdatesStream(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr := testManager(t, store, "alice", factory)

	sess, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallAudio)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sess.Hangup()

	// The manager fans every session update into one stream, ending each
	// session with a closed marker carrying the final state.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case u := <-mgr.Updates():
			if !u.Closed {
				continue
			}
			if u.Phase != PhaseEnded || u.Reason != signal.ReasonHangup {
				t.Fatalf("closing update = %+v", u)
			}
			return
		case <-deadline:
			t.Fatal("no closed marker on the update stream")
		}
	}
}
