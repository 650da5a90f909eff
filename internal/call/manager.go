package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/peerline-io/peerline/internal/session"
	"github.com/peerline-io/peerline/internal/signal"
)

// ErrBusy is returned when a new call is requested while another session is
// still active.
var ErrBusy = errors.New("call: another call is active")

// Manager owns at most one live session at a time and fans its updates into
// a single stream. Start/accept/reject are safe from any goroutine.
type Manager struct {
	store       signal.Store
	self        session.UserSession
	newPeer     PeerFactory
	iceServers  []string
	ringTimeout time.Duration
	endDelay    time.Duration

	onEnded func(*Session)

	mu     sync.Mutex
	active *Session
	closed bool

	updates chan Update
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Self        session.UserSession
	IceServers  []string
	RingTimeout time.Duration
	EndDelay    time.Duration
	PeerFactory PeerFactory // nil means the real connection layer

	// OnEnded runs after a session has fully torn down, before the active
	// slot is released. Used for local bookkeeping like the call log.
	OnEnded func(*Session)
}

// NewManager builds a manager for one local user.
func NewManager(store signal.Store, opts ManagerOptions) (*Manager, error) {
	if err := opts.Self.Validate(); err != nil {
		return nil, err
	}
	factory := opts.PeerFactory
	if factory == nil {
		factory = DefaultPeerFactory
	}
	return &Manager{
		store:       store,
		self:        opts.Self,
		newPeer:     factory,
		iceServers:  opts.IceServers,
		ringTimeout: opts.RingTimeout,
		endDelay:    opts.EndDelay,
		onEnded:     opts.OnEnded,
		updates:     make(chan Update, 128),
	}, nil
}

// SetCallOptions swaps the dial parameters used for future sessions. The
// active session, if any, keeps the values it started with.
func (m *Manager) SetCallOptions(iceServers []string, ringTimeout, endDelay time.Duration) {
	m.mu.Lock()
	m.iceServers = iceServers
	m.ringTimeout = ringTimeout
	m.endDelay = endDelay
	m.mu.Unlock()
}

func (m *Manager) dialParams() ([]string, time.Duration, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iceServers, m.ringTimeout, m.endDelay
}

// Updates streams snapshots from whichever session is active.
func (m *Manager) Updates() <-chan Update { return m.updates }

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartCall dials recipientID. Fails with ErrBusy while another session is
// live.
func (m *Manager) StartCall(ctx context.Context, recipientID, conversationID string, callType signal.CallType) (*Session, error) {
	if !callType.Valid() {
		return nil, errors.New("call: unknown call type")
	}
	if recipientID == "" || recipientID == m.self.UID {
		return nil, errors.New("call: bad recipient")
	}
	ice, ringTimeout, endDelay := m.dialParams()
	return m.launch(ctx, Options{
		Self:           m.self,
		RemoteID:       recipientID,
		ConversationID: conversationID,
		CallType:       callType,
		Incoming:       false,
		IceServers:     ice,
		RingTimeout:    ringTimeout,
		EndDelay:       endDelay,
	})
}

// AcceptInvite answers a ringing invitation.
func (m *Manager) AcceptInvite(ctx context.Context, inv *signal.InvitationNotice) (*Session, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	ice, _, endDelay := m.dialParams()
	return m.launch(ctx, Options{
		Self:           m.self,
		RemoteID:       inv.CallerID,
		ConversationID: inv.ConversationID,
		CallType:       inv.CallType,
		Incoming:       true,
		IceServers:     ice,
		EndDelay:       endDelay,
	})
}

// RejectInvite declines without creating a session: the call record is
// marked ended and the invitation removed. Either write may fail
// independently; both are attempted.
func (m *Manager) RejectInvite(ctx context.Context, inv *signal.InvitationNotice, reason string) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	if reason == "" {
		reason = signal.ReasonRejected
	}
	end := signal.CallEnd{
		By:      m.self.UID,
		Reason:  reason,
		EndedAt: time.Now(),
	}
	var firstErr error
	if err := m.store.EndCall(ctx, inv.CallID, end); err != nil && !errors.Is(err, signal.ErrCallNotFound) {
		log.Printf("CALL [%s]: reject end write failed: %v", inv.CallID, err)
		firstErr = err
	}
	if err := m.store.DeleteInvite(ctx, m.self.UID, inv.CallID); err != nil {
		log.Printf("CALL [%s]: reject invite cleanup failed: %v", inv.CallID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) launch(ctx context.Context, opts Options) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("call: manager closed")
	}
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession(m.store, m.newPeer, opts)
	m.active = s
	m.mu.Unlock()

	log.Printf("CALL [%s]: starting (incoming=%v type=%s)", s.callID, opts.Incoming, opts.CallType)
	go s.run(ctx)
	go m.relay(s)
	return s, nil
}

// relay forwards one session's updates into the shared stream and clears
// the active slot when the session's stream ends.
func (m *Manager) relay(s *Session) {
	for u := range s.Updates() {
		select {
		case m.updates <- u:
		default:
			log.Printf("CALL [%s]: manager update dropped", s.callID)
		}
	}
	if m.onEnded != nil {
		m.onEnded(s)
	}
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

// Hangup ends the active session, if any.
func (m *Manager) Hangup() {
	if s := m.Active(); s != nil {
		s.Hangup()
	}
}

// Close hangs up any active session and waits for it to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	s := m.active
	m.mu.Unlock()
	if s != nil {
		s.Hangup()
		<-s.Done()
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
	}
}
