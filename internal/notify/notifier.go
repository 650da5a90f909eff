// Package notify watches the signaling store for ringing call invitations
// addressed to the local user and surfaces at most one at a time.
package notify

import (
	"context"
	"log"
	"sync"

	"github.com/peerline-io/peerline/internal/signal"
)

// Alert is the audible/visible ring control. Start may be called while
// already ringing and Stop while already silent; both must tolerate it.
type Alert interface {
	Start(callerName string)
	Stop()
}

// ConsoleAlert rings by writing the terminal bell. Used by the headless
// agent; richer surfaces plug in their own Alert.
type ConsoleAlert struct {
	mu      sync.Mutex
	ringing bool
}

func (a *ConsoleAlert) Start(callerName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ringing {
		return
	}
	a.ringing = true
	log.Printf("NOTIFY: incoming call from %s \a", callerName)
}

func (a *ConsoleAlert) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringing = false
}

// Notifier tracks the newest ringing invitation for one user. A nil value on
// Invites means the ring cleared (answered elsewhere, canceled, or timed out)
// and any prompt should be dismissed.
type Notifier struct {
	store signal.Store
	uid   string
	alert Alert

	mu      sync.Mutex
	current *signal.InvitationNotice

	invites chan *signal.InvitationNotice
}

// New builds a notifier for uid. A nil alert disables ringing.
func New(store signal.Store, uid string, alert Alert) *Notifier {
	return &Notifier{
		store:   store,
		uid:     uid,
		alert:   alert,
		invites: make(chan *signal.InvitationNotice, 8),
	}
}

// Invites streams the active invitation, nil when it clears. Closed when Run
// returns.
func (n *Notifier) Invites() <-chan *signal.InvitationNotice { return n.invites }

// Current returns the invitation presently ringing, or nil.
func (n *Notifier) Current() *signal.InvitationNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Dismiss silences the alert without touching the store. The store-side
// cleanup (delete, end) is the caller's job via accept or reject.
func (n *Notifier) Dismiss() {
	n.mu.Lock()
	n.current = nil
	n.mu.Unlock()
	if n.alert != nil {
		n.alert.Stop()
	}
}

// Run consumes the store watch until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	defer close(n.invites)
	ch, err := n.store.WatchRingingInvite(ctx, n.uid)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			n.Dismiss()
			return ctx.Err()
		case inv, ok := <-ch:
			if !ok {
				n.Dismiss()
				return nil
			}
			n.apply(inv)
		}
	}
}

func (n *Notifier) apply(inv *signal.InvitationNotice) {
	if inv == nil {
		n.mu.Lock()
		had := n.current != nil
		n.current = nil
		n.mu.Unlock()
		if !had {
			return
		}
		if n.alert != nil {
			n.alert.Stop()
		}
		n.send(nil)
		return
	}
	if err := inv.Validate(); err != nil {
		log.Printf("NOTIFY: dropping malformed invitation: %v", err)
		return
	}
	n.mu.Lock()
	same := n.current != nil && n.current.CallID == inv.CallID
	n.current = inv
	n.mu.Unlock()
	if same {
		return
	}
	log.Printf("NOTIFY: ringing call %s from %s", inv.CallID, inv.CallerName)
	if n.alert != nil {
		n.alert.Start(inv.CallerName)
	}
	n.send(inv)
}

func (n *Notifier) send(inv *signal.InvitationNotice) {
	select {
	case n.invites <- inv:
	default:
		log.Printf("NOTIFY: invitation update dropped")
	}
}
