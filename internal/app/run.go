// Package app wires the agent together: signaling store, call manager,
// incoming-call notifier, local call log and the websocket bridge.
package app

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/peerline-io/peerline/internal/bridge"
	"github.com/peerline-io/peerline/internal/call"
	"github.com/peerline-io/peerline/internal/config"
	"github.com/peerline-io/peerline/internal/history"
	"github.com/peerline-io/peerline/internal/notify"
	"github.com/peerline-io/peerline/internal/session"
	"github.com/peerline-io/peerline/internal/signal"
	"github.com/peerline-io/peerline/internal/util"
)

// Options carry everything Run needs.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Dial, when set, places one outgoing call at startup and exits when
	// it ends.
	Dial *DialRequest
}

// DialRequest describes a single outgoing call placed from the CLI.
type DialRequest struct {
	Recipient      string
	ConversationID string
	CallType       signal.CallType
}

// Run starts the agent and blocks until ctx is canceled or, in dial mode,
// until the call ends.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	self := session.UserSession{
		UID:         cfg.Identity.UID,
		DisplayName: cfg.Identity.DisplayName,
		PhotoURL:    cfg.Identity.PhotoURL,
	}
	if err := self.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	var hist *history.DB
	if cfg.History.Enabled {
		dir := util.ResolvePath(opt.PeerDir, cfg.History.Dir)
		hist, err = history.Open(dir)
		if err != nil {
			return fmt.Errorf("open call log: %w", err)
		}
		defer hist.Close()
	}

	mgr, err := call.NewManager(store, call.ManagerOptions{
		Self:        self,
		IceServers:  cfg.Ice.Servers,
		RingTimeout: cfg.RingTimeout(),
		EndDelay:    cfg.EndDelay(),
		OnEnded: func(s *call.Session) {
			if hist == nil {
				return
			}
			sum := s.Summary()
			entry := history.Entry{
				CallID:         sum.CallID,
				CallType:       sum.CallType,
				Caller:         sum.Caller,
				Recipient:      sum.Recipient,
				ConversationID: sum.ConversationID,
				Incoming:       s.Incoming(),
				Reason:         s.Reason(),
				Duration:       sum.Duration,
				StartedAt:      sum.StartedAt,
				EndedAt:        sum.EndedAt,
			}
			if err := hist.Append(entry); err != nil {
				log.Printf("APP: call log append failed: %v", err)
			}
		},
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	notifier := notify.New(store, self.UID, &notify.ConsoleAlert{})
	go func() {
		if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("APP: notifier stopped: %v", err)
		}
	}()

	// Filter invitations before any surface sees them: while a call is
	// active, new invites are rejected as busy.
	filtered := make(chan *signal.InvitationNotice, 8)
	go func() {
		defer close(filtered)
		for inv := range notifier.Invites() {
			if inv != nil && mgr.Active() != nil {
				log.Printf("APP: rejecting call %s, line busy", inv.CallID)
				notifier.Dismiss()
				if err := mgr.RejectInvite(ctx, inv, signal.ReasonBusy); err != nil {
					log.Printf("APP: busy rejection failed: %v", err)
				}
				continue
			}
			select {
			case filtered <- inv:
			default:
			}
		}
	}()

	// Hot-reload: only ICE servers and call timing can change at runtime;
	// identity and store changes need a restart.
	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(&cfg)
	go func() {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			prev := liveCfg.Load()
			if next.Identity != prev.Identity || next.Store != prev.Store {
				log.Printf("CONFIG: identity/store changes need a restart, ignoring")
				return
			}
			liveCfg.Store(&next)
			mgr.SetCallOptions(next.Ice.Servers, next.RingTimeout(), next.EndDelay())
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("APP: config watch stopped: %v", err)
		}
	}()

	if cfg.Bridge.HTTPAddr != "" {
		srv := bridge.New(cfg.Bridge.HTTPAddr, mgr, notifier, filtered, hist)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Printf("APP: bridge stopped: %v", err)
			}
		}()
	}

	if opt.Dial != nil {
		return runDial(ctx, mgr, *opt.Dial)
	}

	log.Printf("APP: agent ready as %s", self.Name())
	<-ctx.Done()
	return nil
}

func runDial(ctx context.Context, mgr *call.Manager, req DialRequest) error {
	sess, err := mgr.StartCall(ctx, req.Recipient, req.ConversationID, req.CallType)
	if err != nil {
		return fmt.Errorf("dial %s: %w", req.Recipient, err)
	}
	select {
	case <-ctx.Done():
		sess.Hangup()
		<-sess.Done()
	case <-sess.Done():
	}
	log.Printf("APP: call %s finished (%s, %ds)", sess.CallID(), sess.Reason(), sess.Duration())
	return nil
}

func openStore(ctx context.Context, cfg config.Store) (signal.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		log.Printf("APP: using in-process signaling store")
		return signal.NewMemoryStore(), func() {}, nil
	default:
		store, err := signal.ConnectMongo(ctx, cfg.URI, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect signaling store: %w", err)
		}
		return store, func() { store.Close(context.Background()) }, nil
	}
}
