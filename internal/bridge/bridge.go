// Package bridge exposes the call agent to local user interfaces over a
// small HTTP/websocket endpoint: call control via JSON POSTs, live session
// and invitation events via a websocket stream.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerline-io/peerline/internal/call"
	"github.com/peerline-io/peerline/internal/history"
	"github.com/peerline-io/peerline/internal/notify"
	"github.com/peerline-io/peerline/internal/signal"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The bridge binds loopback; origin checks add nothing there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one message pushed to connected surfaces.
type Event struct {
	Kind   string                   `json:"kind"` // "update", "invite", "invite-cleared"
	Update *call.Update             `json:"update,omitempty"`
	Invite *signal.InvitationNotice `json:"invite,omitempty"`
}

// Server is the local control endpoint. History may be nil when the local
// call log is disabled.
type Server struct {
	addr     string
	mgr      *call.Manager
	notifier *notify.Notifier
	invites  <-chan *signal.InvitationNotice
	hist     *history.DB

	backlog *eventBacklog

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// New builds a bridge server. invites is the stream of invitations to
// surface; it is separate from the notifier so the caller can filter it
// (busy rejection) before it reaches any UI.
func New(addr string, mgr *call.Manager, notifier *notify.Notifier, invites <-chan *signal.InvitationNotice, hist *history.DB) *Server {
	return &Server{
		addr:     addr,
		mgr:      mgr,
		notifier: notifier,
		invites:  invites,
		hist:     hist,
		backlog:  newEventBacklog(128),
		clients:  make(map[*websocket.Conn]chan Event),
	}
}

// Run serves until ctx is canceled. It also pumps manager and notifier
// events to connected clients.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.register(mux)

	srv := &http.Server{Addr: s.addr, Handler: mux}

	go s.pump(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("BRIDGE: listening on %s", s.addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// pump fans manager updates and invitation changes out to every client,
// keeping a backlog so a surface that connects mid-call still sees state.
func (s *Server) pump(ctx context.Context) {
	updates := s.mgr.Updates()
	invites := s.invites
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			s.broadcast(Event{Kind: "update", Update: &u})
		case inv, ok := <-invites:
			if !ok {
				invites = nil
				continue
			}
			if inv == nil {
				s.broadcast(Event{Kind: "invite-cleared"})
			} else {
				s.broadcast(Event{Kind: "invite", Invite: inv})
			}
		}
	}
}

func (s *Server) broadcast(ev Event) {
	s.backlog.add(ev)
	s.mu.Lock()
	for _, ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Server) register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)

	handlePost(mux, "/api/call/dial", func(w http.ResponseWriter, r *http.Request, req struct {
		Recipient      string `json:"recipient"`
		ConversationID string `json:"conversationId"`
		CallType       string `json:"callType"`
	}) {
		if req.Recipient == "" {
			http.Error(w, "missing recipient", http.StatusBadRequest)
			return
		}
		ct := signal.CallType(req.CallType)
		if req.CallType == "" {
			ct = signal.CallVideo
		}
		sess, err := s.mgr.StartCall(r.Context(), req.Recipient, req.ConversationID, ct)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, call.ErrBusy) {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("dial failed: %v", err), status)
			return
		}
		writeJSON(w, map[string]string{"status": "dialing", "callId": sess.CallID()})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		inv := s.notifier.Current()
		if inv == nil {
			http.Error(w, "no ringing call", http.StatusNotFound)
			return
		}
		s.notifier.Dismiss()
		sess, err := s.mgr.AcceptInvite(r.Context(), inv)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, call.ErrBusy) {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("accept failed: %v", err), status)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "callId": sess.CallID()})
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		inv := s.notifier.Current()
		if inv == nil {
			http.Error(w, "no ringing call", http.StatusNotFound)
			return
		}
		s.notifier.Dismiss()
		if err := s.mgr.RejectInvite(r.Context(), inv, signal.ReasonRejected); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "callId": inv.CallID})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		sess := s.mgr.Active()
		if sess == nil {
			writeJSON(w, map[string]string{"status": "no_call"})
			return
		}
		sess.Hangup()
		writeJSON(w, map[string]string{"status": "hung_up", "callId": sess.CallID()})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		sess := s.mgr.Active()
		if sess == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"audioOn": sess.ToggleAudio()})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		sess := s.mgr.Active()
		if sess == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"videoOn": sess.ToggleVideo()})
	})

	mux.HandleFunc("/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.hist == nil {
			writeJSON(w, []history.Entry{})
			return
		}
		entries, err := s.hist.Recent(100)
		if err != nil {
			http.Error(w, fmt.Sprintf("history read failed: %v", err), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		writeJSON(w, entries)
	})
}

// handleWS upgrades the connection and streams events. The backlog is
// replayed first so a fresh surface sees current call state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("BRIDGE: websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan Event, 64)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for _, ev := range s.backlog.replay() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Reader only to detect close; commands go over the POST endpoints.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func handlePost[T any](mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request body", http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}
