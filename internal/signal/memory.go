package signal

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// watchBuf is the per-watcher channel capacity. A watcher that falls this
// far behind starts losing intermediate updates; the latest state still
// arrives because every write re-notifies.
const watchBuf = 64

// MemoryStore is an in-process Store. It backs the test suite and the
// single-host "memory" backend, where both call ends live in one agent
// process.
type MemoryStore struct {
	mu         sync.Mutex
	calls      map[string]CallRecord
	candidates map[string][]IceCandidate
	invites    map[string]map[string]InvitationNotice // recipient → callID → notice
	summaries  map[string][]CallSummary               // conversationID → history

	callWatch   map[string]map[chan CallRecord]struct{}
	candWatch   map[string]map[chan IceCandidate]string // chan → excluded sender
	inviteWatch map[string]map[chan *InvitationNotice]struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:       make(map[string]CallRecord),
		candidates:  make(map[string][]IceCandidate),
		invites:     make(map[string]map[string]InvitationNotice),
		summaries:   make(map[string][]CallSummary),
		callWatch:   make(map[string]map[chan CallRecord]struct{}),
		candWatch:   make(map[string]map[chan IceCandidate]string),
		inviteWatch: make(map[string]map[chan *InvitationNotice]struct{}),
	}
}

func (s *MemoryStore) CreateCall(ctx context.Context, rec CallRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	if existing, ok := s.calls[rec.CallID]; ok && existing.Status != StatusEnded {
		s.mu.Unlock()
		return ErrCallExists
	}
	s.calls[rec.CallID] = rec
	// A re-dial reuses the deterministic id; stale candidates from the
	// previous attempt must not leak into the new connection.
	s.candidates[rec.CallID] = nil
	s.notifyCallLocked(rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetAnswer(ctx context.Context, callID string, answer SessionDescription) error {
	if err := answer.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if rec.Answer != nil || rec.Status == StatusEnded {
		return ErrAlreadyAnswered
	}
	a := answer
	rec.Answer = &a
	rec.Status = StatusOngoing
	s.calls[callID] = rec
	s.notifyCallLocked(rec)
	return nil
}

func (s *MemoryStore) EndCall(ctx context.Context, callID string, end CallEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if rec.Status == StatusEnded {
		return nil // both sides finalize independently
	}
	endedAt := end.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	rec.Status = StatusEnded
	rec.EndedAt = &endedAt
	rec.EndedBy = end.By
	rec.EndReason = end.Reason
	rec.Duration = end.Duration
	s.calls[callID] = rec
	s.notifyCallLocked(rec)
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return CallRecord{}, ErrCallNotFound
	}
	return rec, nil
}

func (s *MemoryStore) WatchCall(ctx context.Context, callID string) (<-chan CallRecord, error) {
	ch := make(chan CallRecord, watchBuf)

	s.mu.Lock()
	if s.callWatch[callID] == nil {
		s.callWatch[callID] = make(map[chan CallRecord]struct{})
	}
	s.callWatch[callID][ch] = struct{}{}
	if rec, ok := s.calls[callID]; ok {
		ch <- rec
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if set, ok := s.callWatch[callID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) AddCandidate(ctx context.Context, callID string, cand IceCandidate) error {
	if err := cand.Validate(); err != nil {
		return err
	}
	if cand.Timestamp.IsZero() {
		cand.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.candidates[callID] = append(s.candidates[callID], cand)
	for ch, excluded := range s.candWatch[callID] {
		if cand.Sender == excluded {
			continue
		}
		select {
		case ch <- cand:
		default:
			log.Printf("SIGNAL: candidate watcher for %s is full, dropping", callID)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) WatchCandidates(ctx context.Context, callID, excludeSender string) (<-chan IceCandidate, error) {
	s.mu.Lock()
	// The buffer covers the full replay so these sends can never block,
	// however many candidates accumulated before the watch started.
	ch := make(chan IceCandidate, len(s.candidates[callID])+watchBuf)
	if s.candWatch[callID] == nil {
		s.candWatch[callID] = make(map[chan IceCandidate]string)
	}
	s.candWatch[callID][ch] = excludeSender
	for _, cand := range s.candidates[callID] {
		if cand.Sender != excludeSender {
			ch <- cand
		}
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if set, ok := s.candWatch[callID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) PutInvite(ctx context.Context, notice InvitationNotice) error {
	if err := notice.Validate(); err != nil {
		return err
	}
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	if s.invites[notice.Recipient] == nil {
		s.invites[notice.Recipient] = make(map[string]InvitationNotice)
	}
	s.invites[notice.Recipient][notice.CallID] = notice
	s.notifyInviteLocked(notice.Recipient)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteInvite(ctx context.Context, recipientID, callID string) error {
	s.mu.Lock()
	if set, ok := s.invites[recipientID]; ok {
		if _, live := set[callID]; live {
			delete(set, callID)
			s.notifyInviteLocked(recipientID)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) WatchRingingInvite(ctx context.Context, recipientID string) (<-chan *InvitationNotice, error) {
	ch := make(chan *InvitationNotice, watchBuf)

	s.mu.Lock()
	if s.inviteWatch[recipientID] == nil {
		s.inviteWatch[recipientID] = make(map[chan *InvitationNotice]struct{})
	}
	s.inviteWatch[recipientID][ch] = struct{}{}
	ch <- s.newestRingingLocked(recipientID)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if set, ok := s.inviteWatch[recipientID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) AppendSummary(ctx context.Context, conversationID string, sum CallSummary) error {
	s.mu.Lock()
	s.summaries[conversationID] = append(s.summaries[conversationID], sum)
	s.mu.Unlock()
	return nil
}

// Summaries returns the call history of a conversation, oldest first.
func (s *MemoryStore) Summaries(conversationID string) []CallSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallSummary, len(s.summaries[conversationID]))
	copy(out, s.summaries[conversationID])
	return out
}

// HasInvite reports whether a live notice exists for (recipient, call).
func (s *MemoryStore) HasInvite(recipientID, callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.invites[recipientID][callID]
	return ok
}

// newestRingingLocked resolves the invite the notifier should surface:
// the most recent notice that is still ringing, or nil.
func (s *MemoryStore) newestRingingLocked(recipientID string) *InvitationNotice {
	var ringing []InvitationNotice
	for _, n := range s.invites[recipientID] {
		if n.Type == "call" && n.Status == StatusRinging {
			ringing = append(ringing, n)
		}
	}
	if len(ringing) == 0 {
		return nil
	}
	sort.Slice(ringing, func(i, j int) bool {
		return ringing[i].Timestamp.After(ringing[j].Timestamp)
	})
	n := ringing[0]
	return &n
}

func (s *MemoryStore) notifyCallLocked(rec CallRecord) {
	for ch := range s.callWatch[rec.CallID] {
		select {
		case ch <- rec:
		default:
			log.Printf("SIGNAL: call watcher for %s is full, dropping", rec.CallID)
		}
	}
}

func (s *MemoryStore) notifyInviteLocked(recipientID string) {
	current := s.newestRingingLocked(recipientID)
	for ch := range s.inviteWatch[recipientID] {
		select {
		case ch <- current:
		default:
			log.Printf("SIGNAL: invite watcher for %s is full, dropping", recipientID)
		}
	}
}
