package signal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRecord(callID, caller, recipient string) CallRecord {
	return CallRecord{
		CallID:    callID,
		CallType:  CallVideo,
		Offer:     &SessionDescription{Type: "offer", SDP: "v=0"},
		Caller:    caller,
		Recipient: recipient,
		Status:    StatusRinging,
		Timestamp: time.Now(),
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch delivery")
		panic("unreachable")
	}
}

func TestCreateCallRejectsLiveDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := testRecord("alice_bob", "alice", "bob")
	if err := s.CreateCall(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateCall(ctx, rec); !errors.Is(err, ErrCallExists) {
		t.Fatalf("duplicate create = %v, want ErrCallExists", err)
	}

	// After the call ends the id can be reused.
	if err := s.EndCall(ctx, rec.CallID, CallEnd{By: "alice", Reason: ReasonHangup}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := s.CreateCall(ctx, rec); err != nil {
		t.Fatalf("re-dial after end: %v", err)
	}
}

func TestRedialPurgesStaleCandidates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := testRecord("alice_bob", "alice", "bob")
	if err := s.CreateCall(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AddCandidate(ctx, rec.CallID, IceCandidate{Candidate: "candidate:old", Sender: "alice"}); err != nil {
		t.Fatalf("add candidate: %v", err)
	}
	if err := s.EndCall(ctx, rec.CallID, CallEnd{By: "alice", Reason: ReasonHangup}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := s.CreateCall(ctx, rec); err != nil {
		t.Fatalf("re-dial: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.WatchCandidates(watchCtx, rec.CallID, "bob")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	select {
	case cand := <-ch:
		t.Fatalf("stale candidate %q replayed after re-dial", cand.Candidate)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetAnswerAtMostOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := testRecord("alice_bob", "alice", "bob")
	if err := s.CreateCall(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	answer := SessionDescription{Type: "answer", SDP: "v=0"}
	if err := s.SetAnswer(ctx, rec.CallID, answer); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if err := s.SetAnswer(ctx, rec.CallID, answer); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("second answer = %v, want ErrAlreadyAnswered", err)
	}

	got, err := s.GetCall(ctx, rec.CallID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusOngoing {
		t.Fatalf("status after answer = %s, want ongoing", got.Status)
	}
	if err := s.SetAnswer(ctx, "nope", answer); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("answer on missing call = %v, want ErrCallNotFound", err)
	}
}

func TestEndCallIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := testRecord("alice_bob", "alice", "bob")
	if err := s.CreateCall(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := CallEnd{By: "bob", Reason: ReasonRejected}
	if err := s.EndCall(ctx, rec.CallID, first); err != nil {
		t.Fatalf("end: %v", err)
	}
	// Second finalize must not overwrite the first terminal write.
	if err := s.EndCall(ctx, rec.CallID, CallEnd{By: "alice", Reason: ReasonHangup, Duration: 99}); err != nil {
		t.Fatalf("second end: %v", err)
	}

	got, err := s.GetCall(ctx, rec.CallID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EndedBy != "bob" || got.EndReason != ReasonRejected {
		t.Fatalf("terminal write overwritten: endedBy=%s reason=%s", got.EndedBy, got.EndReason)
	}
}

func TestWatchCallDeliversCurrentStateFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := testRecord("alice_bob", "alice", "bob")
	if err := s.CreateCall(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, err := s.WatchCall(ctx, rec.CallID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	got := recv(t, ch)
	if got.Status != StatusRinging {
		t.Fatalf("initial delivery status = %s, want ringing", got.Status)
	}

	if err := s.SetAnswer(ctx, rec.CallID, SessionDescription{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	got = recv(t, ch)
	if got.Status != StatusOngoing || got.Answer == nil {
		t.Fatalf("update after answer: status=%s answer=%v", got.Status, got.Answer)
	}
}

func TestWatchCandidatesSkipsOwnAndReplays(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callID := "alice_bob"
	if err := s.CreateCall(ctx, testRecord(callID, "alice", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Written before the watch starts; must be replayed.
	if err := s.AddCandidate(ctx, callID, IceCandidate{Candidate: "candidate:1", Sender: "alice"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddCandidate(ctx, callID, IceCandidate{Candidate: "candidate:2", Sender: "bob"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ch, err := s.WatchCandidates(ctx, callID, "bob")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	got := recv(t, ch)
	if got.Sender != "alice" {
		t.Fatalf("replayed candidate sender = %s, want alice", got.Sender)
	}

	// Live writes: bob's own candidates never come back to him.
	if err := s.AddCandidate(ctx, callID, IceCandidate{Candidate: "candidate:3", Sender: "bob"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddCandidate(ctx, callID, IceCandidate{Candidate: "candidate:4", Sender: "alice"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	got = recv(t, ch)
	if got.Candidate != "candidate:4" {
		t.Fatalf("live candidate = %q, want candidate:4", got.Candidate)
	}
}

func TestWatchCandidatesReplaysLongBacklog(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callID := "alice_bob"
	if err := s.CreateCall(ctx, testRecord(callID, "alice", "bob")); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Far more candidates than the live buffer holds, all before the watch
	// starts. Registration must not block on its own replay.
	const n = 200
	for i := 0; i < n; i++ {
		cand := IceCandidate{Candidate: "candidate:backlog", Sender: "alice"}
		if err := s.AddCandidate(ctx, callID, cand); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	ch, err := s.WatchCandidates(ctx, callID, "bob")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	for i := 0; i < n; i++ {
		if got := recv(t, ch); got.Sender != "alice" {
			t.Fatalf("candidate %d sender = %s, want alice", i, got.Sender)
		}
	}
}

func TestWatchRingingInviteLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.WatchRingingInvite(ctx, "bob")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got := recv(t, ch); got != nil {
		t.Fatalf("initial state = %+v, want nil", got)
	}

	inv := InvitationNotice{
		Type:      "call",
		CallID:    "alice_bob",
		CallType:  CallVideo,
		CallerID:  "alice",
		Recipient: "bob",
		Status:    StatusRinging,
		Timestamp: time.Now(),
	}
	if err := s.PutInvite(ctx, inv); err != nil {
		t.Fatalf("put: %v", err)
	}
	got := recv(t, ch)
	if got == nil || got.CallID != "alice_bob" {
		t.Fatalf("ringing delivery = %+v", got)
	}

	// A newer ring from someone else takes over.
	later := inv
	later.CallID = "carol_bob"
	later.CallerID = "carol"
	later.Timestamp = inv.Timestamp.Add(time.Second)
	if err := s.PutInvite(ctx, later); err != nil {
		t.Fatalf("put: %v", err)
	}
	got = recv(t, ch)
	if got == nil || got.CallerID != "carol" {
		t.Fatalf("newest ring = %+v, want carol", got)
	}

	// Removing the newer one falls back to the older ring.
	if err := s.DeleteInvite(ctx, "bob", "carol_bob"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got = recv(t, ch)
	if got == nil || got.CallerID != "alice" {
		t.Fatalf("fallback ring = %+v, want alice", got)
	}

	if err := s.DeleteInvite(ctx, "bob", "alice_bob"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got = recv(t, ch); got != nil {
		t.Fatalf("after last delete = %+v, want nil", got)
	}

	// Deleting a notice that is already gone stays silent.
	if err := s.DeleteInvite(ctx, "bob", "alice_bob"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestWatchClosesOnCancel(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.WatchCall(ctx, "alice_bob")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestAppendSummary(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sum := CallSummary{
		CallID:         "alice_bob",
		CallType:       CallAudio,
		Caller:         "alice",
		Recipient:      "bob",
		ConversationID: "conv-1",
		Duration:       12,
	}
	if err := s.AppendSummary(ctx, "conv-1", sum); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendSummary(ctx, "conv-1", sum); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Both sides write their own entry; the log keeps every append.
	if got := s.Summaries("conv-1"); len(got) != 2 {
		t.Fatalf("summaries = %d, want 2", len(got))
	}
	if got := s.Summaries("conv-2"); len(got) != 0 {
		t.Fatalf("unrelated conversation has %d summaries", len(got))
	}
}
