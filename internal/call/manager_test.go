package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerline-io/peerline/internal/signal"
)

func TestManagerSingleActiveCall(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr := testManager(t, store, "alice", factory)

	first, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallAudio)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := mgr.StartCall(ctx, "carol", "conv-2", signal.CallAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second dial = %v, want ErrBusy", err)
	}

	inv := &signal.InvitationNotice{
		Type:      "call",
		CallID:    "carol_alice",
		CallType:  signal.CallVideo,
		CallerID:  "carol",
		Recipient: "alice",
		Status:    signal.StatusRinging,
		Timestamp: time.Now(),
	}
	if _, err := mgr.AcceptInvite(ctx, inv); !errors.Is(err, ErrBusy) {
		t.Fatalf("accept while busy = %v, want ErrBusy", err)
	}

	first.Hangup()
	waitDone(t, first)

	// The slot frees up once the session has fully closed.
	waitFor(t, "active slot to clear", func() bool { return mgr.Active() == nil })
	second, err := mgr.StartCall(ctx, "carol", "conv-2", signal.CallAudio)
	if err != nil {
		t.Fatalf("dial after hangup: %v", err)
	}
	second.Hangup()
	waitDone(t, second)
}

func TestManagerRejectInvite(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	caller := testManager(t, store, "alice", factory)
	callee := testManager(t, store, "bob", &fakeFactory{})

	sess, err := caller.StartCall(ctx, "bob", "conv-1", signal.CallVideo)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	inv := inviteFor(store, t, "bob")

	if err := callee.RejectInvite(ctx, inv, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitDone(t, sess)

	if sess.Reason() != signal.ReasonRejected {
		t.Fatalf("caller reason = %s, want rejected", sess.Reason())
	}
	rec, err := store.GetCall(ctx, inv.CallID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.Status != signal.StatusEnded || rec.EndReason != signal.ReasonRejected || rec.EndedBy != "bob" {
		t.Fatalf("record after reject = %+v", rec)
	}
	if store.HasInvite("bob", inv.CallID) {
		t.Fatal("invitation survived the reject")
	}
}

func TestManagerRejectWithBusyReason(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx := context.Background()

	mgr := testManager(t, store, "bob", &fakeFactory{})

	rec := signal.CallRecord{
		CallID:    "carol_bob",
		CallType:  signal.CallAudio,
		Offer:     &signal.SessionDescription{Type: "offer", SDP: "v=0"},
		Caller:    "carol",
		Recipient: "bob",
		Status:    signal.StatusRinging,
	}
	if err := store.CreateCall(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	inv := &signal.InvitationNotice{
		Type:      "call",
		CallID:    rec.CallID,
		CallType:  rec.CallType,
		CallerID:  "carol",
		Recipient: "bob",
		Status:    signal.StatusRinging,
		Timestamp: time.Now(),
	}
	if err := store.PutInvite(ctx, *inv); err != nil {
		t.Fatalf("put invite: %v", err)
	}

	if err := mgr.RejectInvite(ctx, inv, signal.ReasonBusy); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := store.GetCall(ctx, rec.CallID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EndReason != signal.ReasonBusy {
		t.Fatalf("end reason = %s, want busy", got.EndReason)
	}
}

func TestManagerRejectToleratesMissingCall(t *testing.T) {
	store := signal.NewMemoryStore()
	mgr := testManager(t, store, "bob", &fakeFactory{})

	inv := &signal.InvitationNotice{
		Type:      "call",
		CallID:    "ghost_bob",
		CallType:  signal.CallAudio,
		CallerID:  "ghost",
		Recipient: "bob",
		Status:    signal.StatusRinging,
		Timestamp: time.Now(),
	}
	// The record may already be gone when the reject lands; only the
	// invitation cleanup matters then.
	if err := mgr.RejectInvite(context.Background(), inv, ""); err != nil {
		t.Fatalf("reject without record: %v", err)
	}
}

func TestManagerClose(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := &fakeFactory{}
	mgr := testManager(t, store, "alice", factory)

	if _, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallAudio); err != nil {
		t.Fatalf("dial: %v", err)
	}
	mgr.Close()

	if mgr.Active() != nil {
		t.Fatal("active session after close")
	}
	if _, err := mgr.StartCall(ctx, "bob", "conv-1", signal.CallAudio); err == nil {
		t.Fatal("dial accepted after close")
	}
}

func TestManagerValidatesDial(t *testing.T) {
	store := signal.NewMemoryStore()
	mgr := testManager(t, store, "alice", &fakeFactory{})
	ctx := context.Background()

	if _, err := mgr.StartCall(ctx, "bob", "c", signal.CallType("screen")); err == nil {
		t.Fatal("unknown call type accepted")
	}
	if _, err := mgr.StartCall(ctx, "", "c", signal.CallAudio); err == nil {
		t.Fatal("empty recipient accepted")
	}
	if _, err := mgr.StartCall(ctx, "alice", "c", signal.CallAudio); err == nil {
		t.Fatal("self-dial accepted")
	}
}
