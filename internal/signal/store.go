package signal

import (
	"context"
	"errors"
)

// Store errors. Anything else returned by an implementation is a transport
// failure and is treated as best-effort by callers per the signaling policy.
var (
	ErrCallNotFound    = errors.New("signal: call not found")
	ErrCallExists      = errors.New("signal: call already exists")
	ErrAlreadyAnswered = errors.New("signal: answer already set")
)

// Store is the signaling channel: a document store used as a message relay
// between the two ends of a call.
//
// Watches deliver incremental updates on the returned channel until ctx is
// canceled, at which point the channel is closed. No ordering is guaranteed
// across independently issued writes; per-document writes are last-write-wins.
type Store interface {
	// CreateCall writes a fresh call record (status ringing, offer set).
	CreateCall(ctx context.Context, rec CallRecord) error

	// SetAnswer records the callee's answer and advances the call to
	// ongoing. The answer is set at most once; a second attempt returns
	// ErrAlreadyAnswered.
	SetAnswer(ctx context.Context, callID string, answer SessionDescription) error

	// EndCall marks the call ended with the given terminal details.
	// Ending an already-ended call is a no-op, so both sides may finalize
	// independently.
	EndCall(ctx context.Context, callID string, end CallEnd) error

	// GetCall reads the current call record.
	GetCall(ctx context.Context, callID string) (CallRecord, error)

	// WatchCall streams the call record: the current state first (when the
	// record exists), then every subsequent change.
	WatchCall(ctx context.Context, callID string) (<-chan CallRecord, error)

	// AddCandidate appends a discovered network path to the call's
	// candidate log.
	AddCandidate(ctx context.Context, callID string, cand IceCandidate) error

	// WatchCandidates streams candidates for a call, oldest first, skipping
	// every candidate written by excludeSender. Candidates already present
	// are replayed before new arrivals.
	WatchCandidates(ctx context.Context, callID, excludeSender string) (<-chan IceCandidate, error)

	// PutInvite writes the per-recipient invitation notice.
	PutInvite(ctx context.Context, notice InvitationNotice) error

	// DeleteInvite removes a recipient's notice for a call. Deleting a
	// notice that is already gone is a no-op.
	DeleteInvite(ctx context.Context, recipientID, callID string) error

	// WatchRingingInvite streams the newest still-ringing call notice
	// addressed to recipientID, or nil when none remains. One value is
	// delivered immediately with the current state.
	WatchRingingInvite(ctx context.Context, recipientID string) (<-chan *InvitationNotice, error)

	// AppendSummary appends a terminal call summary to the conversation's
	// call history.
	AppendSummary(ctx context.Context, conversationID string, sum CallSummary) error
}
