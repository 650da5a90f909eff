// Package signal defines the documents exchanged between two clients through
// the shared store while they set up a direct call, plus the Store interface
// that relays them.
//
// The store is used purely as a message relay keyed by a deterministic call
// id. Documents arriving from it are validated here, at the boundary, rather
// than trusted as already-correct.
package signal

import (
	"errors"
	"fmt"
	"time"
)

// CallType selects the media requested from both sides.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// WantsVideo reports whether the call requests camera capture.
func (t CallType) WantsVideo() bool { return t == CallVideo }

// CallStatus is the lifecycle position of a call record.
// Transitions only move forward: ringing → ongoing → ended.
type CallStatus string

const (
	StatusRinging CallStatus = "ringing"
	StatusOngoing CallStatus = "ongoing"
	StatusEnded   CallStatus = "ended"
)

func (s CallStatus) rank() int {
	switch s {
	case StatusRinging:
		return 0
	case StatusOngoing:
		return 1
	case StatusEnded:
		return 2
	}
	return -1
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool { return s.rank() >= 0 }

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Reverse transitions are never valid; writing the same status twice is
// allowed so terminal writes stay idempotent.
func (s CallStatus) CanAdvanceTo(next CallStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

// End reasons recorded on terminal call records.
const (
	ReasonHangup     = "hangup"
	ReasonRejected   = "rejected"
	ReasonBusy       = "busy"
	ReasonUnanswered = "unanswered"
	ReasonMediaError = "media-denied"
	ReasonConnLost   = "connection-lost"
	ReasonCanceled   = "canceled"
	ReasonSetupError = "setup-failed"
)

// SessionDescription is one side's opaque media/transport description.
// Type is "offer" or "answer"; the SDP payload is not interpreted here.
type SessionDescription struct {
	Type string `bson:"type" json:"type"`
	SDP  string `bson:"sdp" json:"sdp"`
}

// Validate checks the description is a well-formed offer or answer.
func (d SessionDescription) Validate() error {
	if d.Type != "offer" && d.Type != "answer" {
		return fmt.Errorf("signal: unknown description type %q", d.Type)
	}
	if d.SDP == "" {
		return errors.New("signal: empty sdp payload")
	}
	return nil
}

// CallID derives the deterministic call id for a call initiated by callerID
// toward recipientID.
//
// The id depends on who initiates: A calling B yields "A_B", B calling A
// yields "B_A". Two simultaneous calls between the same pair therefore use
// different ids and never converge onto one record. That asymmetry is part
// of the wire format other clients already speak, so it is preserved here
// as-is.
func CallID(callerID, recipientID string) string {
	return callerID + "_" + recipientID
}

// CallRecord is the live document tracking one call attempt.
//
// Created by the caller with the offer and status ringing, answered by the
// callee, and finally marked ended by either party. The record itself is not
// deleted by this subsystem.
type CallRecord struct {
	CallID         string              `bson:"_id" json:"callId"`
	CallType       CallType            `bson:"callType" json:"callType"`
	Offer          *SessionDescription `bson:"offer,omitempty" json:"offer,omitempty"`
	Answer         *SessionDescription `bson:"answer,omitempty" json:"answer,omitempty"`
	Caller         string              `bson:"caller" json:"caller"`
	Recipient      string              `bson:"recipient" json:"recipient"`
	Status         CallStatus          `bson:"status" json:"status"`
	Timestamp      time.Time           `bson:"timestamp" json:"timestamp"`
	ConversationID string              `bson:"conversationId" json:"conversationId"`
	EndedAt        *time.Time          `bson:"endedAt,omitempty" json:"endedAt,omitempty"`
	EndedBy        string              `bson:"endedBy,omitempty" json:"endedBy,omitempty"`
	EndReason      string              `bson:"endReason,omitempty" json:"endReason,omitempty"`
	Duration       int                 `bson:"duration" json:"duration"`
}

// Validate checks structural invariants before a record crosses the
// signaling boundary in either direction.
func (r *CallRecord) Validate() error {
	if r.CallID == "" {
		return errors.New("signal: call record without id")
	}
	if !r.CallType.Valid() {
		return fmt.Errorf("signal: unknown call type %q", r.CallType)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("signal: unknown call status %q", r.Status)
	}
	if r.Caller == "" || r.Recipient == "" {
		return errors.New("signal: call record missing participants")
	}
	if r.Offer != nil {
		if err := r.Offer.Validate(); err != nil {
			return err
		}
	}
	if r.Answer != nil {
		if err := r.Answer.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CallEnd carries everything a terminal write needs.
type CallEnd struct {
	By       string
	Reason   string
	Duration int
	EndedAt  time.Time
}

// IceCandidate is one discovered network path, relayed append-only through
// the store. Sender tags the producing side so each client can skip the
// candidates it wrote itself.
type IceCandidate struct {
	Candidate     string    `bson:"candidate" json:"candidate"`
	SDPMid        *string   `bson:"sdpMid,omitempty" json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16   `bson:"sdpMLineIndex,omitempty" json:"sdpMLineIndex,omitempty"`
	Sender        string    `bson:"sender" json:"sender"`
	Timestamp     time.Time `bson:"timestamp" json:"timestamp"`
}

// Validate rejects candidates that could not possibly be applied.
func (c IceCandidate) Validate() error {
	if c.Candidate == "" {
		return errors.New("signal: empty candidate")
	}
	if c.Sender == "" {
		return errors.New("signal: candidate without sender")
	}
	return nil
}

// InvitationNotice is the per-recipient ringing prompt, written alongside the
// call record by the caller and deleted by the callee on accept or reject.
// At most one live notice should exist per (recipient, call) pair.
type InvitationNotice struct {
	Type           string     `bson:"type" json:"type"` // always "call"
	CallID         string     `bson:"callId" json:"callId"`
	CallType       CallType   `bson:"callType" json:"callType"`
	CallerID       string     `bson:"callerId" json:"callerId"`
	CallerName     string     `bson:"callerName" json:"callerName"`
	CallerPhoto    string     `bson:"callerPhoto,omitempty" json:"callerPhoto,omitempty"`
	Recipient      string     `bson:"recipient" json:"recipient"`
	Status         CallStatus `bson:"status" json:"status"`
	ConversationID string     `bson:"conversationId" json:"conversationId"`
	Timestamp      time.Time  `bson:"timestamp" json:"timestamp"`
}

// Validate checks a notice read back from the store.
func (n *InvitationNotice) Validate() error {
	if n.Type != "call" {
		return fmt.Errorf("signal: unexpected notice type %q", n.Type)
	}
	if n.CallID == "" {
		return errors.New("signal: notice without call id")
	}
	if !n.CallType.Valid() {
		return fmt.Errorf("signal: unknown call type %q", n.CallType)
	}
	if n.CallerID == "" || n.Recipient == "" {
		return errors.New("signal: notice missing participants")
	}
	return nil
}

// CallSummary is the permanent record appended to a conversation's call
// history when a call reaches its terminal state.
type CallSummary struct {
	CallID         string    `bson:"callId" json:"callId"`
	CallType       CallType  `bson:"callType" json:"callType"`
	Caller         string    `bson:"caller" json:"caller"`
	Recipient      string    `bson:"recipient" json:"recipient"`
	ConversationID string    `bson:"conversationId" json:"conversationId"`
	StartedAt      time.Time `bson:"startedAt" json:"startedAt"`
	EndedAt        time.Time `bson:"endedAt" json:"endedAt"`
	Duration       int       `bson:"duration" json:"duration"`
}
