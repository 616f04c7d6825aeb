package domain

import (
	"encoding/json"
	"time"
)

type CallID string

type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// CallStatus is the lifecycle state of a call. Values are stable, they
// are persisted and exposed over the wire.
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusEnded      CallStatus = "ended"
	CallStatusMissed     CallStatus = "missed"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusRejected, CallStatusFailed:
		return true
	}
	return false
}

// Active reports whether the call still occupies its user pair
// (ringing or answered).
func (s CallStatus) Active() bool {
	return s == CallStatusRinging || s == CallStatusAnswered
}

type CallAction string

const (
	CallActionAccept CallAction = "accept"
	CallActionReject CallAction = "reject"
)

// SignalingState accumulates the opaque negotiation payloads exchanged
// by the two parties. Offer and answer overwrite, candidates append in
// submission order. The contents are never interpreted server-side.
type SignalingState struct {
	Offer         json.RawMessage   `json:"offer,omitempty"`
	Answer        json.RawMessage   `json:"answer,omitempty"`
	ICECandidates []json.RawMessage `json:"iceCandidates,omitempty"`
}

// SignalingPayload is one party's contribution to the negotiation,
// carrying at most one of offer, answer or candidate.
type SignalingPayload struct {
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	ICECandidate json.RawMessage `json:"iceCandidate,omitempty"`
}

// Empty reports whether the payload carries nothing to merge.
func (p SignalingPayload) Empty() bool {
	return len(p.Offer) == 0 && len(p.Answer) == 0 && len(p.ICECandidate) == 0
}

// Call is the authoritative record of one call attempt.
type Call struct {
	ID        CallID          `json:"id"`
	CallerID  UserID          `json:"callerId"`
	CalleeID  UserID          `json:"calleeId"`
	Kind      CallKind        `json:"kind"`
	Status    CallStatus      `json:"status"`
	Duration  int             `json:"duration,omitempty"` // seconds, set on end of answered calls
	StartedAt *time.Time      `json:"startedAt,omitempty"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	Signaling *SignalingState `json:"signaling,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// HasParty reports whether the user is the caller or the callee.
func (c *Call) HasParty(userID UserID) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// OtherParty returns the counterpart of the given party. The caller
// must already be known to be a party.
func (c *Call) OtherParty(userID UserID) UserID {
	if c.CallerID == userID {
		return c.CalleeID
	}
	return c.CallerID
}

// MergeSignaling folds one party's payload into the accumulated bag.
func (c *Call) MergeSignaling(p SignalingPayload) {
	if c.Signaling == nil {
		c.Signaling = &SignalingState{}
	}
	if len(p.Offer) > 0 {
		c.Signaling.Offer = p.Offer
	}
	if len(p.Answer) > 0 {
		c.Signaling.Answer = p.Answer
	}
	if len(p.ICECandidate) > 0 {
		c.Signaling.ICECandidates = append(c.Signaling.ICECandidates, p.ICECandidate)
	}
}
