package signal

import (
	"tunelink/internal/core/domain"
)

// Client → server request types.
const (
	MsgCallInitiate  = "call:initiate"
	MsgCallRespond   = "call:respond"
	MsgCallEnd       = "call:end"
	MsgCallSignaling = "call:signaling"
	MsgCallJoin      = "call:join"
)

// Server → client event types.
const (
	EventResponse      = "response"
	EventCallIncoming  = "call:incoming"
	EventCallResponse  = "call:response"
	EventCallStarted   = "call:started"
	EventCallEnded     = "call:ended"
	EventCallTimeout   = "call:timeout"
	EventCallMissed    = "call:missed"
	EventCallSignaling = "call:signaling"
)

// CallRefEvent carries only a call id (timeout/missed pushes).
type CallRefEvent struct {
	CallID domain.CallID `json:"callId"`
}

// CallEndedEvent is the ended broadcast; Reason is set for disconnect
// cleanup and empty for an explicit hang-up.
type CallEndedEvent struct {
	Call   *domain.Call `json:"call"`
	Reason string       `json:"reason,omitempty"`
}

// CallResponseEvent tells the caller how the callee responded.
type CallResponseEvent struct {
	Call   *domain.Call      `json:"call"`
	Action domain.CallAction `json:"action"`
}

// SignalingEvent is the relayed negotiation payload, tagged with the
// sender. Offer/answer/candidate contents are opaque.
type SignalingEvent struct {
	CallID domain.CallID `json:"callId"`
	From   domain.UserID `json:"from"`
	domain.SignalingPayload
}
