package signal

import (
	"encoding/json"
	"fmt"
)

// Envelope is one message unit on the realtime channel. Delivery is
// at-least-once: duplicates and short reorderings must be tolerated by the
// consumer.
type Envelope struct {
	Type    string          `json:"type"`
	CallID  string          `json:"callId"`
	From    string          `json:"fromUserId,omitempty"`
	To      string          `json:"toUserId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound envelope types
const (
	TypeStartCall    = "start_call"
	TypeJoinCall     = "join_call"
	TypeRejectCall   = "reject_call"
	TypeEndCall      = "end_call"
	TypeSDPOffer     = "sdp_offer"
	TypeSDPAnswer    = "sdp_answer"
	TypeICECandidate = "ice_candidate"
)

// Inbound envelope types (sdp_offer, sdp_answer and ice_candidate flow both
// ways)
const (
	TypeIncomingCall      = "incoming_call"
	TypeCallStarted       = "call_started"
	TypeCallJoined        = "call_joined"
	TypeCallEnded         = "call_ended"
	TypeCallRejected      = "call_rejected"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
)

// StartCallPayload announces a new call in a chat
type StartCallPayload struct {
	ChatID   string `json:"chatId"`
	CallType string `json:"callType"`
}

// IncomingCallPayload carries the inbound session descriptor
type IncomingCallPayload struct {
	ChatID      string   `json:"chatId"`
	CallType    string   `json:"callType"`
	InitiatorID string   `json:"initiatorId"`
	Group       bool     `json:"isGroup"`
	Invited     []string `json:"invited,omitempty"`
}

// EndCallPayload carries the terminal reason
type EndCallPayload struct {
	Reason string `json:"reason"`
}

// RejectPayload identifies who declined
type RejectPayload struct {
	RejectedBy string `json:"rejectedBy"`
}

// DescriptionPayload carries one SDP body, Kind is "offer" or "answer"
type DescriptionPayload struct {
	Kind string `json:"kind"`
	SDP  string `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ParticipantPayload identifies a member joining or leaving
type ParticipantPayload struct {
	UserID string `json:"userId"`
}

// Decode unmarshals the envelope payload into v
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// newEnvelope builds an envelope with a marshaled payload
func newEnvelope(envType, callID, from, to string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:   envType,
		CallID: callID,
		From:   from,
		To:     to,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", envType, err)
		}
		env.Payload = raw
	}
	return env, nil
}
