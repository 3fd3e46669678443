// Package session is the call lifecycle state machine. Every transition —
// local action, inbound envelope, transport event, timer expiry — executes
// on a single dispatch goroutine, so the machine itself is free of
// shared-memory races while still tolerating any interleaving of events.
package session

import (
	"time"
)

// Status is the lifecycle state of a call session
type Status string

const (
	StatusIdle       Status = "idle"
	StatusOutgoing   Status = "outgoing"
	StatusIncoming   Status = "incoming"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

// End reasons for terminal transitions
const (
	EndReasonHangup                   = "hangup"
	EndReasonRejected                 = "rejected"
	EndReasonTimeout                  = "timeout"
	EndReasonInsufficientParticipants = "insufficient_participants"
	EndReasonError                    = "error"
)

// Participant is one member of the call with their per-user sub-status
type Participant struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"` // invited, ringing, joined, left, ended
	JoinedAt *time.Time `json:"joinedAt,omitempty"`
}

// Settings carries the local control toggles
type Settings struct {
	Muted       bool `json:"muted"`
	VideoOff    bool `json:"videoOff"`
	ScreenShare bool `json:"screenShare"`
}

// Session is the in-memory call record the machine mutates
type Session struct {
	ID           string                  `json:"id"`
	ChatID       string                  `json:"chatId"`
	Kind         string                  `json:"kind"` // voice or video
	Group        bool                    `json:"isGroup"`
	Status       Status                  `json:"status"`
	InitiatorID  string                  `json:"initiatorId"`
	Participants map[string]*Participant `json:"participants"`
	Settings     Settings                `json:"settings"`
	// Degraded is set when local media failed and the call proceeds in
	// audio-only or signaling-only form.
	Degraded bool `json:"degraded"`

	StartedAt   time.Time  `json:"startedAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	EndReason   string     `json:"endReason,omitempty"`
}

// upsertParticipant records a member's sub-status, creating the entry on
// first sight
func (s *Session) upsertParticipant(userID, status string) {
	if s.Participants == nil {
		s.Participants = make(map[string]*Participant)
	}
	p, ok := s.Participants[userID]
	if !ok {
		p = &Participant{UserID: userID}
		s.Participants[userID] = p
	}
	p.Status = status
	if status == "joined" && p.JoinedAt == nil {
		now := time.Now()
		p.JoinedAt = &now
	}
}

// activeParticipants counts members that have not left or ended
func (s *Session) activeParticipants() int {
	n := 0
	for _, p := range s.Participants {
		if p.Status != "left" && p.Status != "ended" {
			n++
		}
	}
	return n
}

// remoteIDs returns every participant except the given user
func (s *Session) remoteIDs(selfID string) []string {
	out := make([]string, 0, len(s.Participants))
	for id := range s.Participants {
		if id != selfID {
			out = append(out, id)
		}
	}
	return out
}

// clone returns a deep copy for lock-free readers
func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	return &cp
}
