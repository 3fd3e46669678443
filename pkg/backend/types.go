package backend

import "time"

// CallType distinguishes audio-only from audio+video calls
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// ParticipantState is the backend's view of one participant
type ParticipantState struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"` // "invited", "ringing", "joined", "left", "ended"
	JoinedAt *time.Time `json:"joinedAt,omitempty"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// Call is the backend's authoritative call record
type Call struct {
	ID           string             `json:"id"`
	ChatID       string             `json:"chatId"`
	Type         CallType           `json:"callType"`
	Group        bool               `json:"isGroup"`
	InitiatorID  string             `json:"initiatorId"`
	Participants []ParticipantState `json:"participants"`
	Status       string             `json:"status"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	EndedAt      *time.Time         `json:"endedAt,omitempty"`
	EndReason    string             `json:"endReason,omitempty"`
	ErrorCode    string             `json:"errorCode,omitempty"`
	ErrorDesc    string             `json:"errorDescription,omitempty"`
}

// CallSettings carries per-call toggles mirrored to the backend
type CallSettings struct {
	Muted       bool `json:"muted"`
	VideoOff    bool `json:"videoOff"`
	ScreenShare bool `json:"screenShare"`
}

// HistoryFilters narrows a call-history query
type HistoryFilters struct {
	ChatID string     `json:"chatId,omitempty"`
	Type   CallType   `json:"callType,omitempty"`
	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// startCallRequest is the body for creating a call
type startCallRequest struct {
	ChatID   string   `json:"chatId"`
	CallType CallType `json:"callType"`
}

// historyResponse wraps the call-history listing
type historyResponse struct {
	Calls     []Call `json:"calls"`
	ErrorCode string `json:"errorCode,omitempty"`
	ErrorDesc string `json:"errorDescription,omitempty"`
}

// apiError is the backend's generic error envelope
type apiError struct {
	ErrorCode string `json:"errorCode,omitempty"`
	ErrorDesc string `json:"errorDescription,omitempty"`
}
