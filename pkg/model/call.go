package model

import (
	"fmt"
	"time"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	// CallPending is an offered call nobody answered yet.
	CallPending CallStatus = "pending"
	CallOngoing CallStatus = "ongoing"
	CallEnded   CallStatus = "ended"
	CallMissed  CallStatus = "missed"
)

// Closed reports whether the status is terminal.
func (s CallStatus) Closed() bool {
	return s == CallEnded || s == CallMissed
}

type Call struct {
	ID         int64      `json:"_id,string"`
	CallerID   string     `json:"caller"`
	ReceiverID string     `json:"receiver,omitempty"`
	ChatID     string     `json:"group,omitempty"`
	Type       CallType   `json:"call_type"`
	Status     CallStatus `json:"call_status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	// DurationSeconds is nil for calls that were never answered.
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
}

// Party reports whether userID is the caller or the receiver of the call.
func (c Call) Party(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// Other returns the party on the other end from userID.
func (c Call) Other(userID string) string {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

// Duration renders the call length as HH:MM:SS, or "" when not answered.
func (c Call) Duration() string {
	if c.DurationSeconds == nil {
		return ""
	}
	d := *c.DurationSeconds
	return fmt.Sprintf("%02d:%02d:%02d", d/3600, (d%3600)/60, d%60)
}
