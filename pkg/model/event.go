package model

import "encoding/json"

// Event names carried in the "event" field of every websocket frame.
const (
	EventJoinChat     = "join-chat"
	EventSendMessage  = "send-message"
	EventMessageRead  = "message-read"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventIceCandidate = "ice-candidate"
	EventEndCall      = "end-call"

	EventConnected      = "connected"
	EventUnreadCount    = "unread-message-count"
	EventReceiveMessage = "receive-message"
	EventCallStatus     = "call-status"
	EventCallInitiated  = "call-initiated"
	EventCallEnded      = "call-ended"
	EventError          = "error"
)

// Frame is the envelope of every message exchanged over a connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinChat struct {
	UserID string `json:"userId" validate:"required"`
	ChatID string `json:"chatId" validate:"required"`
}

type SendMessage struct {
	ChatID  string      `json:"chatId" validate:"required"`
	Sender  string      `json:"sender" validate:"required"`
	Content string      `json:"message_content" validate:"required"`
	Type    MessageType `json:"message_type" validate:"required,oneof=text image video audio file"`
	File    string      `json:"file,omitempty"`
	ReplyTo int64       `json:"replyTo,string,omitempty"`
}

type MessageRead struct {
	ChatID string `json:"chatId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

type Offer struct {
	Offer    json.RawMessage `json:"offer" validate:"required"`
	Receiver string          `json:"receiver" validate:"required"`
	Caller   string          `json:"caller" validate:"required"`
	ChatID   string          `json:"chatId,omitempty"`
	CallType CallType        `json:"callType,omitempty" validate:"omitempty,oneof=audio video"`
}

type Answer struct {
	Answer       json.RawMessage `json:"answer" validate:"required"`
	TargetHandle string          `json:"targetHandle" validate:"required"`
	CallID       int64           `json:"callId,string" validate:"required"`
}

type IceCandidate struct {
	Candidate    json.RawMessage `json:"candidate" validate:"required"`
	TargetHandle string          `json:"targetHandle" validate:"required"`
}

type EndCall struct {
	TargetHandle string     `json:"targetHandle" validate:"required"`
	CallID       int64      `json:"callId,string" validate:"required"`
	Status       CallStatus `json:"status,omitempty"`
}

type Connected struct {
	Handle string `json:"handle"`
	UserID string `json:"userId"`
}

type UnreadCount struct {
	ChatID string `json:"chatId"`
	Count  int64  `json:"count"`
}

type CallInitiated struct {
	CallID int64 `json:"callId,string"`
}

type CallStatusUpdate struct {
	CallID int64  `json:"callId,string"`
	Status string `json:"status"`
}

type RelayedOffer struct {
	Offer    json.RawMessage `json:"offer"`
	CallID   int64           `json:"callId,string"`
	Caller   string          `json:"caller"`
	CallType CallType        `json:"callType"`
	From     string          `json:"from"`
}

type RelayedAnswer struct {
	Answer json.RawMessage `json:"answer"`
	CallID int64           `json:"callId,string"`
	From   string          `json:"from"`
}

type RelayedCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
}

type CallEndedEvent struct {
	CallID   int64      `json:"callId,string"`
	Status   CallStatus `json:"status"`
	Duration string     `json:"duration,omitempty"`
	From     string     `json:"from,omitempty"`
}

type ErrorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
