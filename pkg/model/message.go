package model

import "time"

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

// Valid reports whether t is one of the supported content types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is a persisted chat message. Only Status, ReadBy and the edit/delete
// fields change after the first write.
type Message struct {
	ID        int64         `json:"id,string"`
	ChatID    string        `json:"chat"`
	SenderID  string        `json:"sender"`
	Content   string        `json:"message_content"`
	Type      MessageType   `json:"message_type"`
	Status    MessageStatus `json:"status"`
	ReadBy    []string      `json:"readBy"`
	ReplyTo   int64         `json:"replyTo,string,omitempty"`
	File      string        `json:"file,omitempty"`
	IsEdited  bool          `json:"isEdited"`
	EditedAt  *time.Time    `json:"editedAt,omitempty"`
	IsDeleted bool          `json:"isDeleted"`
	DeletedAt *time.Time    `json:"deletedAt,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ReadByUser reports whether userID already acknowledged the message.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Sender holds the display fields copied from the sending user.
type Sender struct {
	ID             string `json:"_id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profile_picture"`
}

// ReplySummary is the replied-to message as shown next to a reply.
type ReplySummary struct {
	ID       int64  `json:"_id,string"`
	Content  string `json:"message_content"`
	SenderID string `json:"sender"`
}

// PopulatedMessage is the delivery shape of a message, with the sender and the
// replied-to message resolved.
type PopulatedMessage struct {
	Message
	Sender  Sender        `json:"sender"`
	ReplyTo *ReplySummary `json:"replyTo,omitempty"`
}
