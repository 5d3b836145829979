package model

import "time"

type Chat struct {
	ID          string           `json:"_id"`
	Members     []string         `json:"members"`
	IsGroupChat bool             `json:"isGroupChat"`
	GroupName   string           `json:"groupName,omitempty"`
	LastMessage int64            `json:"lastMessage,string,omitempty"`
	LastCall    int64            `json:"lastCall,string,omitempty"`
	Unread      map[string]int64 `json:"unreadMessages,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// HasMember reports whether userID belongs to the chat.
func (c Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}
