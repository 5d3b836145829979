package model

import "time"

type User struct {
	ID             string    `json:"_id"`
	Name           string    `json:"name"`
	ProfilePicture string    `json:"profile_picture"`
	Online         bool      `json:"online"`
	LastSeen       time.Time `json:"last_seen"`
	IsAI           bool      `json:"isAI"`
}

// Subscription is the web push credential of a user. A user has at most one;
// saving a new one replaces the previous record.
type Subscription struct {
	UserID    string           `json:"userId"`
	Endpoint  string           `json:"endpoint" validate:"required,url"`
	Keys      SubscriptionKeys `json:"keys" validate:"required"`
	CreatedAt time.Time        `json:"createdAt"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh" validate:"required"`
	Auth   string `json:"auth" validate:"required"`
}
