// Package push delivers notifications to users without a live connection.
// The gateway enqueues them on Kafka; the notifier service drains the topic
// and performs the Web Push request.
package push

import (
	"context"
	"errors"

	"github.com/mahaj/chatcore/pkg/model"
)

var ErrSubscriptionGone = errors.New("push subscription expired")

const (
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"
)

type PayloadData struct {
	ChatID  string                 `json:"chatId"`
	Message model.PopulatedMessage `json:"message"`
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Icon  string      `json:"icon"`
	Badge string      `json:"badge"`
	Data  PayloadData `json:"data"`
}

// Notification is one queued delivery.
type Notification struct {
	Subscription model.Subscription `json:"subscription"`
	Payload      Payload            `json:"payload"`
}

// Gateway is best-effort: Deliver never blocks on the remote push service and
// reports failures only through logs.
type Gateway interface {
	Deliver(ctx context.Context, sub model.Subscription, payload Payload)
}

// NewMessagePayload builds the notification shown for an incoming message.
func NewMessagePayload(msg model.PopulatedMessage) Payload {
	title := "New message"
	if msg.Sender.Name != "" {
		title = "New message from " + msg.Sender.Name
	}
	body := msg.Content
	if msg.Type != model.TypeText {
		body = "Sent a " + string(msg.Type)
	}
	return Payload{
		Title: title,
		Body:  body,
		Icon:  DefaultIcon,
		Badge: DefaultBadge,
		Data:  PayloadData{ChatID: msg.ChatID, Message: msg},
	}
}
