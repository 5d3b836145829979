// Package store declares the persistence contracts used by the realtime core.
// Backends live in the scylla and badgerstore subpackages; both translate
// their driver errors into model.ErrNotFound.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mahaj/chatcore/pkg/model"
)

type UserStore interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
	PutUser(ctx context.Context, user model.User) error
	// SetPresence stamps the online flag and, when going offline, last-seen.
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

type ChatStore interface {
	GetChat(ctx context.Context, chatID string) (model.Chat, error)
	PutChat(ctx context.Context, chat model.Chat) error
	// ChatsByUser lists the chats userID is a member of.
	ChatsByUser(ctx context.Context, userID string) ([]model.Chat, error)
	SetLastMessage(ctx context.Context, chatID string, messageID int64) error
	SetLastCall(ctx context.Context, chatID string, callID int64) error
}

// CounterStore keeps per (chat, member) unread counters. IncrementUnread must
// be an atomic increment-or-create: concurrent calls never lose updates.
type CounterStore interface {
	IncrementUnread(ctx context.Context, chatID, userID string) error
	ResetUnread(ctx context.Context, chatID, userID string) error
	UnreadCount(ctx context.Context, chatID, userID string) (int64, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg model.Message) error
	GetMessage(ctx context.Context, chatID string, messageID int64) (model.Message, error)
	// Messages lists a chat in persistence order, oldest first. limit <= 0
	// means no limit.
	Messages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	// MarkRead adds userID to the readBy set of every message of the chat that
	// lacks it.
	MarkRead(ctx context.Context, chatID, userID string) error
}

type CallStore interface {
	CreateCall(ctx context.Context, call model.Call) error
	GetCall(ctx context.Context, callID int64) (model.Call, error)
	// UpdateCall writes call only if the stored status still equals from.
	// It returns model.ErrIllegalTransition when another writer got there first.
	UpdateCall(ctx context.Context, call model.Call, from model.CallStatus) error
	CallsByUser(ctx context.Context, userID string) ([]model.Call, error)
}

type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (model.Subscription, error)
	PutSubscription(ctx context.Context, sub model.Subscription) error
}

type Store interface {
	UserStore
	ChatStore
	CounterStore
	MessageStore
	CallStore
	SubscriptionStore
	Close() error
}

// Populate resolves the display fields of msg. A missing sender or replied-to
// message is not an error; the fields are left with what is known.
func Populate(ctx context.Context, users UserStore, messages MessageStore, msg model.Message) (model.PopulatedMessage, error) {
	out := model.PopulatedMessage{
		Message: msg,
		Sender:  model.Sender{ID: msg.SenderID},
	}

	user, err := users.GetUser(ctx, msg.SenderID)
	switch {
	case err == nil:
		out.Sender.Name = user.Name
		out.Sender.ProfilePicture = user.ProfilePicture
	case !isNotFound(err):
		return out, err
	}

	if msg.ReplyTo != 0 {
		reply, err := messages.GetMessage(ctx, msg.ChatID, msg.ReplyTo)
		switch {
		case err == nil:
			out.ReplyTo = &model.ReplySummary{ID: reply.ID, Content: reply.Content, SenderID: reply.SenderID}
		case !isNotFound(err):
			return out, err
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
