// Package fanout persists chat messages and distributes them to the other
// members of the chat: live connections get the message immediately, offline
// members get an unread counter bump and, when subscribed, a push
// notification.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/chatcore/pkg/ai"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/push"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

const DefaultParallelism = 16

// Directory resolves the live handle of a user.
type Directory interface {
	Lookup(userID string) (presence.Handle, bool)
}

// RoomBroadcaster reaches every live connection joined to a chat room.
type RoomBroadcaster interface {
	Broadcast(chatID, event string, payload any)
}

// Report summarizes one fan-out. Attempted counts recipients, the other
// fields split them by outcome.
type Report struct {
	Attempted int
	Live      int
	Pushed    int
	Failed    int
}

type Engine struct {
	store    store.Store
	presence Directory
	push     push.Gateway
	ids      *snowflake.Node
	validate *validator.Validate
	log      *zap.Logger

	parallelism int
	responder   ai.Responder
	aiUserID    string
	rooms       RoomBroadcaster
	now         func() time.Time
}

type Option func(*Engine)

// WithParallelism bounds the recipients processed at once for one message.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithAI enables automatic replies in chats the assistant account is member of.
func WithAI(r ai.Responder, userID string) Option {
	return func(e *Engine) {
		e.responder = r
		e.aiUserID = userID
	}
}

func WithRooms(r RoomBroadcaster) Option {
	return func(e *Engine) { e.rooms = r }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(s store.Store, dir Directory, gw push.Gateway, ids *snowflake.Node, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		presence:    dir,
		push:        gw,
		ids:         ids,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         log,
		parallelism: DefaultParallelism,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitMessage persists in as a new message and fans it out to every other
// member of the chat. Nothing is delivered unless the message and the chat's
// last-message pointer were written. Fan-out runs detached from ctx's
// cancellation so a sender disconnecting mid-way does not cut it short.
func (e *Engine) SubmitMessage(ctx context.Context, in model.SendMessage) (model.Message, Report, error) {
	if err := e.validate.Struct(in); err != nil {
		return model.Message{}, Report{}, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}

	chat, err := e.MemberChat(ctx, in.ChatID, in.Sender)
	if err != nil {
		return model.Message{}, Report{}, err
	}

	msg := model.Message{
		ID:        e.ids.Generate(),
		ChatID:    in.ChatID,
		SenderID:  in.Sender,
		Content:   in.Content,
		Type:      in.Type,
		Status:    model.StatusSent,
		ReadBy:    []string{},
		ReplyTo:   in.ReplyTo,
		File:      in.File,
		CreatedAt: e.now().UTC(),
	}
	if err := e.persist(ctx, msg); err != nil {
		return model.Message{}, Report{}, err
	}

	detached := context.WithoutCancel(ctx)
	populated := e.populate(detached, msg)
	report := e.fanOut(detached, chat, populated)
	e.log.Info("message delivered",
		zap.String("chat", msg.ChatID),
		zap.Int64("message", msg.ID),
		zap.Int("attempted", report.Attempted),
		zap.Int("live", report.Live),
		zap.Int("pushed", report.Pushed),
		zap.Int("failed", report.Failed),
	)

	if e.responder != nil && e.aiUserID != "" && in.Sender != e.aiUserID && chat.HasMember(e.aiUserID) {
		e.replyAsAssistant(detached, chat, msg)
	}
	return msg, report, nil
}

func (e *Engine) persist(ctx context.Context, msg model.Message) error {
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("%w: save message: %v", model.ErrPersistence, err)
	}
	if err := e.store.SetLastMessage(ctx, msg.ChatID, msg.ID); err != nil {
		return fmt.Errorf("%w: update last message: %v", model.ErrPersistence, err)
	}
	return nil
}

func (e *Engine) populate(ctx context.Context, msg model.Message) model.PopulatedMessage {
	populated, err := store.Populate(ctx, e.store, e.store, msg)
	if err != nil {
		e.log.Warn("failed to populate message", zap.Int64("message", msg.ID), zap.Error(err))
	}
	return populated
}

func (e *Engine) fanOut(ctx context.Context, chat model.Chat, msg model.PopulatedMessage) Report {
	recipients := lo.Without(lo.Uniq(chat.Members), msg.SenderID)

	var live, pushed, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for _, recipient := range recipients {
		g.Go(func() error {
			outcome, err := e.deliver(ctx, recipient, msg)
			switch {
			case err != nil:
				failed.Add(1)
				e.log.Warn("delivery failed",
					zap.String("chat", chat.ID),
					zap.String("recipient", recipient),
					zap.Error(err),
				)
			case outcome == deliveredLive:
				live.Add(1)
			case outcome == deliveredPush:
				pushed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Report{
		Attempted: len(recipients),
		Live:      int(live.Load()),
		Pushed:    int(pushed.Load()),
		Failed:    int(failed.Load()),
	}
}

type outcome int

const (
	counted outcome = iota
	deliveredLive
	deliveredPush
)

// deliver bumps the recipient's unread counter and then reaches it live or
// through push. A counter failure does not stop the delivery attempt.
func (e *Engine) deliver(ctx context.Context, recipient string, msg model.PopulatedMessage) (outcome, error) {
	var errs []error
	if err := e.store.IncrementUnread(ctx, msg.ChatID, recipient); err != nil {
		errs = append(errs, fmt.Errorf("%w: increment unread: %v", model.ErrPersistence, err))
	}

	if h, ok := e.presence.Lookup(recipient); ok {
		if err := h.Send(model.EventReceiveMessage, msg); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", model.ErrDelivery, err))
			return counted, errors.Join(errs...)
		}
		return deliveredLive, errors.Join(errs...)
	}

	sub, err := e.store.GetSubscription(ctx, recipient)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return counted, errors.Join(errs...)
	case err != nil:
		errs = append(errs, fmt.Errorf("load subscription: %w", err))
		return counted, errors.Join(errs...)
	}
	e.push.Deliver(ctx, sub, push.NewMessagePayload(msg))
	return deliveredPush, errors.Join(errs...)
}

func (e *Engine) replyAsAssistant(ctx context.Context, chat model.Chat, prompt model.Message) {
	text := ai.ReplyOrFallback(ctx, e.responder, prompt.Content, e.log)
	reply := model.Message{
		ID:        e.ids.Generate(),
		ChatID:    chat.ID,
		SenderID:  e.aiUserID,
		Content:   text,
		Type:      model.TypeText,
		Status:    model.StatusSent,
		ReadBy:    []string{},
		CreatedAt: e.now().UTC(),
	}
	if err := e.persist(ctx, reply); err != nil {
		e.log.Error("failed to save ai reply", zap.String("chat", chat.ID), zap.Error(err))
		return
	}

	populated := e.populate(ctx, reply)
	if e.rooms != nil {
		e.rooms.Broadcast(chat.ID, model.EventReceiveMessage, populated)
		return
	}
	for _, member := range chat.Members {
		if h, ok := e.presence.Lookup(member); ok {
			if err := h.Send(model.EventReceiveMessage, populated); err != nil {
				e.log.Warn("ai reply delivery failed", zap.String("recipient", member), zap.Error(err))
			}
		}
	}
}

// MarkRead records that userID read every message of the chat and clears its
// unread counter. Calling it twice has the same effect as once.
func (e *Engine) MarkRead(ctx context.Context, in model.MessageRead) error {
	if err := e.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	if _, err := e.MemberChat(ctx, in.ChatID, in.UserID); err != nil {
		return err
	}
	if err := e.store.MarkRead(ctx, in.ChatID, in.UserID); err != nil {
		return fmt.Errorf("%w: mark read: %v", model.ErrPersistence, err)
	}
	if err := e.store.ResetUnread(ctx, in.ChatID, in.UserID); err != nil {
		return fmt.Errorf("%w: reset unread: %v", model.ErrPersistence, err)
	}

	if h, ok := e.presence.Lookup(in.UserID); ok {
		if err := h.Send(model.EventUnreadCount, model.UnreadCount{ChatID: in.ChatID, Count: 0}); err != nil {
			e.log.Warn("failed to send unread count", zap.String("user", in.UserID), zap.Error(err))
		}
	}
	return nil
}

// MemberChat loads chatID and checks that userID belongs to it. An unknown
// chat is model.ErrNotFound, a non-member model.ErrValidation.
func (e *Engine) MemberChat(ctx context.Context, chatID, userID string) (model.Chat, error) {
	chat, err := e.store.GetChat(ctx, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	if !chat.HasMember(userID) {
		return model.Chat{}, fmt.Errorf("%w: %s is not a member of chat %s", model.ErrValidation, userID, chatID)
	}
	return chat, nil
}

func (e *Engine) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	n, err := e.store.UnreadCount(ctx, chatID, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: unread count: %v", model.ErrPersistence, err)
	}
	return n, nil
}
