// Package signaling relays WebRTC offer/answer/ICE payloads between two
// parties and keeps the call record in step with the conversation.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

// StatusUnreachable is reported to a caller whose callee has no live
// connection.
const StatusUnreachable = "unreachable"

type Directory interface {
	Lookup(userID string) (presence.Handle, bool)
	LookupHandle(handleID string) (presence.Handle, bool)
	UserOf(handleID string) (string, bool)
}

type CallStore interface {
	store.CallStore
	SetLastCall(ctx context.Context, chatID string, callID int64) error
}

type Relay struct {
	calls    CallStore
	presence Directory
	ids      *snowflake.Node
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[int64]model.Call
}

type Option func(*Relay)

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func New(calls CallStore, dir Directory, ids *snowflake.Node, log *zap.Logger, opts ...Option) *Relay {
	r := &Relay{
		calls:    calls,
		presence: dir,
		ids:      ids,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		now:      time.Now,
		active:   make(map[int64]model.Call),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Offer records a new pending call and forwards the offer to the callee.
// The caller always gets call-initiated, preceded by call-status unreachable
// when the callee is offline.
func (r *Relay) Offer(ctx context.Context, from presence.Handle, in model.Offer) (model.Call, error) {
	if err := r.validate.Struct(in); err != nil {
		return model.Call{}, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	if in.CallType == "" {
		in.CallType = model.CallVideo
	}

	now := r.now().UTC()
	call := model.Call{
		ID:         r.ids.Generate(),
		CallerID:   in.Caller,
		ReceiverID: in.Receiver,
		ChatID:     in.ChatID,
		Type:       in.CallType,
		Status:     model.CallPending,
		StartedAt:  &now,
	}
	if err := r.calls.CreateCall(ctx, call); err != nil {
		return model.Call{}, fmt.Errorf("%w: save call: %v", model.ErrPersistence, err)
	}
	if call.ChatID != "" {
		if err := r.calls.SetLastCall(ctx, call.ChatID, call.ID); err != nil {
			r.log.Warn("failed to update last call", zap.String("chat", call.ChatID), zap.Int64("call", call.ID), zap.Error(err))
		}
	}
	r.track(call)

	reached := false
	if h, ok := r.presence.Lookup(in.Receiver); ok {
		err := h.Send(model.EventOffer, model.RelayedOffer{
			Offer:    in.Offer,
			CallID:   call.ID,
			Caller:   in.Caller,
			CallType: call.Type,
			From:     from.ID(),
		})
		if err != nil {
			r.log.Warn("failed to relay offer", zap.Int64("call", call.ID), zap.String("receiver", in.Receiver), zap.Error(err))
		} else {
			reached = true
		}
	}
	if !reached {
		r.notify(from, model.EventCallStatus, model.CallStatusUpdate{CallID: call.ID, Status: StatusUnreachable})
	}
	r.notify(from, model.EventCallInitiated, model.CallInitiated{CallID: call.ID})

	r.log.Info("call offered", zap.Int64("call", call.ID), zap.String("caller", in.Caller), zap.String("receiver", in.Receiver), zap.Bool("reached", reached))
	return call, nil
}

// Answer moves a pending call to ongoing and forwards the answer. Only a
// party to the call may answer it.
func (r *Relay) Answer(ctx context.Context, from presence.Handle, in model.Answer) (model.Call, error) {
	if err := r.validate.Struct(in); err != nil {
		return model.Call{}, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	userID, err := r.userOf(from)
	if err != nil {
		return model.Call{}, err
	}
	call, err := r.apply(ctx, in.CallID, userID, answered)
	if err != nil {
		return model.Call{}, err
	}
	r.forward(in.TargetHandle, model.EventAnswer, model.RelayedAnswer{Answer: in.Answer, CallID: call.ID, From: from.ID()})
	return call, nil
}

// IceCandidate forwards a candidate to a live target. Nothing is stored or
// queued; the result reports whether the target was reached.
func (r *Relay) IceCandidate(from presence.Handle, in model.IceCandidate) (bool, error) {
	if err := r.validate.Struct(in); err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return r.forward(in.TargetHandle, model.EventIceCandidate, model.RelayedCandidate{Candidate: in.Candidate, From: from.ID()}), nil
}

// EndCall closes the call: a pending call becomes missed, an ongoing one
// ended with its duration. The requested status is advisory; the outcome
// follows from the current state.
func (r *Relay) EndCall(ctx context.Context, from presence.Handle, in model.EndCall) (model.Call, error) {
	if err := r.validate.Struct(in); err != nil {
		return model.Call{}, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	userID, err := r.userOf(from)
	if err != nil {
		return model.Call{}, err
	}
	call, err := r.apply(ctx, in.CallID, userID, hungUp)
	if err != nil {
		return model.Call{}, err
	}
	if in.Status != "" && in.Status != call.Status {
		r.log.Debug("end-call status overridden", zap.Int64("call", call.ID), zap.String("requested", string(in.Status)), zap.String("status", string(call.Status)))
	}
	r.forward(in.TargetHandle, model.EventCallEnded, model.CallEndedEvent{
		CallID:   call.ID,
		Status:   call.Status,
		Duration: call.Duration(),
		From:     from.ID(),
	})
	return call, nil
}

// Abandon closes every open call of userID, typically after its connection
// dropped, and tells the other party.
func (r *Relay) Abandon(ctx context.Context, userID string) []model.Call {
	r.mu.Lock()
	var open []int64
	for id, c := range r.active {
		if c.Party(userID) {
			open = append(open, id)
		}
	}
	r.mu.Unlock()

	var closed []model.Call
	for _, id := range open {
		call, err := r.apply(ctx, id, userID, hungUp)
		if errors.Is(err, model.ErrIllegalTransition) || errors.Is(err, model.ErrNotFound) {
			r.untrack(id)
			continue
		}
		if err != nil {
			r.log.Error("failed to close abandoned call", zap.Int64("call", id), zap.Error(err))
			continue
		}
		closed = append(closed, call)
		if h, ok := r.presence.Lookup(call.Other(userID)); ok {
			r.notify(h, model.EventCallEnded, model.CallEndedEvent{CallID: call.ID, Status: call.Status, Duration: call.Duration()})
		}
		r.log.Info("call abandoned", zap.Int64("call", call.ID), zap.String("user", userID), zap.String("status", string(call.Status)))
	}
	return closed
}

func (r *Relay) userOf(from presence.Handle) (string, error) {
	userID, ok := r.presence.UserOf(from.ID())
	if !ok {
		return "", fmt.Errorf("%w: handle %s has no registered user", model.ErrValidation, from.ID())
	}
	return userID, nil
}

// apply runs ev against the stored call on behalf of userID, who must be one
// of its parties.
func (r *Relay) apply(ctx context.Context, callID int64, userID string, ev event) (model.Call, error) {
	current, err := r.calls.GetCall(ctx, callID)
	if err != nil {
		return model.Call{}, err
	}
	if !current.Party(userID) {
		return model.Call{}, fmt.Errorf("%w: %s is not a party to call %d", model.ErrValidation, userID, callID)
	}
	next, err := transition(current, ev, r.now().UTC())
	if err != nil {
		return model.Call{}, err
	}
	if err := r.calls.UpdateCall(ctx, next, current.Status); err != nil {
		if errors.Is(err, model.ErrIllegalTransition) || errors.Is(err, model.ErrNotFound) {
			return model.Call{}, err
		}
		return model.Call{}, fmt.Errorf("%w: update call: %v", model.ErrPersistence, err)
	}

	if next.Status.Closed() {
		r.untrack(next.ID)
	} else {
		r.track(next)
	}
	return next, nil
}

func (r *Relay) track(c model.Call) {
	r.mu.Lock()
	r.active[c.ID] = c
	r.mu.Unlock()
}

func (r *Relay) untrack(id int64) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *Relay) forward(handleID, event string, payload any) bool {
	h, ok := r.presence.LookupHandle(handleID)
	if !ok {
		r.log.Debug("target handle not live", zap.String("event", event), zap.String("handle", handleID))
		return false
	}
	return r.notify(h, event, payload)
}

func (r *Relay) notify(h presence.Handle, event string, payload any) bool {
	if err := h.Send(event, payload); err != nil {
		r.log.Warn("signal delivery failed", zap.String("event", event), zap.String("handle", h.ID()), zap.Error(err))
		return false
	}
	return true
}
