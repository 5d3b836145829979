// Package presence tracks which users currently hold a live connection.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/store"
)

// Handle is a live connection able to receive outbound events.
type Handle interface {
	ID() string
	Send(event string, payload any) error
}

type registration struct {
	userID string
	handle Handle
}

// Registry maps users to their current handle and handle ids back to users.
// All operations are per-key atomic; there is no registry-wide lock. A user
// has at most one handle: the latest Register wins.
type Registry struct {
	byUser   sync.Map // userID -> Handle
	byHandle sync.Map // handleID -> registration

	users store.UserStore
	log   *zap.Logger
	now   func() time.Time
}

func NewRegistry(users store.UserStore, log *zap.Logger) *Registry {
	return &Registry{users: users, log: log, now: time.Now}
}

// Register binds userID to h and marks the user online. Registering the same
// pair twice is harmless; a different handle replaces the previous one.
func (r *Registry) Register(ctx context.Context, userID string, h Handle) error {
	if prev, loaded := r.byUser.Swap(userID, h); loaded && prev != h {
		r.log.Debug("replacing stale handle", zap.String("user", userID), zap.String("old", prev.(Handle).ID()), zap.String("new", h.ID()))
	}
	r.byHandle.Store(h.ID(), registration{userID: userID, handle: h})

	if err := r.users.SetPresence(ctx, userID, true, time.Time{}); err != nil {
		r.log.Error("failed to mark user online", zap.String("user", userID), zap.Error(err))
		return fmt.Errorf("mark %s online: %w", userID, err)
	}
	return nil
}

// Lookup returns the live handle of userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	v, ok := r.byUser.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(Handle), true
}

// LookupHandle resolves a handle id, as carried in targetHandle fields.
func (r *Registry) LookupHandle(handleID string) (Handle, bool) {
	v, ok := r.byHandle.Load(handleID)
	if !ok {
		return nil, false
	}
	return v.(registration).handle, true
}

// UserOf returns the user a handle was registered for.
func (r *Registry) UserOf(handleID string) (string, bool) {
	v, ok := r.byHandle.Load(handleID)
	if !ok {
		return "", false
	}
	return v.(registration).userID, true
}

// Unregister forgets h. The user goes offline only if h was still its current
// handle; a newer connection of the same user stays registered.
func (r *Registry) Unregister(ctx context.Context, h Handle) (userID string, offline bool, err error) {
	v, ok := r.byHandle.LoadAndDelete(h.ID())
	if !ok {
		return "", false, nil
	}
	userID = v.(registration).userID
	if !r.byUser.CompareAndDelete(userID, h) {
		return userID, false, nil
	}

	if err := r.users.SetPresence(ctx, userID, false, r.now().UTC()); err != nil {
		r.log.Error("failed to mark user offline", zap.String("user", userID), zap.Error(err))
		return userID, true, fmt.Errorf("mark %s offline: %w", userID, err)
	}

	// A Register that landed between the delete and the offline write has
	// been overwritten in the store; put its online flag back.
	if _, back := r.byUser.Load(userID); back {
		if err := r.users.SetPresence(ctx, userID, true, time.Time{}); err != nil {
			r.log.Error("failed to restore online flag", zap.String("user", userID), zap.Error(err))
			return userID, false, fmt.Errorf("mark %s online: %w", userID, err)
		}
		return userID, false, nil
	}
	r.log.Info("user offline", zap.String("user", userID))
	return userID, true, nil
}
