package main

import (
	"net/http"

	"go.uber.org/zap"
)

// read marks the chat read for the caller, like the message-read event does
// over the websocket.
func (a *api) read(w http.ResponseWriter, r *http.Request) {
	chat, claims, ok := a.memberChat(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	if err := a.store.MarkRead(r.Context(), chat.ID, claims.UserID); err != nil {
		a.log.Error("failed to mark read", zap.String("chat", chat.ID), zap.Error(err))
		http.Error(w, "Failed to mark messages read", http.StatusInternalServerError)
		return
	}
	if err := a.store.ResetUnread(r.Context(), chat.ID, claims.UserID); err != nil {
		a.log.Error("failed to reset unread", zap.String("chat", chat.ID), zap.Error(err))
		http.Error(w, "Failed to reset unread count", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
