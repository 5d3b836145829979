package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// OnlineLister answers which users have a live connection in a chat room.
type OnlineLister interface {
	Members(ctx context.Context, chatID string) ([]string, error)
}

func (a *api) presence(w http.ResponseWriter, r *http.Request) {
	chat, _, ok := a.memberChat(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	users, err := a.online.Members(r.Context(), chat.ID)
	if err != nil {
		a.log.Error("failed to fetch presence", zap.String("chat", chat.ID), zap.Error(err))
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, users)
}
