package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/store"
)

const defaultHistoryLimit = 50

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// memberChat loads chatID and checks the authenticated user belongs to it.
// It writes the error response itself and reports whether to continue.
func (a *api) memberChat(w http.ResponseWriter, r *http.Request, chatID string) (model.Chat, *auth.Claims, bool) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return model.Chat{}, nil, false
	}
	if chatID == "" {
		http.Error(w, "chat id is required", http.StatusBadRequest)
		return model.Chat{}, nil, false
	}

	chat, err := a.store.GetChat(r.Context(), chatID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "Chat not found", http.StatusNotFound)
		return model.Chat{}, nil, false
	case err != nil:
		a.log.Error("failed to load chat", zap.String("chat", chatID), zap.Error(err))
		http.Error(w, "Failed to load chat", http.StatusInternalServerError)
		return model.Chat{}, nil, false
	}
	if !chat.HasMember(claims.UserID) {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return model.Chat{}, nil, false
	}
	return chat, claims, true
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	chat, _, ok := a.memberChat(w, r, r.URL.Query().Get("chat_id"))
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := a.store.Messages(r.Context(), chat.ID, limit)
	if err != nil {
		a.log.Error("failed to list messages", zap.String("chat", chat.ID), zap.Error(err))
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}

	out := make([]model.PopulatedMessage, 0, len(messages))
	for _, m := range messages {
		p, err := store.Populate(r.Context(), a.store, a.store, m)
		if err != nil {
			a.log.Warn("failed to populate message", zap.Int64("message", m.ID), zap.Error(err))
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

type LoginRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Name   string `json:"name"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// login issues a development token and creates the user record on first use.
func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if _, err := a.store.GetUser(r.Context(), req.UserID); errors.Is(err, model.ErrNotFound) {
		name := req.Name
		if name == "" {
			name = req.UserID
		}
		if err := a.store.PutUser(r.Context(), model.User{ID: req.UserID, Name: name}); err != nil {
			a.log.Error("failed to create user", zap.String("user", req.UserID), zap.Error(err))
			http.Error(w, "Failed to create user", http.StatusInternalServerError)
			return
		}
	}

	token, err := a.tokens.GenerateToken(req.UserID)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}
