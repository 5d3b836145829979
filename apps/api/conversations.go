package main

import (
	"cmp"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/model"
)

type ChatView struct {
	ID          string   `json:"_id"`
	Members     []string `json:"members"`
	IsGroupChat bool     `json:"isGroupChat"`
	GroupName   string   `json:"groupName,omitempty"`
	LastMessage int64    `json:"lastMessage,string,omitempty"`
	LastCall    int64    `json:"lastCall,string,omitempty"`
	UnreadCount int64    `json:"unread_count"`
}

func viewOf(chat model.Chat, userID string) ChatView {
	return ChatView{
		ID:          chat.ID,
		Members:     chat.Members,
		IsGroupChat: chat.IsGroupChat,
		GroupName:   chat.GroupName,
		LastMessage: chat.LastMessage,
		LastCall:    chat.LastCall,
		UnreadCount: chat.Unread[userID],
	}
}

// CreateChatRequest lists the other members; the caller is always added.
type CreateChatRequest struct {
	Members     []string `json:"members" validate:"required,min=1,dive,required"`
	IsGroupChat bool     `json:"isGroupChat"`
	GroupName   string   `json:"groupName" validate:"required_if=IsGroupChat true"`
}

// directChatID names the one-to-one chat of two users independently of who
// opened it.
func directChatID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// conversations lists the caller's chats, most recent activity first.
func (a *api) conversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chats, err := a.store.ChatsByUser(r.Context(), claims.UserID)
	if err != nil {
		a.log.Error("failed to list chats", zap.String("user", claims.UserID), zap.Error(err))
		http.Error(w, "Failed to retrieve conversations", http.StatusInternalServerError)
		return
	}
	slices.SortStableFunc(chats, func(x, y model.Chat) int {
		return cmp.Compare(max(y.LastMessage, y.LastCall), max(x.LastMessage, x.LastCall))
	})

	writeJSON(w, http.StatusOK, lo.Map(chats, func(c model.Chat, _ int) ChatView {
		return viewOf(c, claims.UserID)
	}))
}

// createChat opens a chat. A one-to-one chat that already exists is returned
// as is with 200.
func (a *api) createChat(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		http.Error(w, "Invalid chat: "+err.Error(), http.StatusBadRequest)
		return
	}

	chat := model.Chat{
		Members:     lo.Uniq(append([]string{claims.UserID}, req.Members...)),
		IsGroupChat: req.IsGroupChat,
		CreatedAt:   time.Now().UTC(),
	}
	if chat.IsGroupChat {
		chat.ID = "group:" + uuid.NewString()
		chat.GroupName = req.GroupName
	} else {
		if len(chat.Members) != 2 {
			http.Error(w, "A direct chat has exactly one other member", http.StatusBadRequest)
			return
		}
		chat.ID = directChatID(chat.Members[0], chat.Members[1])

		existing, err := a.store.GetChat(r.Context(), chat.ID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, viewOf(existing, claims.UserID))
			return
		case !errors.Is(err, model.ErrNotFound):
			a.log.Error("failed to load chat", zap.String("chat", chat.ID), zap.Error(err))
			http.Error(w, "Failed to create chat", http.StatusInternalServerError)
			return
		}
	}

	if err := a.store.PutChat(r.Context(), chat); err != nil {
		a.log.Error("failed to save chat", zap.String("chat", chat.ID), zap.Error(err))
		http.Error(w, "Failed to create chat", http.StatusInternalServerError)
		return
	}
	a.log.Info("chat created", zap.String("chat", chat.ID), zap.String("by", claims.UserID), zap.Int("members", len(chat.Members)))
	writeJSON(w, http.StatusCreated, viewOf(chat, claims.UserID))
}

// chat returns the chat with the unread count of the caller only.
func (a *api) chat(w http.ResponseWriter, r *http.Request) {
	chat, claims, ok := a.memberChat(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(chat, claims.UserID))
}
