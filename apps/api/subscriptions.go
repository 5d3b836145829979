package main

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/model"
)

// subscribe stores the caller's push credential, replacing any earlier one.
func (a *api) subscribe(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var sub model.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(sub); err != nil {
		http.Error(w, "Invalid subscription: "+err.Error(), http.StatusBadRequest)
		return
	}
	sub.UserID = claims.UserID
	sub.CreatedAt = time.Now().UTC()

	if err := a.store.PutSubscription(r.Context(), sub); err != nil {
		a.log.Error("failed to save subscription", zap.String("user", sub.UserID), zap.Error(err))
		http.Error(w, "Failed to save subscription", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}
