package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/model"
)

type CallView struct {
	model.Call
	Duration string `json:"duration,omitempty"`
}

// calls lists the call history of the caller, newest first. A user_id
// parameter naming somebody else is refused.
func (a *api) calls(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = claims.UserID
	}
	if userID != claims.UserID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	calls, err := a.store.CallsByUser(r.Context(), userID)
	if err != nil {
		a.log.Error("failed to list calls", zap.String("user", userID), zap.Error(err))
		http.Error(w, "Failed to retrieve calls", http.StatusInternalServerError)
		return
	}

	out := make([]CallView, 0, len(calls))
	for _, c := range calls {
		out = append(out, CallView{Call: c, Duration: c.Duration()})
	}
	writeJSON(w, http.StatusOK, out)
}
