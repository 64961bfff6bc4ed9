package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for entitlement inspection
type Handler struct {
	config Config
}

// GetEntitlement returns the requesting user's effective entitlement and
// feature limits. Lapsed grants are reported as expired without waiting for
// the stored record to catch up.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	eff, err := h.config.Manager.Effective(r.Context(), userID)
	if err != nil {
		h.config.Logger.Error("Failed to read entitlement",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err},
		)
		h.handleError(w, r, fmt.Errorf("failed to get entitlement"), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, h.buildResponse(userID, eff))
}

// ServeHTTP makes Handler an http.Handler serving GetEntitlement.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.GetEntitlement(w, r)
}

func (h *Handler) buildResponse(userID string, eff entitlement.EffectiveSubscription) EntitlementResponse {
	persisted := eff.Persisted
	resp := EntitlementResponse{
		UserID:          userID,
		Tier:            persisted.Tier,
		EffectiveTier:   eff.Tier(),
		Status:          eff.Status(),
		PersistedStatus: persisted.Status,
		PreviousTier:    persisted.PreviousTier,
		Limits:          h.config.Manager.Calculator().LimitsFor(eff.Subscription),
	}
	// Free never expires: an EndDate left behind by a revoke is not reported.
	if persisted.Tier.Paid() && persisted.EndDate != nil {
		end := *persisted.EndDate
		resp.EndDate = &end
	}
	return resp
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // response already committed
	_ = json.NewEncoder(w).Encode(body)
}
