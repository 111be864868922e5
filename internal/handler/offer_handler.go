package handler

import (
	"log"
	"net/http"

	"github.com/fixly/dispatch/internal/middleware"
	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/service"
)

// OfferHandler handles provider-facing offer HTTP requests. Providers act on
// offers over the websocket; this REST surface exists for reconnect
// reconciliation, when a client needs to re-read its live offers after
// missing pushed frames.
type OfferHandler struct {
	acceptSvc *service.AcceptService
}

// NewOfferHandler creates a new offer handler.
func NewOfferHandler(acceptSvc *service.AcceptService) *OfferHandler {
	return &OfferHandler{acceptSvc: acceptSvc}
}

// List handles GET /api/v1/offers
//
// Returns the calling provider's live (sent or seen) offers.
//
// Response codes:
//
//	200  — Offers returned (possibly an empty list)
//	403  — Caller is not a provider
//	500  — Unexpected error
func (h *OfferHandler) List(w http.ResponseWriter, r *http.Request) {
	ident := middleware.Identity(r)
	if !ident.Role.IsProvider() {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":   "forbidden",
			"message": "Only providers have offers.",
		})
		return
	}

	offers, err := h.acceptSvc.ActiveOffers(r.Context(), ident.UserID)
	if err != nil {
		log.Printf("[handler] list offers error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}
	if offers == nil {
		offers = []model.Offer{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"offers": offers})
}
