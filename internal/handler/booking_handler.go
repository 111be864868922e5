package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fixly/dispatch/internal/middleware"
	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/service"
)

// BookingHandler handles booking HTTP requests.
type BookingHandler struct {
	bookingSvc *service.BookingService
	cancelSvc  *service.CancelService
}

// NewBookingHandler creates a new booking handler.
func NewBookingHandler(bookingSvc *service.BookingService, cancelSvc *service.CancelService) *BookingHandler {
	return &BookingHandler{bookingSvc: bookingSvc, cancelSvc: cancelSvc}
}

// createBookingRequest is the POST body for a new booking.
type createBookingRequest struct {
	ServiceKind   string     `json:"serviceKind"`
	Kind          string     `json:"kind"`
	Urgency       string     `json:"urgency"`
	Lat           float64    `json:"lat"`
	Lon           float64    `json:"lon"`
	Address       string     `json:"address"`
	ScheduledFor  *time.Time `json:"scheduledFor,omitempty"`
	PriceCents    int        `json:"price"`
	PaymentMethod string     `json:"paymentMethod"`
	Notes         string     `json:"notes"`
}

// Create handles POST /api/v1/bookings
//
// Persists a new booking in state pending; the dispatcher picks it up on
// its next tick (instant bookings immediately, scheduled ones when the
// lead time arrives).
//
// Response codes:
//
//	201  — Booking created (returns the booking)
//	400  — Malformed body or invalid fields
//	500  — Unexpected error
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	ident := middleware.Identity(r)

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid body: expected JSON",
		})
		return
	}

	b := &model.Booking{
		CustomerID:    ident.UserID,
		ServiceKind:   req.ServiceKind,
		Kind:          model.BookingKind(req.Kind),
		Urgency:       model.Urgency(req.Urgency),
		Location:      model.Location{Lat: req.Lat, Lon: req.Lon, Address: req.Address},
		ScheduledFor:  req.ScheduledFor,
		PriceCents:    req.PriceCents,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	}

	created, err := h.bookingSvc.Create(r.Context(), b)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid_input",
				"message": err.Error(),
			})
			return
		}
		log.Printf("[handler] create booking error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// Get handles GET /api/v1/bookings/{id}
//
// Returns the booking with its dispatch attributes (status, radius history,
// assignment). Visible to its customer, providers holding an offer on it,
// the assigned provider, and admins.
//
// Response codes:
//
//	200  — Booking found
//	404  — No such booking, or not visible to the caller
//	500  — Unexpected error
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	ident := middleware.Identity(r)
	id := mux.Vars(r)["id"]

	b, err := h.bookingSvc.Get(r.Context(), ident, id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Booking not found.",
			})
		default:
			log.Printf("[handler] get booking error: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal_error",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, b)
}

// Cancel handles POST /api/v1/bookings/{id}/cancel
//
// Cancels a booking and tears down its search. Cancelling an already
// cancelled booking succeeds without effect.
//
// Response codes:
//
//	200  — Cancelled (or was already cancelled)
//	404  — No such booking, or not the caller's
//	409  — Booking is past the point of cancellation
//	500  — Unexpected error
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ident := middleware.Identity(r)
	id := mux.Vars(r)["id"]

	// Only the owning customer or an admin may cancel.
	b, err := h.bookingSvc.Get(r.Context(), ident, id)
	if err == nil && ident.Role != model.RoleAdmin && b.CustomerID != ident.UserID {
		err = service.ErrNotFound
	}
	if err == nil {
		b, err = h.cancelSvc.Cancel(r.Context(), id, ident.UserID)
	}
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Booking not found.",
			})
		case errors.Is(err, service.ErrCannotCancel):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "cannot_cancel",
				"message": "This booking can no longer be cancelled.",
			})
		default:
			log.Printf("[handler] cancel booking error: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal_error",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, b)
}
