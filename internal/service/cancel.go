package service

import (
	"context"
	"errors"
	"log"

	"github.com/fixly/dispatch/internal/metrics"
	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/push"
	"github.com/fixly/dispatch/internal/repository"
)

// ─── CancelService ──────────────────────────────────────────

// CancelService handles customer-initiated booking cancellation.
//
// Cancellation races acceptance on the booking row: whichever commits first
// wins, and the loser observes the new state. Re-cancelling a cancelled
// booking is a no-op success.
type CancelService struct {
	bookings BookingStore
	offers   OfferStore
	push     Pusher
	voice    VoiceNotifier
	locks    *KeyedMutex
}

// NewCancelService wires the cancellation path.
func NewCancelService(
	bookings BookingStore,
	offers OfferStore,
	pusher Pusher,
	voice VoiceNotifier,
	locks *KeyedMutex,
) *CancelService {
	return &CancelService{
		bookings: bookings,
		offers:   offers,
		push:     pusher,
		voice:    voice,
		locks:    locks,
	}
}

// Cancel moves the booking to cancelled and tears the search down: every
// live offer is cancelled, each affected provider is told, pending voice
// calls are withdrawn, and the order room hears the status change.
func (s *CancelService) Cancel(ctx context.Context, bookingID, byUserID string) (*model.Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, changed, err := s.bookings.Cancel(ctx, bookingID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrInvalidTransition):
			return nil, ErrCannotCancel
		default:
			return nil, ErrUnavailable
		}
	}
	if !changed {
		// Terminal already. Cancelled twice is success; anything else is not.
		if b.Status == model.BookingCancelled {
			return b, nil
		}
		return nil, ErrCannotCancel
	}

	metrics.BookingsResolved.WithLabelValues("cancelled").Inc()
	log.Printf("[cancel] booking %s cancelled by %s", bookingID, byUserID)

	cancelled, err := s.offers.CancelForBooking(ctx, bookingID)
	if err != nil {
		log.Printf("[cancel] booking %s: cancel offers: %v", bookingID, err)
	}
	for _, o := range cancelled {
		metrics.OffersResolved.WithLabelValues(string(model.OfferCancelled)).Inc()
		s.push.SendToUser(o.ProviderID, push.TypeOfferExpired, push.OfferExpiredData{
			OfferID:   o.ID,
			BookingID: o.BookingID,
			Reason:    "cancelled",
		})
	}

	if err := s.voice.CancelForBooking(ctx, bookingID); err != nil {
		log.Printf("[voice] booking %s: cancel calls: %v", bookingID, err)
	}

	s.push.Broadcast(push.RoomOrder(bookingID), push.TypeOrderStatus, push.OrderStatusData{
		BookingID: bookingID,
		Status:    string(model.BookingCancelled),
		UpdatedAt: b.UpdatedAt,
		By:        byUserID,
	})
	return b, nil
}
