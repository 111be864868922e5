package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/fixly/dispatch/internal/metrics"
	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/push"
	"github.com/fixly/dispatch/internal/repository"
)

// ─── AcceptService ──────────────────────────────────────────

// AcceptService resolves provider actions on offers: accept, decline, seen.
//
// Acceptance is first-accepted-wins. The store's TryAccept runs as one
// serializable transaction; this layer adds the per-booking lock (so side
// effects stay ordered against the dispatcher), retries serialization
// conflicts, and fans out the notifications for the winner and the losers.
type AcceptService struct {
	cfg      AcceptConfig
	bookings BookingStore
	offers   OfferStore
	index    *EligibilityService
	push     Pusher
	voice    VoiceNotifier
	locks    *KeyedMutex

	now func() time.Time
}

// AcceptConfig carries the acceptance tunables.
type AcceptConfig struct {
	// RetryMax bounds TryAccept attempts on serialization conflicts.
	RetryMax uint
}

// NewAcceptService wires the resolver.
func NewAcceptService(
	cfg AcceptConfig,
	bookings BookingStore,
	offers OfferStore,
	index *EligibilityService,
	pusher Pusher,
	voice VoiceNotifier,
	locks *KeyedMutex,
) *AcceptService {
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	return &AcceptService{
		cfg:      cfg,
		bookings: bookings,
		offers:   offers,
		index:    index,
		push:     pusher,
		voice:    voice,
		locks:    locks,
		now:      time.Now,
	}
}

// Accept attempts to win the booking for the provider via the given offer.
//
// Outcomes map to sentinels:
//   - nil: this provider won; the booking is assigned.
//   - ErrAlreadyAssigned: another provider won first (losing a race is not
//     an error condition for the booking, only for this caller).
//   - ErrOfferExpired: the offer TTL or the booking passed; also returned
//     when the booking was cancelled under the provider.
//   - ErrNotFound: no such offer, or the offer belongs to someone else.
//
// Duplicate accepts by the winner return ErrAlreadyAssigned deterministically
// rather than succeeding twice.
func (s *AcceptService) Accept(ctx context.Context, providerID, offerID string) (*model.Booking, error) {
	offer, err := s.offers.Get(ctx, offerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrUnavailable
	}
	// Acting on someone else's offer is indistinguishable from a missing one.
	if offer.ProviderID != providerID {
		return nil, ErrNotFound
	}

	unlock := s.locks.Lock(offer.BookingID)
	defer unlock()

	var res *repository.AcceptResult
	err = retry.Do(
		func() error {
			var tryErr error
			res, tryErr = s.offers.TryAccept(ctx, offerID, providerID, s.now())
			return tryErr
		},
		retry.RetryIf(func(err error) bool { return errors.Is(err, repository.ErrTxConflict) }),
		retry.Attempts(s.cfg.RetryMax),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.RandomDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		if errors.Is(err, repository.ErrTxConflict) {
			// Conflicts that survive all retries mean someone else is
			// winning this booking right now.
			return nil, ErrAlreadyAssigned
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrUnavailable
	}

	switch res.Outcome {
	case repository.OutcomeAccepted:
		s.announceAssignment(ctx, res)
		return res.Booking, nil
	case repository.OutcomeAlreadyAssigned:
		if res.Booking != nil && res.Booking.Status == model.BookingCancelled {
			return nil, ErrOfferExpired
		}
		return nil, ErrAlreadyAssigned
	case repository.OutcomeExpired:
		return nil, ErrOfferExpired
	default:
		return nil, ErrNotFound
	}
}

// announceAssignment emits the winner-side effects: booking.assigned to the
// customer and the order room, offer.expired to every loser, voice teardown.
func (s *AcceptService) announceAssignment(ctx context.Context, res *repository.AcceptResult) {
	b, winner := res.Booking, res.Offer
	metrics.OffersResolved.WithLabelValues(string(model.OfferAccepted)).Inc()
	metrics.BookingsResolved.WithLabelValues("assigned").Inc()
	log.Printf("[accept] booking %s assigned to %s (offer %s, %d losers cancelled)",
		b.ID, winner.ProviderID, winner.ID, len(res.Cancelled))

	providerName := winner.ProviderID
	if p, err := s.index.ProviderSnapshot(ctx, winner.ProviderID); err == nil {
		providerName = p.Name
	}

	assigned := push.BookingAssignedData{
		BookingID:    b.ID,
		ProviderID:   winner.ProviderID,
		ProviderName: providerName,
		EtaMin:       winner.TravelMinutes,
	}
	s.push.SendToUser(b.CustomerID, push.TypeBookingAssigned, assigned)
	s.push.Broadcast(push.RoomOrder(b.ID), push.TypeBookingAssigned, assigned)

	for _, o := range res.Cancelled {
		metrics.OffersResolved.WithLabelValues(string(model.OfferCancelled)).Inc()
		s.push.SendToUser(o.ProviderID, push.TypeOfferExpired, push.OfferExpiredData{
			OfferID:   o.ID,
			BookingID: o.BookingID,
			Reason:    "cancelled",
		})
	}

	if err := s.voice.CancelForBooking(ctx, b.ID); err != nil {
		log.Printf("[voice] booking %s: cancel calls: %v", b.ID, err)
	}
}

// Decline records the provider turning an offer down. Declining an already
// declined offer is a no-op; declining a terminal offer in any other state
// returns ErrOfferExpired.
func (s *AcceptService) Decline(ctx context.Context, providerID, offerID, reason string) error {
	offer, err := s.offers.Get(ctx, offerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return ErrUnavailable
	}
	if offer.ProviderID != providerID {
		return ErrNotFound
	}

	unlock := s.locks.Lock(offer.BookingID)
	defer unlock()

	if err := s.offers.Decline(ctx, offerID, providerID, reason); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, repository.ErrInvalidTransition):
			return ErrOfferExpired
		default:
			return ErrUnavailable
		}
	}
	metrics.OffersResolved.WithLabelValues(string(model.OfferDeclined)).Inc()
	return nil
}

// MarkSeen flips a sent offer to seen. Any other starting state is a no-op;
// seen never un-happens and terminal states stay terminal.
func (s *AcceptService) MarkSeen(ctx context.Context, providerID, offerID string) error {
	if err := s.offers.MarkSeen(ctx, offerID, providerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return ErrUnavailable
	}
	return nil
}

// ActiveOffers returns the provider's live offers for reconnect catch-up.
func (s *AcceptService) ActiveOffers(ctx context.Context, providerID string) ([]model.Offer, error) {
	offers, err := s.offers.ListByProvider(ctx, providerID, []model.OfferState{model.OfferSent, model.OfferSeen})
	if err != nil {
		return nil, ErrUnavailable
	}
	now := s.now()
	live := offers[:0]
	for _, o := range offers {
		if o.Live(now) {
			live = append(live, o)
		}
	}
	return live, nil
}
