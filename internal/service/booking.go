package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fixly/dispatch/internal/auth"
	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/push"
	"github.com/fixly/dispatch/internal/repository"
)

// ErrInvalidInput wraps request validation failures.
var ErrInvalidInput = errors.New("dispatch: invalid input")

// ─── BookingService ─────────────────────────────────────────

// BookingService is the intake and read side of bookings. Dispatch itself
// never starts here; the dispatcher loop picks new bookings up on its next
// tick, which keeps intake fast and crash-safe.
type BookingService struct {
	bookings  BookingStore
	offers    OfferStore
	providers ProviderStore
	push      Pusher

	now func() time.Time
}

// NewBookingService wires the intake path.
func NewBookingService(bookings BookingStore, offers OfferStore, providers ProviderStore, pusher Pusher) *BookingService {
	return &BookingService{
		bookings:  bookings,
		offers:    offers,
		providers: providers,
		push:      pusher,
		now:       time.Now,
	}
}

// Create validates and persists a new booking in state pending.
func (s *BookingService) Create(ctx context.Context, b *model.Booking) (*model.Booking, error) {
	if b.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer id required", ErrInvalidInput)
	}
	if b.ServiceKind == "" {
		return nil, fmt.Errorf("%w: service kind required", ErrInvalidInput)
	}
	if !b.Location.Valid() {
		return nil, fmt.Errorf("%w: location out of bounds", ErrInvalidInput)
	}
	if b.PriceCents < 0 {
		return nil, fmt.Errorf("%w: negative price", ErrInvalidInput)
	}

	switch b.Kind {
	case model.KindInstant:
		b.ScheduledFor = nil
	case model.KindScheduled:
		if b.ScheduledFor == nil {
			return nil, fmt.Errorf("%w: scheduled booking needs a time slot", ErrInvalidInput)
		}
		if !b.ScheduledFor.After(s.now()) {
			return nil, fmt.Errorf("%w: time slot is in the past", ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: unknown booking kind %q", ErrInvalidInput, b.Kind)
	}

	if b.Urgency == "" {
		b.Urgency = model.UrgencyNormal
	}

	if err := s.bookings.Create(ctx, b); err != nil {
		return nil, ErrUnavailable
	}
	log.Printf("[booking] created %s kind=%s urgency=%s", b.ID, b.Kind, b.Urgency)
	return b, nil
}

// Get fetches a booking visible to the caller: its customer, its assigned
// provider, any provider holding an offer on it, or an admin.
func (s *BookingService) Get(ctx context.Context, ident *auth.Identity, id string) (*model.Booking, error) {
	b, err := s.bookings.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrUnavailable
	}
	if err := s.Authorize(ctx, ident, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Authorize decides whether the identity may read the booking and its order
// room. Providers who were offered the booking keep read access until the
// offer resolves against them.
func (s *BookingService) Authorize(ctx context.Context, ident *auth.Identity, b *model.Booking) error {
	switch {
	case ident.Role == model.RoleAdmin:
		return nil
	case b.CustomerID == ident.UserID:
		return nil
	case b.AssignedProviderID != nil && *b.AssignedProviderID == ident.UserID:
		return nil
	}
	if ident.Role.IsProvider() {
		offers, err := s.offers.ListByProvider(ctx, ident.UserID, []model.OfferState{model.OfferSent, model.OfferSeen})
		if err != nil {
			return ErrUnavailable
		}
		for _, o := range offers {
			if o.BookingID == b.ID {
				return nil
			}
		}
	}
	// Hiding the booking beats confirming its existence.
	return ErrNotFound
}

// ReportLocation ingests a live provider fix while on an assigned job and
// relays it into the order room. Only the assigned provider may report.
func (s *BookingService) ReportLocation(
	ctx context.Context,
	providerID, bookingID string,
	loc model.Location,
	accuracy float64,
	freshness time.Duration,
) error {
	if !loc.Valid() {
		return fmt.Errorf("%w: location out of bounds", ErrInvalidInput)
	}

	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return ErrUnavailable
	}
	if b.AssignedProviderID == nil || *b.AssignedProviderID != providerID {
		return ErrNotFound
	}

	if err := s.providers.UpdateLocation(ctx, providerID, loc, freshness); err != nil {
		return ErrUnavailable
	}

	s.push.Broadcast(push.RoomOrder(bookingID), push.TypeProviderLocation, push.ProviderLocationData{
		BookingID:  bookingID,
		ProviderID: providerID,
		Lat:        loc.Lat,
		Lon:        loc.Lon,
		Accuracy:   accuracy,
	})
	return nil
}
