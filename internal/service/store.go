// Package service contains the core dispatch logic: eligibility ranking,
// the dispatcher loop, acceptance resolution, cancellation, and the voice
// notifier gateway.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/repository"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	// ErrNotFound is returned for a missing booking or offer, or for an
	// offer the acting provider does not own (indistinguishable on purpose).
	ErrNotFound = errors.New("dispatch: not found")

	// ErrAlreadyAssigned is returned when the booking has a winner already.
	ErrAlreadyAssigned = errors.New("dispatch: booking already assigned")

	// ErrOfferExpired is returned when the offer TTL or the booking's
	// global deadline has passed, or the booking was torn down.
	ErrOfferExpired = errors.New("dispatch: offer expired")

	// ErrCannotCancel is returned when the booking is past cancellation.
	ErrCannotCancel = errors.New("dispatch: booking cannot be cancelled")

	// ErrUnavailable is returned for transient store failures; retry later.
	ErrUnavailable = errors.New("dispatch: temporarily unavailable")
)

// ─── Store contracts ────────────────────────────────────────
//
// The repositories implement these; tests substitute in-memory fakes.
// All operations are synchronous and atomic from the core's viewpoint.

// BookingStore is the durable booking record.
type BookingStore interface {
	Create(ctx context.Context, b *model.Booking) error
	Get(ctx context.Context, id string) (*model.Booking, error)
	BeginSearch(ctx context.Context, id string, radiusKm float64, deadline time.Time) error
	SetRadiusAndWave(ctx context.Context, id string, radiusKm float64, wave int, entry model.RadiusExpansion) error
	AddPendingOffers(ctx context.Context, id string, delta int) error
	MarkNoProviders(ctx context.Context, id string) error
	// Cancel is idempotent on terminal bookings; changed reports whether
	// this call performed the transition.
	Cancel(ctx context.Context, id string) (b *model.Booking, changed bool, err error)
	ListNeedingAttention(ctx context.Context, now time.Time, leadTime time.Duration) ([]*model.Booking, error)
}

// OfferStore is the durable offer record with the atomic accept.
type OfferStore interface {
	Create(ctx context.Context, o *model.Offer) error
	Get(ctx context.Context, id string) (*model.Offer, error)
	ExpireDue(ctx context.Context, now time.Time) ([]model.Offer, error)
	TryAccept(ctx context.Context, offerID, providerID string, now time.Time) (*repository.AcceptResult, error)
	Decline(ctx context.Context, offerID, providerID, reason string) error
	MarkSeen(ctx context.Context, offerID, providerID string) error
	CancelForBooking(ctx context.Context, bookingID string) ([]model.Offer, error)
	ListActive(ctx context.Context, bookingID string) ([]model.Offer, error)
	ListByProvider(ctx context.Context, providerID string, states []model.OfferState) ([]model.Offer, error)
}

// ProviderStore is the read-only provider projection plus location ingestion.
type ProviderStore interface {
	FindEligible(ctx context.Context, crit model.DispatchCriteria, freshness time.Duration) ([]repository.EligibleRow, error)
	GetForDispatch(ctx context.Context, id string) (*model.ProviderProfile, error)
	UpdateLocation(ctx context.Context, id string, loc model.Location, freshness time.Duration) error
}

// Pusher is the outbound side of the push bus.
type Pusher interface {
	SendToUser(userID, msgType string, data interface{}) bool
	Broadcast(room, msgType string, data interface{})
}

// VoiceNotifier is the outbound voice-call contract. Submission is
// fire-and-forget from the dispatcher's viewpoint; retry policy belongs to
// the notifier.
type VoiceNotifier interface {
	SubmitOffer(ctx context.Context, call model.CallRequest, prefs model.VoicePreferences) error
	CancelForBooking(ctx context.Context, bookingID string) error
}
