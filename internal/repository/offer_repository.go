package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fixly/dispatch/internal/model"
)

// ErrTxConflict is returned when a serializable transaction lost a conflict
// and may be retried by the caller.
var ErrTxConflict = errors.New("repository: transaction conflict")

// AcceptOutcome is the terminal result of a TryAccept call.
type AcceptOutcome string

const (
	OutcomeAccepted        AcceptOutcome = "accepted"
	OutcomeAlreadyAssigned AcceptOutcome = "already-assigned"
	OutcomeExpired         AcceptOutcome = "expired"
	OutcomeUnknown         AcceptOutcome = "unknown"
)

// AcceptResult carries everything post-commit side effects need: the updated
// booking, the winning offer, and every offer cancelled by the assignment.
type AcceptResult struct {
	Outcome   AcceptOutcome
	Booking   *model.Booking
	Offer     *model.Offer
	Cancelled []model.Offer // losing offers, for offer.expired pushes
}

const offerColumns = `
	id, booking_id, provider_id, state, priority,
	distance_km, travel_minutes, decline_reason, created_at, expires_at`

// OfferRepository is the durable offer store.
type OfferRepository struct {
	pool *pgxpool.Pool
}

// NewOfferRepository creates a new offer repository.
func NewOfferRepository(pool *pgxpool.Pool) *OfferRepository {
	return &OfferRepository{pool: pool}
}

// ─── Create ─────────────────────────────────────────────────

// Create inserts a new offer in state 'sent'. Fails with ErrDuplicate if a
// live offer already exists for the (booking, provider) pair — enforced by
// the partial unique index, so two racing waves cannot double-offer.
func (r *OfferRepository) Create(ctx context.Context, o *model.Offer) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.State = model.OfferSent

	err := r.pool.QueryRow(ctx, `
		INSERT INTO offers (
			id, booking_id, provider_id, state, priority,
			distance_km, travel_minutes, created_at, expires_at
		) VALUES ($1, $2, $3, 'sent', $4, $5, $6, $7, $8)
		RETURNING created_at
	`, o.ID, o.BookingID, o.ProviderID, o.Priority,
		o.DistanceKm, o.TravelMinutes, o.CreatedAt, o.ExpiresAt,
	).Scan(&o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("offer: insert: %w", err)
	}
	return nil
}

// Get fetches an offer by id.
func (r *OfferRepository) Get(ctx context.Context, id string) (*model.Offer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("offer: get %s: %w", id, err)
	}
	return o, nil
}

// ─── Expiry reaping ─────────────────────────────────────────

// ExpireDue atomically transitions every live offer with expires_at <= now
// to 'expired' and decrements the owning bookings' pending counters in the
// same transaction. Returns the transitioned offers so the dispatcher can
// notify the affected providers.
//
// An offer with expires_at exactly equal to now is expired.
func (r *OfferRepository) ExpireDue(ctx context.Context, now time.Time) ([]model.Offer, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("offer: expire begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE offers
		SET state = 'expired'
		WHERE state IN ('sent', 'seen') AND expires_at <= $1
		RETURNING `+offerColumns, now)
	if err != nil {
		return nil, fmt.Errorf("offer: expire due: %w", err)
	}
	expired, err := collectOffers(rows)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, tx.Commit(ctx)
	}

	// Decrement each booking's live-offer counter by the number reaped.
	perBooking := map[string]int{}
	for _, o := range expired {
		perBooking[o.BookingID]++
	}
	for bookingID, n := range perBooking {
		_, err := tx.Exec(ctx, `
			UPDATE bookings
			SET pending_offer_count = GREATEST(0, pending_offer_count - $2),
			    updated_at = now()
			WHERE id = $1
		`, bookingID, n)
		if err != nil {
			return nil, fmt.Errorf("offer: expire decrement %s: %w", bookingID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("offer: expire commit: %w", err)
	}
	return expired, nil
}

// ─── The Core Transactional Accept ──────────────────────────

// TryAccept performs the exactly-once assignment.
//
// Concurrency strategy: SERIALIZABLE transaction + FOR UPDATE locks.
//
//	Scenario: two providers accept the same booking within milliseconds.
//
//	Timeline:
//	  T1: BEGIN → SELECT booking FOR UPDATE → (booking row LOCKED)
//	  T2: BEGIN → SELECT booking FOR UPDATE → (BLOCKS, waiting for T1)
//	  T1: status OK → accept offer → assign booking → cancel rest → COMMIT
//	  T2: (unblocked) → re-reads booking → already assigned → already-assigned
//
// On serialization conflict the call returns ErrTxConflict; the acceptance
// resolver retries with backoff and treats the final conflict as
// already-assigned.
//
// Non-error outcomes are encoded in AcceptResult.Outcome; err is reserved
// for store failures.
func (r *OfferRepository) TryAccept(
	ctx context.Context,
	offerID string,
	providerID string,
	now time.Time,
) (*AcceptResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("accept: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// ── Step 1: Load and lock the offer ─────────────────
	row := tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, offerID)
	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &AcceptResult{Outcome: OutcomeUnknown}, nil
		}
		return nil, classifyTxErr("accept: lock offer", err)
	}
	if offer.ProviderID != providerID {
		// Not this provider's offer; indistinguishable from missing.
		return &AcceptResult{Outcome: OutcomeUnknown}, nil
	}

	// ── Step 2: Lock the booking row with write intent ──
	bRow := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, offer.BookingID)
	booking, err := scanBooking(bRow)
	if err != nil {
		return nil, classifyTxErr("accept: lock booking", err)
	}

	// ── Step 3: Re-validate under the lock ──────────────
	if booking.Status != model.BookingProviderSearch || booking.AssignedProviderID != nil {
		return &AcceptResult{Outcome: OutcomeAlreadyAssigned, Booking: booking}, nil
	}
	if !now.Before(offer.ExpiresAt) {
		return &AcceptResult{Outcome: OutcomeExpired, Offer: offer}, nil
	}
	if offer.State != model.OfferSent && offer.State != model.OfferSeen {
		switch offer.State {
		case model.OfferExpired, model.OfferDeclined:
			return &AcceptResult{Outcome: OutcomeExpired, Offer: offer}, nil
		default:
			return &AcceptResult{Outcome: OutcomeAlreadyAssigned, Booking: booking}, nil
		}
	}

	// ── Step 4: Assign ──────────────────────────────────
	_, err = tx.Exec(ctx, `UPDATE offers SET state = 'accepted' WHERE id = $1`, offerID)
	if err != nil {
		return nil, classifyTxErr("accept: mark offer", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'assigned',
		    assigned_provider_id = $2,
		    assignment_method = 'accepted',
		    matching_expires_at = NULL,
		    pending_offer_count = 0,
		    updated_at = now()
		WHERE id = $1
	`, booking.ID, providerID)
	if err != nil {
		return nil, classifyTxErr("accept: assign booking", err)
	}

	// ── Step 5: Cancel every other live offer ───────────
	rows, err := tx.Query(ctx, `
		UPDATE offers
		SET state = 'cancelled'
		WHERE booking_id = $1 AND id <> $2 AND state IN ('sent', 'seen')
		RETURNING `+offerColumns, booking.ID, offerID)
	if err != nil {
		return nil, classifyTxErr("accept: cancel losers", err)
	}
	cancelled, err := collectOffers(rows)
	if err != nil {
		return nil, err
	}

	// ── Step 6: COMMIT ──────────────────────────────────
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyTxErr("accept: commit", err)
	}

	offer.State = model.OfferAccepted
	booking.Status = model.BookingAssigned
	booking.AssignedProviderID = &providerID
	method := model.AssignAccepted
	booking.AssignmentMethod = &method
	booking.MatchingExpiresAt = nil
	booking.PendingOfferCount = 0

	return &AcceptResult{
		Outcome:   OutcomeAccepted,
		Booking:   booking,
		Offer:     offer,
		Cancelled: cancelled,
	}, nil
}

// ─── Provider actions ───────────────────────────────────────

// Decline transitions sent|seen → declined and decrements the booking's
// pending counter. Declining an already-declined offer is a no-op.
func (r *OfferRepository) Decline(ctx context.Context, offerID, providerID, reason string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("offer: decline begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE id = $1 AND provider_id = $2
		FOR UPDATE
	`, offerID, providerID)
	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("offer: decline lock: %w", err)
	}

	if offer.State == model.OfferDeclined {
		return nil // idempotent
	}
	if !offer.State.CanTransition(model.OfferDeclined) {
		return ErrInvalidTransition
	}

	_, err = tx.Exec(ctx, `
		UPDATE offers SET state = 'declined', decline_reason = $2 WHERE id = $1
	`, offerID, reason)
	if err != nil {
		return fmt.Errorf("offer: decline update: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE bookings
		SET pending_offer_count = GREATEST(0, pending_offer_count - 1),
		    updated_at = now()
		WHERE id = $1
	`, offer.BookingID)
	if err != nil {
		return fmt.Errorf("offer: decline decrement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("offer: decline commit: %w", err)
	}
	return nil
}

// MarkSeen records receipt confirmation from the provider's client.
// Idempotent; a no-op for any state other than 'sent'.
func (r *OfferRepository) MarkSeen(ctx context.Context, offerID, providerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE offers SET state = 'seen'
		WHERE id = $1 AND provider_id = $2 AND state = 'sent'
	`, offerID, providerID)
	if err != nil {
		return fmt.Errorf("offer: mark seen: %w", err)
	}
	return nil
}

// ─── Booking teardown ───────────────────────────────────────

// CancelForBooking transitions every non-terminal offer (declined included,
// per the offer state machine) for this booking to 'cancelled'. Returns the
// offers that were live, so providers can be notified.
func (r *OfferRepository) CancelForBooking(ctx context.Context, bookingID string) ([]model.Offer, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE offers
		SET state = 'cancelled'
		WHERE booking_id = $1 AND state IN ('sent', 'seen', 'declined')
		RETURNING `+offerColumns, bookingID)
	if err != nil {
		return nil, fmt.Errorf("offer: cancel for booking %s: %w", bookingID, err)
	}
	all, err := collectOffers(rows)
	if err != nil {
		return nil, err
	}

	// Only previously-live offers need an offer.expired push; a declined
	// provider already walked away.
	live := all[:0]
	for _, o := range all {
		if o.DeclineReason == nil {
			live = append(live, o)
		}
	}
	return live, nil
}

// ─── Read helpers ───────────────────────────────────────────

// ListActive returns the live offers for a booking.
func (r *OfferRepository) ListActive(ctx context.Context, bookingID string) ([]model.Offer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE booking_id = $1 AND state IN ('sent', 'seen')
		ORDER BY created_at
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("offer: list active %s: %w", bookingID, err)
	}
	return collectOffers(rows)
}

// ListByProvider returns a provider's offers filtered by state.
func (r *OfferRepository) ListByProvider(
	ctx context.Context,
	providerID string,
	states []model.OfferState,
) ([]model.Offer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE provider_id = $1 AND state = ANY($2)
		ORDER BY created_at DESC
	`, providerID, states)
	if err != nil {
		return nil, fmt.Errorf("offer: list by provider %s: %w", providerID, err)
	}
	return collectOffers(rows)
}

// ─── Scanning ───────────────────────────────────────────────

func scanOffer(row pgx.Row) (*model.Offer, error) {
	o := &model.Offer{}
	err := row.Scan(
		&o.ID, &o.BookingID, &o.ProviderID, &o.State, &o.Priority,
		&o.DistanceKm, &o.TravelMinutes, &o.DeclineReason, &o.CreatedAt, &o.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func collectOffers(rows pgx.Rows) ([]model.Offer, error) {
	defer rows.Close()
	var out []model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// classifyTxErr maps serialization and deadlock failures to ErrTxConflict
// so the resolver can retry; everything else is wrapped as-is.
func classifyTxErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%s: %w", op, ErrTxConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
