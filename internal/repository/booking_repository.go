// Package repository provides database access for the dispatch core.
//
// BookingRepository and OfferRepository handle transactional dispatch
// operations with row-level locking (SELECT ... FOR UPDATE) to prevent
// race conditions between the dispatcher loop and provider actions.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fixly/dispatch/internal/model"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrInvalidTransition is returned when a patch violates the state machine.
	ErrInvalidTransition = errors.New("repository: invalid state transition")

	// ErrDuplicate is returned when a live offer already exists for the pair.
	ErrDuplicate = errors.New("repository: duplicate live offer")
)

const bookingColumns = `
	id, customer_id, customer_name, service_kind, kind, urgency,
	ST_Y(location) AS lat, ST_X(location) AS lon, address,
	scheduled_for, price_cents, payment_method, notes,
	status, current_radius_km, search_wave, radius_history,
	matching_expires_at, pending_offer_count,
	assigned_provider_id, assignment_method,
	created_at, updated_at`

// BookingRepository is the durable booking store.
type BookingRepository struct {
	pool *pgxpool.Pool
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(pool *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

// ─── Create / Get ───────────────────────────────────────────

// Create inserts a new booking in state 'pending' and fills in its id.
func (r *BookingRepository) Create(ctx context.Context, b *model.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Status = model.BookingPending

	history, err := json.Marshal([]model.RadiusExpansion{})
	if err != nil {
		return fmt.Errorf("booking: marshal history: %w", err)
	}

	// The customer's display name is denormalized onto the row so the voice
	// payload never needs a join at enqueue time.
	err = r.pool.QueryRow(ctx, `
		INSERT INTO bookings (
			id, customer_id, customer_name, service_kind, kind, urgency,
			location, address, scheduled_for, price_cents, payment_method, notes,
			status, radius_history
		) VALUES (
			$1, $2, COALESCE((SELECT name FROM users WHERE id = $2), ''),
			$3, $4, $5,
			ST_SetSRID(ST_MakePoint($6, $7), 4326), $8, $9, $10, $11, $12,
			'pending', $13
		)
		RETURNING customer_name, created_at, updated_at
	`, b.ID, b.CustomerID, b.ServiceKind, b.Kind, b.Urgency,
		b.Location.Lon, b.Location.Lat, b.Location.Address,
		b.ScheduledFor, b.PriceCents, b.PaymentMethod, b.Notes,
		history,
	).Scan(&b.CustomerName, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("booking: insert: %w", err)
	}
	return nil
}

// Get fetches a booking by id.
func (r *BookingRepository) Get(ctx context.Context, id string) (*model.Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("booking: get %s: %w", id, err)
	}
	return b, nil
}

// ─── Dispatch mutations ─────────────────────────────────────

// BeginSearch transitions a pending booking into provider_search and arms
// the global matching deadline. The first wave's history entry is appended
// by SetRadiusAndWave once candidate counts are known.
func (r *BookingRepository) BeginSearch(
	ctx context.Context,
	id string,
	radiusKm float64,
	deadline time.Time,
) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET status = 'provider_search',
		    current_radius_km = $2,
		    matching_expires_at = $3,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, radiusKm, deadline)
	if err != nil {
		return fmt.Errorf("booking: begin search %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetRadiusAndWave records one wave: radius, wave number, and a history
// entry. The radius is monotonically non-decreasing by construction — the
// dispatcher only ever grows it.
func (r *BookingRepository) SetRadiusAndWave(
	ctx context.Context,
	id string,
	radiusKm float64,
	wave int,
	entry model.RadiusExpansion,
) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("booking: marshal history entry: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET current_radius_km = $2,
		    search_wave = $3,
		    radius_history = radius_history || $4::jsonb,
		    updated_at = now()
		WHERE id = $1 AND status = 'provider_search'
	`, id, radiusKm, wave, entryJSON)
	if err != nil {
		return fmt.Errorf("booking: set radius %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// AddPendingOffers adjusts the live-offer counter by delta (may be negative).
// The counter never drops below zero.
func (r *BookingRepository) AddPendingOffers(ctx context.Context, id string, delta int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET pending_offer_count = GREATEST(0, pending_offer_count + $2),
		    updated_at = now()
		WHERE id = $1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("booking: adjust pending %s: %w", id, err)
	}
	return nil
}

// MarkNoProviders terminates a search that found nobody: either the global
// deadline passed or the radius cap was reached with zero new candidates.
func (r *BookingRepository) MarkNoProviders(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET status = 'no_providers_found',
		    matching_expires_at = NULL,
		    pending_offer_count = 0,
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'provider_search')
	`, id)
	if err != nil {
		return fmt.Errorf("booking: mark no providers %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Cancel transitions a booking to cancelled.
//
// Uses a FOR UPDATE lock so a racing acceptance either completes first
// (making this call a terminal no-op on the assigned row's next read) or
// observes the cancelled row and aborts.
//
// Cancelling a terminal booking is a no-op: the row is returned unchanged
// with changed=false.
func (r *BookingRepository) Cancel(ctx context.Context, id string) (*model.Booking, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, fmt.Errorf("booking: cancel begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("booking: cancel lock %s: %w", id, err)
	}

	if b.Terminal() {
		return b, false, nil // idempotent
	}
	if !b.Status.CanTransition(model.BookingCancelled) {
		return nil, false, ErrInvalidTransition
	}

	_, err = tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
		    matching_expires_at = NULL,
		    pending_offer_count = 0,
		    assignment_method = 'cancelled',
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, false, fmt.Errorf("booking: cancel update %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("booking: cancel commit: %w", err)
	}

	b.Status = model.BookingCancelled
	b.MatchingExpiresAt = nil
	b.PendingOfferCount = 0
	return b, true, nil
}

// ─── Scanning ───────────────────────────────────────────────

// ListNeedingAttention returns bookings the dispatcher must look at now:
//
//   - pending instant bookings (start initial matching)
//   - pending scheduled bookings whose lead time has arrived
//   - provider_search bookings past their global deadline
//   - provider_search bookings with zero live offers (radius expansion)
//
// Bookings in provider_search with live offers and a future deadline need no
// attention; offer expiry is handled by the reap step.
func (r *BookingRepository) ListNeedingAttention(
	ctx context.Context,
	now time.Time,
	leadTime time.Duration,
) ([]*model.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE (status = 'pending'
		         AND (kind = 'instant' OR scheduled_for - $2::interval <= $1))
		   OR (status = 'provider_search'
		         AND (matching_expires_at <= $1 OR pending_offer_count = 0))
		ORDER BY created_at
	`, now, leadTime)
	if err != nil {
		return nil, fmt.Errorf("booking: list needing attention: %w", err)
	}
	defer rows.Close()

	var out []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// scanBooking reads one booking row from either a Row or Rows.
func scanBooking(row pgx.Row) (*model.Booking, error) {
	b := &model.Booking{}
	var historyJSON []byte

	err := row.Scan(
		&b.ID, &b.CustomerID, &b.CustomerName, &b.ServiceKind, &b.Kind, &b.Urgency,
		&b.Location.Lat, &b.Location.Lon, &b.Location.Address,
		&b.ScheduledFor, &b.PriceCents, &b.PaymentMethod, &b.Notes,
		&b.Status, &b.CurrentRadiusKm, &b.SearchWave, &historyJSON,
		&b.MatchingExpiresAt, &b.PendingOfferCount,
		&b.AssignedProviderID, &b.AssignmentMethod,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &b.RadiusHistory); err != nil {
			return nil, fmt.Errorf("unmarshal radius history: %w", err)
		}
	}
	return b, nil
}
