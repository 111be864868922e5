package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fixly/dispatch/internal/model"
)

// fetchCap bounds the spatial query before in-process ranking; a wave only
// ever emits a handful of offers, so pulling more rows buys nothing.
const fetchCap = 50

const providerColumns = `
	p.id, p.name, p.phone, p.language, p.service_kinds,
	p.active, p.verified, p.online,
	ST_Y(p.location) AS lat, ST_X(p.location) AS lon, p.location_at,
	p.availability, p.service_radius_km,
	p.rating, p.completed_jobs, p.response_rate,
	p.voice_enabled, p.quiet_start, p.quiet_end, p.max_calls_per_hour, p.min_urgency`

// ProviderRepository reads the provider projection. The only write the
// dispatch core performs is the live-location fix, which lands in both the
// projection row and a Redis key with a freshness TTL.
type ProviderRepository struct {
	pool  *pgxpool.Pool
	cache *redis.Client
}

// NewProviderRepository creates a new provider repository.
func NewProviderRepository(pool *pgxpool.Pool, cache *redis.Client) *ProviderRepository {
	return &ProviderRepository{pool: pool, cache: cache}
}

// ─── Eligibility query ──────────────────────────────────────

// EligibleRow is one raw spatial-query hit before ranking.
type EligibleRow struct {
	Provider   model.ProviderProfile
	DistanceKm float64
}

// FindEligible returns providers that pass the durable eligibility filters:
// service kind declared, active + verified, location fresh and inside the
// search radius, self-declared service radius covering the booking, and no
// prior offer of any state for this booking. Online/availability gating for
// scheduled bookings is applied by the eligibility service, which owns the
// ranking as well.
//
// Returns an empty slice when nobody qualifies; never an error for that.
func (r *ProviderRepository) FindEligible(
	ctx context.Context,
	crit model.DispatchCriteria,
	freshness time.Duration,
) ([]EligibleRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+providerColumns+`,
		       ST_Distance(
		           p.location::geography,
		           ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography
		       ) / 1000.0 AS distance_km
		FROM providers p
		WHERE p.active
		  AND p.verified
		  AND $3 = ANY(p.service_kinds)
		  AND p.location IS NOT NULL
		  AND p.location_at >= $4
		  AND ST_DWithin(
		        p.location::geography,
		        ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography,
		        $5
		      )
		  AND ST_Distance(
		        p.location::geography,
		        ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography
		      ) <= p.service_radius_km * 1000.0
		  AND NOT EXISTS (
		        SELECT 1 FROM offers o
		        WHERE o.booking_id = $6 AND o.provider_id = p.id
		      )
		  AND p.id <> ALL($7)
		ORDER BY distance_km ASC
		LIMIT $8
	`, crit.Center.Lon, crit.Center.Lat, crit.ServiceKind,
		time.Now().Add(-freshness), crit.RadiusKm*1000.0,
		crit.BookingID, excludeParam(crit.Exclude), fetchCap)
	if err != nil {
		return nil, fmt.Errorf("provider: find eligible: %w", err)
	}
	defer rows.Close()

	var out []EligibleRow
	for rows.Next() {
		p, distance, err := scanProviderWithDistance(rows)
		if err != nil {
			return nil, fmt.Errorf("provider: scan: %w", err)
		}
		out = append(out, EligibleRow{Provider: *p, DistanceKm: distance})
	}
	return out, rows.Err()
}

// excludeParam avoids a NULL array parameter for an empty exclusion list.
func excludeParam(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// ─── Per-offer enrichment ───────────────────────────────────

// GetForDispatch returns a provider profile with the freshest known location:
// the Redis-cached fix overlays the projection row when present.
func (r *ProviderRepository) GetForDispatch(ctx context.Context, id string) (*model.ProviderProfile, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+providerColumns+` FROM providers p WHERE p.id = $1
	`, id)
	p, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("provider: get %s: %w", id, err)
	}

	if fix, at, ok := r.cachedLocation(ctx, id); ok {
		p.Location = fix
		p.LocationAt = at
	}
	return p, nil
}

// ─── Location ingestion ─────────────────────────────────────

type cachedFix struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// UpdateLocation records a provider location fix. The projection row is the
// durable copy; the Redis key carries the freshness TTL so a stale fix
// simply disappears instead of needing a sweeper.
func (r *ProviderRepository) UpdateLocation(
	ctx context.Context,
	id string,
	loc model.Location,
	freshness time.Duration,
) error {
	now := time.Now()
	_, err := r.pool.Exec(ctx, `
		UPDATE providers
		SET location = ST_SetSRID(ST_MakePoint($2, $3), 4326),
		    location_at = $4
		WHERE id = $1
	`, id, loc.Lon, loc.Lat, now)
	if err != nil {
		return fmt.Errorf("provider: update location %s: %w", id, err)
	}

	// The cache write is best effort; the projection row has the fix.
	payload, _ := json.Marshal(cachedFix{Lat: loc.Lat, Lon: loc.Lon, At: now})
	_ = r.cache.Set(ctx, locationKey(id), payload, freshness).Err()
	return nil
}

func (r *ProviderRepository) cachedLocation(ctx context.Context, id string) (*model.Location, *time.Time, bool) {
	raw, err := r.cache.Get(ctx, locationKey(id)).Bytes()
	if err != nil {
		return nil, nil, false
	}
	var fix cachedFix
	if err := json.Unmarshal(raw, &fix); err != nil {
		return nil, nil, false
	}
	return &model.Location{Lat: fix.Lat, Lon: fix.Lon}, &fix.At, true
}

func locationKey(id string) string {
	return "provider:loc:" + id
}

// ─── Scanning ───────────────────────────────────────────────

func scanProvider(row pgx.Row) (*model.ProviderProfile, error) {
	p := &model.ProviderProfile{}
	var (
		lat, lon         *float64
		availabilityJSON []byte
		minUrgency       string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Phone, &p.Language, &p.ServiceKinds,
		&p.Active, &p.Verified, &p.Online,
		&lat, &lon, &p.LocationAt,
		&availabilityJSON, &p.ServiceRadiusKm,
		&p.Rating, &p.CompletedJobs, &p.ResponseRate,
		&p.Voice.Enabled, &p.Voice.QuietStart, &p.Voice.QuietEnd,
		&p.Voice.MaxCallsPerHour, &minUrgency,
	)
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		p.Location = &model.Location{Lat: *lat, Lon: *lon}
	}
	p.Voice.MinUrgency = model.Urgency(minUrgency)
	if len(availabilityJSON) > 0 {
		if err := unmarshalAvailability(availabilityJSON, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func scanProviderWithDistance(rows pgx.Rows) (*model.ProviderProfile, float64, error) {
	p := &model.ProviderProfile{}
	var (
		lat, lon         *float64
		availabilityJSON []byte
		minUrgency       string
		distance         float64
	)
	err := rows.Scan(
		&p.ID, &p.Name, &p.Phone, &p.Language, &p.ServiceKinds,
		&p.Active, &p.Verified, &p.Online,
		&lat, &lon, &p.LocationAt,
		&availabilityJSON, &p.ServiceRadiusKm,
		&p.Rating, &p.CompletedJobs, &p.ResponseRate,
		&p.Voice.Enabled, &p.Voice.QuietStart, &p.Voice.QuietEnd,
		&p.Voice.MaxCallsPerHour, &minUrgency,
		&distance,
	)
	if err != nil {
		return nil, 0, err
	}
	if lat != nil && lon != nil {
		p.Location = &model.Location{Lat: *lat, Lon: *lon}
	}
	p.Voice.MinUrgency = model.Urgency(minUrgency)
	if len(availabilityJSON) > 0 {
		if err := unmarshalAvailability(availabilityJSON, p); err != nil {
			return nil, 0, err
		}
	}
	return p, distance, nil
}

// unmarshalAvailability decodes the JSONB availability column, keyed by
// weekday number ("0" = Sunday) with a list of {start,end} windows.
func unmarshalAvailability(raw []byte, p *model.ProviderProfile) error {
	var byDay map[string][]model.AvailabilityWindow
	if err := json.Unmarshal(raw, &byDay); err != nil {
		return fmt.Errorf("unmarshal availability: %w", err)
	}
	if len(byDay) == 0 {
		return nil
	}
	p.Availability = make(map[time.Weekday][]model.AvailabilityWindow, len(byDay))
	for day, windows := range byDay {
		n, err := strconv.Atoi(day)
		if err != nil || n < 0 || n > 6 {
			continue
		}
		p.Availability[time.Weekday(n)] = windows
	}
	return nil
}
