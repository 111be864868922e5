package service

import (
	"context"
	"log"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/pkg/geo"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// DefaultMaxPerWave caps offers emitted in one wave when the criteria
	// leave MaxResults unset.
	DefaultMaxPerWave = 5

	// snapshotTTL bounds how stale a cached provider profile may be when
	// enriching offers and assignment events. Live-location freshness is
	// handled separately by the store.
	snapshotTTL = 30 * time.Second
)

// ─── EligibilityService ─────────────────────────────────────

// EligibilityService answers one question: given a booking's service kind,
// location, urgency and a search radius, which providers should this wave
// invite, in what order?
//
// Algorithm overview:
//
//  1. FETCH: spatial query against the provider projection (GIST index via
//     ST_DWithin), already excluding anyone contacted for this booking.
//  2. FILTER: presence gate — online for instant bookings, a covering
//     availability window for scheduled ones.
//  3. RANK: sort by (distance, -rating, -completed jobs, -response rate),
//     ties broken by provider id so ordering is deterministic.
//  4. CAP: return at most MaxResults candidates.
//
// Returns an empty slice when nobody qualifies; an error only for store
// failures, which the dispatcher treats as "skip this tick".
type EligibilityService struct {
	providers ProviderStore
	freshness time.Duration
	snapshots *gocache.Cache
}

// NewEligibilityService creates the index backed by the given projection.
func NewEligibilityService(providers ProviderStore, freshness time.Duration) *EligibilityService {
	return &EligibilityService{
		providers: providers,
		freshness: freshness,
		snapshots: gocache.New(snapshotTTL, 2*snapshotTTL),
	}
}

// FindCandidates returns the ranked eligible providers for one wave.
func (s *EligibilityService) FindCandidates(
	ctx context.Context,
	crit model.DispatchCriteria,
) ([]model.Candidate, error) {
	rows, err := s.providers.FindEligible(ctx, crit, s.freshness)
	if err != nil {
		return nil, err
	}

	candidates := make([]model.Candidate, 0, len(rows))
	for i := range rows {
		p := rows[i].Provider

		// Presence gate: instant bookings need the provider online now;
		// scheduled ones need a declared window covering the slot.
		if crit.ScheduledFor != nil {
			if !p.AvailableAt(*crit.ScheduledFor) {
				continue
			}
		} else if !p.Online {
			continue
		}

		candidates = append(candidates, model.Candidate{
			Provider:      &rows[i].Provider,
			DistanceKm:    rows[i].DistanceKm,
			TravelMinutes: travelMinutes(rows[i].DistanceKm),
		})
	}

	rankCandidates(candidates)

	max := crit.MaxResults
	if max <= 0 {
		max = DefaultMaxPerWave
	}
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	log.Printf("[eligibility] booking %s wave radius=%.1fkm: %d eligible after filters",
		crit.BookingID, crit.RadiusKm, len(candidates))
	return candidates, nil
}

// rankCandidates sorts in place by the composite key:
// nearest first, then best rated, most completed, most responsive.
func rankCandidates(cs []model.Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.Provider.Rating != b.Provider.Rating {
			return a.Provider.Rating > b.Provider.Rating
		}
		if a.Provider.CompletedJobs != b.Provider.CompletedJobs {
			return a.Provider.CompletedJobs > b.Provider.CompletedJobs
		}
		if a.Provider.ResponseRate != b.Provider.ResponseRate {
			return a.Provider.ResponseRate > b.Provider.ResponseRate
		}
		return a.Provider.ID < b.Provider.ID
	})
}

// travelMinutes estimates door-to-door time from the store's straight-line
// distance, at the same city driving speed pkg/geo assumes for point pairs.
func travelMinutes(distanceKm float64) float64 {
	return distanceKm / geo.AverageSpeedKmph * 60.0
}

// ─── Snapshot cache ─────────────────────────────────────────

// ProviderSnapshot returns a short-lived cached profile for offer
// enrichment (name, phone, voice preferences). Events tolerate 30 s of
// staleness; correctness-critical reads go straight to the stores.
func (s *EligibilityService) ProviderSnapshot(ctx context.Context, id string) (*model.ProviderProfile, error) {
	if cached, ok := s.snapshots.Get(id); ok {
		return cached.(*model.ProviderProfile), nil
	}
	p, err := s.providers.GetForDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.snapshots.Set(id, p, gocache.DefaultExpiration)
	return p, nil
}
