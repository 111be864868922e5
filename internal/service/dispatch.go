package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/fixly/dispatch/config"
	"github.com/fixly/dispatch/internal/metrics"
	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/push"
)

// ─── DispatchService ────────────────────────────────────────

// DispatchService is the dispatcher loop: a single periodic scanner that
// advances bookings through the matching state machine, emits offer waves,
// expands the search radius and enforces every TTL.
//
// Concurrency model:
//   - One timer drives ticks; interval math uses the monotonic clock.
//   - Each tick reaps expired offers first, then fans per-booking work into
//     a bounded worker pool (Parallelism).
//   - Work for one booking always runs under that booking's keyed lock, so
//     dispatcher actions never interleave with acceptance or cancellation
//     for the same booking.
//
// Crash recovery: the loop keeps no in-memory dispatch state. On restart
// the first tick re-reads the stores, reaps anything past its expiry, and
// picks up exactly where the durable state says it should.
type DispatchService struct {
	cfg      config.DispatchConfig
	bookings BookingStore
	offers   OfferStore
	index    *EligibilityService
	push     Pusher
	voice    VoiceNotifier
	locks    *KeyedMutex

	// now is swappable for tests; defaults to time.Now.
	now func() time.Time
}

// NewDispatchService wires the dispatcher.
func NewDispatchService(
	cfg config.DispatchConfig,
	bookings BookingStore,
	offers OfferStore,
	index *EligibilityService,
	pusher Pusher,
	voice VoiceNotifier,
	locks *KeyedMutex,
) *DispatchService {
	return &DispatchService{
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

// Run ticks until the context is cancelled. A failed tick is logged and
// skipped; no in-memory state is mutated, so the next tick simply retries.
func (s *DispatchService) Run(ctx context.Context) {
	log.Printf("[dispatch] loop started, tick=%s parallelism=%d", s.cfg.Tick, s.cfg.Parallelism)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[dispatch] loop stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.Tick(ctx, s.now()); err != nil {
				log.Printf("[dispatch] tick skipped: %v", err)
			}
			metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// Tick performs one full dispatcher pass at the given instant:
// reap expired offers, scan bookings needing attention, act on each.
//
// Running two consecutive ticks with no external input is idempotent:
// the reap finds nothing new and the scan selects nothing actionable.
func (s *DispatchService) Tick(ctx context.Context, now time.Time) error {
	if err := s.reapExpired(ctx, now); err != nil {
		return fmt.Errorf("reap: %w", err)
	}

	due, err := s.bookings.ListNeedingAttention(ctx, now, s.cfg.LeadTime)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	// Bounded fan-out: distinct bookings in parallel, each serialized on
	// its own lock.
	sem := make(chan struct{}, s.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, b := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processBooking(ctx, id, now)
		}(b.ID)
	}
	wg.Wait()
	return nil
}

// ─── Step 1: reap ───────────────────────────────────────────

// reapExpired transitions every overdue live offer to expired and tells the
// affected providers. The store decrements booking pending counters in the
// same transaction, so a booking left at zero live offers is picked up by
// the scan of this same tick.
func (s *DispatchService) reapExpired(ctx context.Context, now time.Time) error {
	expired, err := s.offers.ExpireDue(ctx, now)
	if err != nil {
		return err
	}
	for _, o := range expired {
		metrics.OffersResolved.WithLabelValues(string(model.OfferExpired)).Inc()
		s.push.SendToUser(o.ProviderID, push.TypeOfferExpired, push.OfferExpiredData{
			OfferID:   o.ID,
			BookingID: o.BookingID,
			Reason:    "expired",
		})
	}
	if len(expired) > 0 {
		log.Printf("[dispatch] reaped %d expired offers", len(expired))
	}
	return nil
}

// ─── Step 2+3: per-booking actions ──────────────────────────

// processBooking re-reads the booking under its lock and applies exactly
// one action: initial matching, global timeout, or radius expansion.
func (s *DispatchService) processBooking(ctx context.Context, bookingID string, now time.Time) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	// Re-read under the lock: an acceptance or cancellation may have won
	// the race since the scan.
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		log.Printf("[dispatch] booking %s: re-read failed: %v", bookingID, err)
		return
	}

	switch {
	case b.Status == model.BookingPending:
		s.initialMatch(ctx, b, now)
	case b.Status != model.BookingProviderSearch:
		// Assigned or terminal since the scan; nothing to do.
	case b.MatchingExpiresAt != nil && !now.Before(*b.MatchingExpiresAt):
		s.globalTimeout(ctx, b)
	case b.PendingOfferCount == 0:
		s.expandRadius(ctx, b, now)
	}
}

// initialMatch moves a pending booking into provider_search, runs wave 1 at
// the initial radius and emits its offers. An empty wave 1 is recorded; the
// next tick observes zero live offers and expands.
func (s *DispatchService) initialMatch(ctx context.Context, b *model.Booking, now time.Time) {
	deadline := now.Add(s.cfg.GlobalDeadline)
	if err := s.bookings.BeginSearch(ctx, b.ID, s.cfg.InitialRadiusKm, deadline); err != nil {
		log.Printf("[dispatch] booking %s: begin search: %v", b.ID, err)
		return
	}
	b.Status = model.BookingProviderSearch
	b.CurrentRadiusKm = s.cfg.InitialRadiusKm
	b.MatchingExpiresAt = &deadline

	candidates, err := s.findWave(ctx, b, s.cfg.InitialRadiusKm)
	if err != nil {
		log.Printf("[dispatch] booking %s: wave 1 query: %v", b.ID, err)
		return
	}

	entry := model.RadiusExpansion{Wave: 1, RadiusKm: s.cfg.InitialRadiusKm, ProvidersFound: len(candidates), ExpandedAt: now}
	if err := s.bookings.SetRadiusAndWave(ctx, b.ID, s.cfg.InitialRadiusKm, 1, entry); err != nil {
		log.Printf("[dispatch] booking %s: record wave 1: %v", b.ID, err)
		return
	}
	b.SearchWave = 1

	// matching.started always precedes any offer.new for the booking.
	s.push.SendToUser(b.CustomerID, push.TypeMatchingStarted, push.MatchingStartedData{
		BookingID:     b.ID,
		ProviderCount: len(candidates),
		RadiusKm:      s.cfg.InitialRadiusKm,
		Wave:          1,
		DeadlineAt:    deadline,
	})

	s.emitOffers(ctx, b, candidates, now)
	log.Printf("[dispatch] booking %s: wave 1 radius=%.1fkm offers=%d",
		b.ID, s.cfg.InitialRadiusKm, len(candidates))
}

// expandRadius runs the next wave at a grown radius. At the cap with zero
// new candidates the booking terminates as no_providers_found on this tick.
func (s *DispatchService) expandRadius(ctx context.Context, b *model.Booking, now time.Time) {
	next := math.Min(s.cfg.MaxRadiusKm, b.CurrentRadiusKm*s.cfg.RadiusGrowth)
	wave := b.SearchWave + 1

	candidates, err := s.findWave(ctx, b, next)
	if err != nil {
		log.Printf("[dispatch] booking %s: wave %d query: %v", b.ID, wave, err)
		return
	}

	if len(candidates) == 0 && next >= s.cfg.MaxRadiusKm {
		log.Printf("[dispatch] booking %s: radius cap %.1fkm reached with no candidates", b.ID, next)
		s.noProviders(ctx, b, "no_providers_found")
		return
	}

	entry := model.RadiusExpansion{Wave: wave, RadiusKm: next, ProvidersFound: len(candidates), ExpandedAt: now}
	if err := s.bookings.SetRadiusAndWave(ctx, b.ID, next, wave, entry); err != nil {
		log.Printf("[dispatch] booking %s: record wave %d: %v", b.ID, wave, err)
		return
	}
	b.CurrentRadiusKm = next
	b.SearchWave = wave

	// matching.radius_expanded precedes the new wave's offer.new frames.
	s.push.SendToUser(b.CustomerID, push.TypeRadiusExpanded, push.RadiusExpandedData{
		BookingID:   b.ID,
		NewRadiusKm: next,
		Wave:        wave,
	})

	s.emitOffers(ctx, b, candidates, now)
	log.Printf("[dispatch] booking %s: wave %d radius=%.1fkm offers=%d", b.ID, wave, next, len(candidates))
}

// globalTimeout terminates a search whose whole-booking deadline passed.
func (s *DispatchService) globalTimeout(ctx context.Context, b *model.Booking) {
	log.Printf("[dispatch] booking %s: global deadline reached", b.ID)
	s.noProviders(ctx, b, "timeout")
}

// noProviders marks the booking no_providers_found, cancels whatever offers
// remain and notifies everyone.
func (s *DispatchService) noProviders(ctx context.Context, b *model.Booking, reason string) {
	if err := s.bookings.MarkNoProviders(ctx, b.ID); err != nil {
		log.Printf("[dispatch] booking %s: mark no providers: %v", b.ID, err)
		return
	}
	metrics.BookingsResolved.WithLabelValues("no_providers_found").Inc()

	cancelled, err := s.offers.CancelForBooking(ctx, b.ID)
	if err != nil {
		log.Printf("[dispatch] booking %s: cancel offers: %v", b.ID, err)
	}
	if err := s.voice.CancelForBooking(ctx, b.ID); err != nil {
		log.Printf("[voice] booking %s: cancel calls: %v", b.ID, err)
	}

	s.push.SendToUser(b.CustomerID, push.TypeMatchingExpired, push.MatchingExpiredData{
		BookingID: b.ID,
		Reason:    reason,
		NextSteps: []string{"retry_later", "adjust_schedule", "contact_support"},
	})
	for _, o := range cancelled {
		metrics.OffersResolved.WithLabelValues(string(model.OfferCancelled)).Inc()
		s.push.SendToUser(o.ProviderID, push.TypeOfferExpired, push.OfferExpiredData{
			OfferID:   o.ID,
			BookingID: o.BookingID,
			Reason:    "expired",
		})
	}
}

// ─── Wave helpers ───────────────────────────────────────────

// findWave queries the eligibility index for one wave. Providers contacted
// in earlier waves — live, declined, expired or cancelled — are excluded by
// the index, so a provider is never offered the same booking twice.
func (s *DispatchService) findWave(ctx context.Context, b *model.Booking, radiusKm float64) ([]model.Candidate, error) {
	return s.index.FindCandidates(ctx, model.DispatchCriteria{
		ServiceKind:  b.ServiceKind,
		Center:       b.Location,
		Urgency:      b.Urgency,
		ScheduledFor: b.ScheduledFor,
		RadiusKm:     radiusKm,
		MaxResults:   s.cfg.ProvidersPerWave,
		BookingID:    b.ID,
	})
}

// emitOffers creates the wave's offers, pushes offer.new to each provider
// and submits voice notifications. Offer TTL never extends past the
// booking's global deadline.
func (s *DispatchService) emitOffers(ctx context.Context, b *model.Booking, candidates []model.Candidate, now time.Time) {
	if len(candidates) == 0 {
		return
	}

	expiresAt := now.Add(s.cfg.OfferTTL)
	if b.MatchingExpiresAt != nil && expiresAt.After(*b.MatchingExpiresAt) {
		expiresAt = *b.MatchingExpiresAt
	}

	created := 0
	for _, c := range candidates {
		offer := &model.Offer{
			BookingID:     b.ID,
			ProviderID:    c.Provider.ID,
			Priority:      b.Urgency.Rank(),
			DistanceKm:    c.DistanceKm,
			TravelMinutes: c.TravelMinutes,
			CreatedAt:     now,
			ExpiresAt:     expiresAt,
		}
		if err := s.offers.Create(ctx, offer); err != nil {
			// Duplicate means a concurrent wave already offered this
			// provider; skip rather than fail the wave.
			log.Printf("[dispatch] booking %s: offer to %s: %v", b.ID, c.Provider.ID, err)
			continue
		}
		created++
		metrics.OffersEmitted.WithLabelValues(strconv.Itoa(b.SearchWave)).Inc()

		s.push.SendToUser(c.Provider.ID, push.TypeOfferNew, push.OfferNewData{
			OfferID:     offer.ID,
			BookingID:   b.ID,
			ServiceKind: b.ServiceKind,
			Lat:         b.Location.Lat,
			Lon:         b.Location.Lon,
			Address:     b.Location.Address,
			PriceCents:  b.PriceCents,
			Urgency:     string(b.Urgency),
			ExpiresAt:   expiresAt,
			DistanceKm:  c.DistanceKm,
			TravelMin:   c.TravelMinutes,
		})

		s.submitVoice(ctx, b, offer, c.Provider)
	}

	if created > 0 {
		if err := s.bookings.AddPendingOffers(ctx, b.ID, created); err != nil {
			log.Printf("[dispatch] booking %s: bump pending: %v", b.ID, err)
		}
		b.PendingOfferCount += created
	}
}

// submitVoice hands one offer to the voice gateway. Failures are logged and
// never fail the offer; retry policy is the notifier's concern.
func (s *DispatchService) submitVoice(ctx context.Context, b *model.Booking, o *model.Offer, p *model.ProviderProfile) {
	call := model.CallRequest{
		ProviderID:   p.ID,
		Phone:        p.Phone,
		BookingID:    b.ID,
		OfferID:      o.ID,
		Urgency:      b.Urgency,
		CustomerName: b.CustomerName,
		ServiceKind:  b.ServiceKind,
		PriceCents:   b.PriceCents,
		ExpiresAt:    o.ExpiresAt,
		Language:     p.Language,
	}
	if err := s.voice.SubmitOffer(ctx, call, p.Voice); err != nil {
		log.Printf("[voice] submit %s: %v", call, err)
	}
}
