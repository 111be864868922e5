package service

import (
	"context"
	"testing"
	"time"

	"github.com/fixly/dispatch/config"
	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/push"
)

func dispatchTestConfig(offerTTL, globalDeadline time.Duration) config.DispatchConfig {
	return config.DispatchConfig{
		Tick:              5 * time.Second,
		OfferTTL:          offerTTL,
		GlobalDeadline:    globalDeadline,
		InitialRadiusKm:   15,
		MaxRadiusKm:       50,
		RadiusGrowth:      1.5,
		ProvidersPerWave:  5,
		Parallelism:       4,
		AcceptRetryMax:    3,
		LocationFreshness: 10 * time.Minute,
		LeadTime:          30 * time.Minute,
	}
}

var t0 = time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)

func TestInitialMatchEmitsFirstWave(t *testing.T) {
	env := newTestEnv()
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("p1", 2)
	env.seedProvider("p2", 5)
	env.seedProvider("p3", 12)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, _ := env.bookings.Get(context.Background(), b.ID)
	if got.Status != model.BookingProviderSearch {
		t.Fatalf("status = %s, want provider_search", got.Status)
	}
	if got.SearchWave != 1 || got.CurrentRadiusKm != 15 {
		t.Errorf("wave/radius = %d/%.1f, want 1/15.0", got.SearchWave, got.CurrentRadiusKm)
	}
	if got.PendingOfferCount != 3 {
		t.Errorf("pending = %d, want 3", got.PendingOfferCount)
	}
	if len(got.RadiusHistory) != 1 || got.RadiusHistory[0].ProvidersFound != 3 {
		t.Errorf("history = %+v, want one entry with 3 found", got.RadiusHistory)
	}

	// Customer hears matching.started before any provider hears offer.new.
	started := env.push.ofType(push.TypeMatchingStarted)
	if len(started) != 1 || started[0].user != "cust-1" {
		t.Fatalf("matching.started events = %+v", started)
	}
	newOffers := env.push.ofType(push.TypeOfferNew)
	if len(newOffers) != 3 {
		t.Fatalf("offer.new count = %d, want 3", len(newOffers))
	}
	for i, e := range env.push.events {
		if e.typ == push.TypeOfferNew {
			break
		}
		if e.typ == push.TypeMatchingStarted && i > 0 {
			t.Errorf("matching.started not first: %+v", env.push.events)
		}
	}

	// Every offered provider also gets a voice submission.
	if len(env.voice.calls) != 3 {
		t.Errorf("voice calls = %d, want 3", len(env.voice.calls))
	}

	// TTL is the plain offer TTL when it fits inside the deadline.
	offers, _ := env.offers.ListActive(context.Background(), b.ID)
	for _, o := range offers {
		if !o.ExpiresAt.Equal(t0.Add(5 * time.Minute)) {
			t.Errorf("offer %s expires %v, want %v", o.ID, o.ExpiresAt, t0.Add(5*time.Minute))
		}
	}
}

func TestVoiceCallCarriesCustomerName(t *testing.T) {
	env := newTestEnv()
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("p1", 2)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(env.voice.calls) != 1 {
		t.Fatalf("voice calls = %d, want 1", len(env.voice.calls))
	}
	call := env.voice.calls[0]
	if call.CustomerName != "Asha Rao" {
		t.Errorf("CustomerName = %q, want %q", call.CustomerName, "Asha Rao")
	}
	if call.BookingID != b.ID || call.ProviderID != "p1" || call.Phone == "" {
		t.Errorf("call payload incomplete: %+v", call)
	}
}

func TestOfferTTLClampedToGlobalDeadline(t *testing.T) {
	env := newTestEnvWith(10*time.Minute, 3*time.Minute)
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("p1", 2)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick: %v", err)
	}

	offers, _ := env.offers.ListActive(context.Background(), b.ID)
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}
	if want := t0.Add(3 * time.Minute); !offers[0].ExpiresAt.Equal(want) {
		t.Errorf("expires %v, want clamp to deadline %v", offers[0].ExpiresAt, want)
	}
}

func TestEmptyFirstWaveExpandsNextTick(t *testing.T) {
	env := newTestEnv()
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("far", 20) // outside 15km, inside 22.5km

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	got, _ := env.bookings.Get(context.Background(), b.ID)
	if got.SearchWave != 1 || got.PendingOfferCount != 0 {
		t.Fatalf("after tick 1: wave=%d pending=%d, want 1/0", got.SearchWave, got.PendingOfferCount)
	}

	if err := env.dispatcher.Tick(context.Background(), t0.Add(5*time.Second)); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	got, _ = env.bookings.Get(context.Background(), b.ID)
	if got.SearchWave != 2 || got.CurrentRadiusKm != 22.5 {
		t.Fatalf("after tick 2: wave=%d radius=%.1f, want 2/22.5", got.SearchWave, got.CurrentRadiusKm)
	}
	if got.PendingOfferCount != 1 {
		t.Errorf("pending = %d, want 1", got.PendingOfferCount)
	}
	if len(env.push.ofType(push.TypeRadiusExpanded)) != 1 {
		t.Errorf("expected one matching.radius_expanded event")
	}
}

func TestExpiredOffersReapedThenRadiusExpands(t *testing.T) {
	env := newTestEnv()
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("near", 3)
	env.seedProvider("far", 20)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	env.push.reset()

	// Past the offer TTL: the reap expires wave 1, the same tick expands.
	later := t0.Add(5*time.Minute + time.Second)
	if err := env.dispatcher.Tick(context.Background(), later); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	expiredEvents := env.push.ofType(push.TypeOfferExpired)
	if len(expiredEvents) != 1 || expiredEvents[0].user != "near" {
		t.Fatalf("offer.expired events = %+v", expiredEvents)
	}
	if data := expiredEvents[0].data.(push.OfferExpiredData); data.Reason != "expired" {
		t.Errorf("reason = %q, want expired", data.Reason)
	}

	got, _ := env.bookings.Get(context.Background(), b.ID)
	if got.SearchWave != 2 || got.CurrentRadiusKm != 22.5 {
		t.Fatalf("wave=%d radius=%.1f, want 2/22.5", got.SearchWave, got.CurrentRadiusKm)
	}

	// The expired provider is not re-offered in wave 2.
	offers, _ := env.offers.ListActive(context.Background(), b.ID)
	if len(offers) != 1 || offers[0].ProviderID != "far" {
		t.Fatalf("wave 2 offers = %+v, want only far", offers)
	}
}

func TestRadiusCapExhaustedTerminatesSearch(t *testing.T) {
	env := newTestEnv()
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("only", 3)

	now := t0
	if err := env.dispatcher.Tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Let each wave's offers expire and keep ticking: 15 → 22.5 → 33.75 →
	// 50 → cap reached with nobody new.
	for i := 0; i < 5; i++ {
		now = now.Add(5*time.Minute + time.Second)
		if err := env.dispatcher.Tick(context.Background(), now); err != nil {
			t.Fatalf("tick %d: %v", i+2, err)
		}
		got, _ := env.bookings.Get(context.Background(), b.ID)
		if got.Terminal() {
			break
		}
	}

	got, _ := env.bookings.Get(context.Background(), b.ID)
	if got.Status != model.BookingNoProvidersFound {
		t.Fatalf("status = %s, want no_providers_found", got.Status)
	}

	expired := env.push.ofType(push.TypeMatchingExpired)
	if len(expired) != 1 {
		t.Fatalf("matching.expired events = %d, want 1", len(expired))
	}
	if data := expired[0].data.(push.MatchingExpiredData); data.Reason != "no_providers_found" {
		t.Errorf("reason = %q, want no_providers_found", data.Reason)
	}
}

func TestGlobalDeadlineTimesOutWithLiveOffers(t *testing.T) {
	env := newTestEnvWith(30*time.Minute, 10*time.Minute)
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("p1", 3)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	env.push.reset()

	// The offer TTL is clamped to the deadline, so at the deadline the reap
	// and the timeout fire on the same tick.
	past := t0.Add(10*time.Minute + time.Second)
	if err := env.dispatcher.Tick(context.Background(), past); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	got, _ := env.bookings.Get(context.Background(), b.ID)
	if got.Status != model.BookingNoProvidersFound {
		t.Fatalf("status = %s, want no_providers_found", got.Status)
	}
	expired := env.push.ofType(push.TypeMatchingExpired)
	if len(expired) != 1 {
		t.Fatalf("matching.expired = %d, want 1", len(expired))
	}
	if env.voice.cancelled == nil {
		t.Errorf("voice calls not cancelled on timeout")
	}
}

func TestScheduledBookingWaitsForLeadTime(t *testing.T) {
	env := newTestEnv()
	slot := t0.Add(2 * time.Hour)
	b := env.seedBooking(model.KindScheduled, model.UrgencyNormal, &slot)
	env.seedProvider("p1", 3)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := env.bookings.Get(context.Background(), b.ID)
	if got.Status != model.BookingPending {
		t.Fatalf("status = %s, want pending before lead time", got.Status)
	}

	// Thirty minutes ahead of the slot, matching begins.
	if err := env.dispatcher.Tick(context.Background(), slot.Add(-30*time.Minute)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = env.bookings.Get(context.Background(), b.ID)
	if got.Status != model.BookingProviderSearch {
		t.Fatalf("status = %s, want provider_search at lead time", got.Status)
	}
}

func TestQuietTickIsIdempotent(t *testing.T) {
	env := newTestEnv()
	env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("p1", 3)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	env.push.reset()

	// Live offers, future deadline: nothing to do.
	if err := env.dispatcher.Tick(context.Background(), t0.Add(5*time.Second)); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if len(env.push.events) != 0 {
		t.Errorf("quiet tick emitted events: %+v", env.push.events)
	}
	if len(env.voice.calls) != 1 {
		t.Errorf("voice calls = %d, want 1", len(env.voice.calls))
	}
}

func TestDeclineTriggersExpansionNextTick(t *testing.T) {
	env := newTestEnv()
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("p1", 3)
	env.seedProvider("far", 20)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	offers, _ := env.offers.ListActive(context.Background(), b.ID)
	if len(offers) != 1 {
		t.Fatalf("wave 1 offers = %d, want 1", len(offers))
	}
	if err := env.acceptor.Decline(context.Background(), "p1", offers[0].ID, "busy"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	// Zero live offers now; the next tick expands instead of waiting for TTL.
	if err := env.dispatcher.Tick(context.Background(), t0.Add(5*time.Second)); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	got, _ := env.bookings.Get(context.Background(), b.ID)
	if got.SearchWave != 2 {
		t.Fatalf("wave = %d, want 2 after decline", got.SearchWave)
	}
	offers, _ = env.offers.ListActive(context.Background(), b.ID)
	if len(offers) != 1 || offers[0].ProviderID != "far" {
		t.Fatalf("wave 2 offers = %+v, want only far", offers)
	}
}

func TestAssignedBookingIgnoredByLoop(t *testing.T) {
	env := newTestEnv()
	b := env.seedBooking(model.KindInstant, model.UrgencyNormal, nil)
	env.seedProvider("p1", 3)

	if err := env.dispatcher.Tick(context.Background(), t0); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	offers, _ := env.offers.ListActive(context.Background(), b.ID)
	env.acceptor.now = func() time.Time { return t0.Add(time.Minute) }
	if _, err := env.acceptor.Accept(context.Background(), "p1", offers[0].ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	env.push.reset()

	// Far in the future; an assigned booking never re-enters matching.
	if err := env.dispatcher.Tick(context.Background(), t0.Add(time.Hour)); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	got, _ := env.bookings.Get(context.Background(), b.ID)
	if got.Status != model.BookingAssigned {
		t.Fatalf("status = %s, want assigned", got.Status)
	}
	if len(env.push.events) != 0 {
		t.Errorf("loop emitted events for assigned booking: %+v", env.push.events)
	}
}
