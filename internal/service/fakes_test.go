package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/repository"
)

// In-memory store fakes mirroring the repository semantics, so the services
// can be exercised without a database.

// ─── fakeBookings ───────────────────────────────────────────

type fakeBookings struct {
	mu   sync.Mutex
	rows map[string]*model.Booking
	seq  int
}

func newFakeBookings() *fakeBookings {
	return &fakeBookings{rows: make(map[string]*model.Booking)}
}

func (f *fakeBookings) Create(_ context.Context, b *model.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.ID == "" {
		f.seq++
		b.ID = fmt.Sprintf("bk-%d", f.seq)
	}
	b.Status = model.BookingPending
	cp := *b
	f.rows[b.ID] = &cp
	return nil
}

func (f *fakeBookings) Get(_ context.Context, id string) (*model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBookings) BeginSearch(_ context.Context, id string, radiusKm float64, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Status != model.BookingPending {
		return repository.ErrInvalidTransition
	}
	b.Status = model.BookingProviderSearch
	b.CurrentRadiusKm = radiusKm
	d := deadline
	b.MatchingExpiresAt = &d
	return nil
}

func (f *fakeBookings) SetRadiusAndWave(_ context.Context, id string, radiusKm float64, wave int, entry model.RadiusExpansion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Status != model.BookingProviderSearch {
		return repository.ErrInvalidTransition
	}
	b.CurrentRadiusKm = radiusKm
	b.SearchWave = wave
	b.RadiusHistory = append(b.RadiusHistory, entry)
	return nil
}

func (f *fakeBookings) AddPendingOffers(_ context.Context, id string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.PendingOfferCount += delta
	if b.PendingOfferCount < 0 {
		b.PendingOfferCount = 0
	}
	return nil
}

func (f *fakeBookings) MarkNoProviders(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Status != model.BookingPending && b.Status != model.BookingProviderSearch {
		return repository.ErrInvalidTransition
	}
	b.Status = model.BookingNoProvidersFound
	b.MatchingExpiresAt = nil
	b.PendingOfferCount = 0
	return nil
}

func (f *fakeBookings) Cancel(_ context.Context, id string) (*model.Booking, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if b.Terminal() {
		cp := *b
		return &cp, false, nil
	}
	if !b.Status.CanTransition(model.BookingCancelled) {
		return nil, false, repository.ErrInvalidTransition
	}
	b.Status = model.BookingCancelled
	b.MatchingExpiresAt = nil
	b.PendingOfferCount = 0
	m := model.AssignCancelled
	b.AssignmentMethod = &m
	cp := *b
	return &cp, true, nil
}

func (f *fakeBookings) ListNeedingAttention(_ context.Context, now time.Time, leadTime time.Duration) ([]*model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Booking
	for _, b := range f.rows {
		due := false
		switch b.Status {
		case model.BookingPending:
			due = b.Kind == model.KindInstant ||
				(b.ScheduledFor != nil && !b.ScheduledFor.Add(-leadTime).After(now))
		case model.BookingProviderSearch:
			due = (b.MatchingExpiresAt != nil && !b.MatchingExpiresAt.After(now)) ||
				b.PendingOfferCount == 0
		}
		if due {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ─── fakeOffers ─────────────────────────────────────────────

type fakeOffers struct {
	mu       sync.Mutex
	rows     map[string]*model.Offer
	bookings *fakeBookings
	seq      int

	// conflicts injects ErrTxConflict on the next N TryAccept calls.
	conflicts int
}

func newFakeOffers(bookings *fakeBookings) *fakeOffers {
	return &fakeOffers{rows: make(map[string]*model.Offer), bookings: bookings}
}

func (f *fakeOffers) Create(_ context.Context, o *model.Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.rows {
		if ex.BookingID == o.BookingID && ex.ProviderID == o.ProviderID &&
			(ex.State == model.OfferSent || ex.State == model.OfferSeen) {
			return repository.ErrDuplicate
		}
	}
	if o.ID == "" {
		f.seq++
		o.ID = fmt.Sprintf("of-%d", f.seq)
	}
	o.State = model.OfferSent
	cp := *o
	f.rows[o.ID] = &cp
	return nil
}

func (f *fakeOffers) Get(_ context.Context, id string) (*model.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOffers) ExpireDue(_ context.Context, now time.Time) ([]model.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []model.Offer
	for _, o := range f.rows {
		if (o.State == model.OfferSent || o.State == model.OfferSeen) && !now.Before(o.ExpiresAt) {
			o.State = model.OfferExpired
			expired = append(expired, *o)
			if b, ok := f.bookings.rows[o.BookingID]; ok && b.PendingOfferCount > 0 {
				b.PendingOfferCount--
			}
		}
	}
	return expired, nil
}

func (f *fakeOffers) TryAccept(_ context.Context, offerID, providerID string, now time.Time) (*repository.AcceptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conflicts > 0 {
		f.conflicts--
		return nil, repository.ErrTxConflict
	}

	o, ok := f.rows[offerID]
	if !ok || o.ProviderID != providerID {
		return nil, repository.ErrNotFound
	}
	b, ok := f.bookings.rows[o.BookingID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	bcp := *b

	if b.Status != model.BookingProviderSearch {
		return &repository.AcceptResult{Outcome: repository.OutcomeAlreadyAssigned, Booking: &bcp}, nil
	}
	if !now.Before(o.ExpiresAt) {
		o.State = model.OfferExpired
		if b.PendingOfferCount > 0 {
			b.PendingOfferCount--
		}
		return &repository.AcceptResult{Outcome: repository.OutcomeExpired, Booking: &bcp}, nil
	}
	if o.State != model.OfferSent && o.State != model.OfferSeen {
		return &repository.AcceptResult{Outcome: repository.OutcomeExpired, Booking: &bcp}, nil
	}

	o.State = model.OfferAccepted
	b.Status = model.BookingAssigned
	pid := providerID
	b.AssignedProviderID = &pid
	m := model.AssignAccepted
	b.AssignmentMethod = &m
	b.PendingOfferCount = 0
	b.MatchingExpiresAt = nil

	var losers []model.Offer
	for _, other := range f.rows {
		if other.BookingID != o.BookingID || other.ID == o.ID {
			continue
		}
		switch other.State {
		case model.OfferSent, model.OfferSeen:
			other.State = model.OfferCancelled
			losers = append(losers, *other)
		case model.OfferDeclined:
			other.State = model.OfferCancelled
		}
	}

	bres := *b
	ores := *o
	return &repository.AcceptResult{
		Outcome:   repository.OutcomeAccepted,
		Booking:   &bres,
		Offer:     &ores,
		Cancelled: losers,
	}, nil
}

func (f *fakeOffers) Decline(_ context.Context, offerID, providerID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[offerID]
	if !ok || o.ProviderID != providerID {
		return repository.ErrNotFound
	}
	switch o.State {
	case model.OfferDeclined:
		return nil // idempotent
	case model.OfferSent, model.OfferSeen:
		o.State = model.OfferDeclined
		if b, ok := f.bookings.rows[o.BookingID]; ok && b.PendingOfferCount > 0 {
			b.PendingOfferCount--
		}
		return nil
	default:
		return repository.ErrInvalidTransition
	}
}

func (f *fakeOffers) MarkSeen(_ context.Context, offerID, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[offerID]
	if !ok || o.ProviderID != providerID {
		return repository.ErrNotFound
	}
	if o.State == model.OfferSent {
		o.State = model.OfferSeen
	}
	return nil
}

func (f *fakeOffers) CancelForBooking(_ context.Context, bookingID string) ([]model.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var live []model.Offer
	for _, o := range f.rows {
		if o.BookingID != bookingID {
			continue
		}
		switch o.State {
		case model.OfferSent, model.OfferSeen:
			o.State = model.OfferCancelled
			live = append(live, *o)
		case model.OfferDeclined:
			o.State = model.OfferCancelled
		}
	}
	return live, nil
}

func (f *fakeOffers) ListActive(_ context.Context, bookingID string) ([]model.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Offer
	for _, o := range f.rows {
		if o.BookingID == bookingID && (o.State == model.OfferSent || o.State == model.OfferSeen) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOffers) ListByProvider(_ context.Context, providerID string, states []model.OfferState) ([]model.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Offer
	for _, o := range f.rows {
		if o.ProviderID != providerID {
			continue
		}
		for _, s := range states {
			if o.State == s {
				out = append(out, *o)
				break
			}
		}
	}
	return out, nil
}

// hasOfferFor reports whether any offer row (in any state) exists for the
// pair, matching the eligibility query's exclusion.
func (f *fakeOffers) hasOfferFor(bookingID, providerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.rows {
		if o.BookingID == bookingID && o.ProviderID == providerID {
			return true
		}
	}
	return false
}

// ─── fakeProviders ──────────────────────────────────────────

type fakeProviders struct {
	mu     sync.Mutex
	rows   []repository.EligibleRow
	offers *fakeOffers
}

func newFakeProviders(offers *fakeOffers) *fakeProviders {
	return &fakeProviders{offers: offers}
}

func (f *fakeProviders) add(p model.ProviderProfile, distanceKm float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, repository.EligibleRow{Provider: p, DistanceKm: distanceKm})
}

func (f *fakeProviders) FindEligible(_ context.Context, crit model.DispatchCriteria, _ time.Duration) ([]repository.EligibleRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.EligibleRow
	for _, row := range f.rows {
		p := row.Provider
		if !p.Active || !p.Verified || !p.OffersService(crit.ServiceKind) {
			continue
		}
		if row.DistanceKm > crit.RadiusKm {
			continue
		}
		if crit.BookingID != "" && f.offers.hasOfferFor(crit.BookingID, p.ID) {
			continue
		}
		excluded := false
		for _, id := range crit.Exclude {
			if id == p.ID {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeProviders) GetForDispatch(_ context.Context, id string) (*model.ProviderProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Provider.ID == id {
			cp := row.Provider
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeProviders) UpdateLocation(_ context.Context, id string, loc model.Location, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].Provider.ID == id {
			l := loc
			now := time.Now()
			f.rows[i].Provider.Location = &l
			f.rows[i].Provider.LocationAt = &now
			return nil
		}
	}
	return repository.ErrNotFound
}

// ─── fakePush ───────────────────────────────────────────────

type pushEvent struct {
	user string // set for SendToUser
	room string // set for Broadcast
	typ  string
	data interface{}
}

type fakePush struct {
	mu     sync.Mutex
	events []pushEvent
}

func (f *fakePush) SendToUser(userID, msgType string, data interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pushEvent{user: userID, typ: msgType, data: data})
	return true
}

func (f *fakePush) Broadcast(room, msgType string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pushEvent{room: room, typ: msgType, data: data})
}

func (f *fakePush) ofType(typ string) []pushEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pushEvent
	for _, e := range f.events {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakePush) toUser(userID string) []pushEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pushEvent
	for _, e := range f.events {
		if e.user == userID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakePush) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

// ─── fakeVoice ──────────────────────────────────────────────

type fakeVoice struct {
	mu        sync.Mutex
	calls     []model.CallRequest
	cancelled []string
}

func (f *fakeVoice) SubmitOffer(_ context.Context, call model.CallRequest, _ model.VoicePreferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeVoice) CancelForBooking(_ context.Context, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, bookingID)
	return nil
}

// ─── Harness ────────────────────────────────────────────────

type testEnv struct {
	bookings  *fakeBookings
	offers    *fakeOffers
	providers *fakeProviders
	push      *fakePush
	voice     *fakeVoice
	locks     *KeyedMutex

	cfg        testConfig
	dispatcher *DispatchService
	acceptor   *AcceptService
	canceller  *CancelService
}

type testConfig struct {
	offerTTL       time.Duration
	globalDeadline time.Duration
}

func newTestEnv() *testEnv {
	return newTestEnvWith(5*time.Minute, 10*time.Minute)
}

func newTestEnvWith(offerTTL, globalDeadline time.Duration) *testEnv {
	bookings := newFakeBookings()
	offers := newFakeOffers(bookings)
	providers := newFakeProviders(offers)
	pusher := &fakePush{}
	voice := &fakeVoice{}
	locks := NewKeyedMutex()

	index := NewEligibilityService(providers, 10*time.Minute)

	dcfg := dispatchTestConfig(offerTTL, globalDeadline)
	env := &testEnv{
		bookings:  bookings,
		offers:    offers,
		providers: providers,
		push:      pusher,
		voice:     voice,
		locks:     locks,
		cfg:       testConfig{offerTTL: offerTTL, globalDeadline: globalDeadline},
	}
	env.dispatcher = NewDispatchService(dcfg, bookings, offers, index, pusher, voice, locks)
	env.acceptor = NewAcceptService(AcceptConfig{RetryMax: 3}, bookings, offers, index, pusher, voice, locks)
	env.canceller = NewCancelService(bookings, offers, pusher, voice, locks)
	return env
}

func (e *testEnv) seedBooking(kind model.BookingKind, urgency model.Urgency, scheduledFor *time.Time) *model.Booking {
	b := &model.Booking{
		CustomerID:   "cust-1",
		CustomerName: "Asha Rao",
		ServiceKind:  "plumbing",
		Kind:         kind,
		Urgency:      urgency,
		Location:     model.Location{Lat: 12.9716, Lon: 77.5946},
		ScheduledFor: scheduledFor,
		PriceCents:   45000,
	}
	if err := e.bookings.Create(context.Background(), b); err != nil {
		panic(err)
	}
	return b
}

func (e *testEnv) seedProvider(id string, distanceKm float64) {
	e.providers.add(model.ProviderProfile{
		ID:            id,
		Name:          "Provider " + id,
		Phone:         "+91900000" + id,
		ServiceKinds:  []string{"plumbing"},
		Active:        true,
		Verified:      true,
		Online:        true,
		Rating:        4.5,
		CompletedJobs: 10,
		ResponseRate:  0.9,
	}, distanceKm)
}
