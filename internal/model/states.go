package model

// Offer and booking state machines. Store patches are validated against
// these tables before they are written, so an out-of-order update is a
// programming error surfaced at the repository boundary.

// ─── Offer transitions ──────────────────────────────────────

var offerTransitions = map[OfferState][]OfferState{
	OfferSent:     {OfferSeen, OfferAccepted, OfferDeclined, OfferExpired, OfferCancelled},
	OfferSeen:     {OfferAccepted, OfferDeclined, OfferExpired, OfferCancelled},
	OfferDeclined: {OfferCancelled},
	// accepted, expired, cancelled are terminal.
}

// CanTransition reports whether the offer state machine permits s → to.
func (s OfferState) CanTransition(to OfferState) bool {
	for _, next := range offerTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further offer transitions are possible.
// Declined is terminal for providers but may still be swept to cancelled
// when the whole booking is torn down.
func (s OfferState) Terminal() bool {
	switch s {
	case OfferAccepted, OfferDeclined, OfferExpired, OfferCancelled:
		return true
	}
	return false
}

// ─── Booking transitions ────────────────────────────────────

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:        {BookingProviderSearch, BookingCancelled},
	BookingProviderSearch: {BookingAssigned, BookingCancelled, BookingNoProvidersFound},
	BookingAssigned:       {BookingInProgress, BookingCancelled},
	BookingInProgress:     {BookingCompleted, BookingCancelled},
	// completed, cancelled, no_providers_found are terminal.
}

// CanTransition reports whether the booking state machine permits s → to.
func (s BookingStatus) CanTransition(to BookingStatus) bool {
	for _, next := range bookingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
