// Package model contains domain models for the job dispatch core.
// These structs map to the PostgreSQL schema defined in migrations/001_create_schema.up.sql.
package model

import (
	"fmt"
	"time"
)

// ─── Enums ──────────────────────────────────────────────────

type UserRole string

const (
	RoleCustomer        UserRole = "customer"
	RoleServiceProvider UserRole = "service_provider"
	RolePartsProvider   UserRole = "parts_provider"
	RoleAdmin           UserRole = "admin"
)

// IsProvider reports whether the role may receive job offers.
func (r UserRole) IsProvider() bool {
	return r == RoleServiceProvider || r == RolePartsProvider
}

type BookingKind string

const (
	KindInstant   BookingKind = "instant"
	KindScheduled BookingKind = "scheduled"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// Rank maps urgency to an ordinal for comparisons and offer priority.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 0
	case UrgencyNormal:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyUrgent:
		return 3
	}
	return 1
}

// AtLeast reports whether u meets the given minimum urgency.
func (u Urgency) AtLeast(min Urgency) bool {
	return u.Rank() >= min.Rank()
}

type BookingStatus string

const (
	BookingPending          BookingStatus = "pending"
	BookingProviderSearch   BookingStatus = "provider_search"
	BookingAssigned         BookingStatus = "assigned"
	BookingInProgress       BookingStatus = "in_progress"
	BookingCompleted        BookingStatus = "completed"
	BookingCancelled        BookingStatus = "cancelled"
	BookingNoProvidersFound BookingStatus = "no_providers_found"
)

type AssignmentMethod string

const (
	AssignAccepted  AssignmentMethod = "accepted"
	AssignTimeout   AssignmentMethod = "timeout"
	AssignCancelled AssignmentMethod = "cancelled"
	AssignManual    AssignmentMethod = "manual"
)

type OfferState string

const (
	OfferSent      OfferState = "sent"
	OfferSeen      OfferState = "seen"
	OfferAccepted  OfferState = "accepted"
	OfferDeclined  OfferState = "declined"
	OfferExpired   OfferState = "expired"
	OfferCancelled OfferState = "cancelled"
)

// ─── Location ───────────────────────────────────────────────

// Location represents a WGS-84 geographic point (EPSG:4326).
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

// Valid reports whether the coordinates are inside WGS-84 bounds.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// ─── Domain Models ──────────────────────────────────────────

// RadiusExpansion is one entry of a booking's search history: the radius
// used for a wave and how many providers it surfaced.
type RadiusExpansion struct {
	Wave           int       `json:"wave"`
	RadiusKm       float64   `json:"radius_km"`
	ProvidersFound int       `json:"providers_found"`
	ExpandedAt     time.Time `json:"expanded_at"`
}

// Booking maps to the `bookings` table.
type Booking struct {
	ID            string      `json:"id"`
	CustomerID    string      `json:"customer_id"`
	CustomerName  string      `json:"customer_name"`
	ServiceKind   string      `json:"service_kind"`
	Kind          BookingKind `json:"kind"`
	Urgency       Urgency     `json:"urgency"`
	Location      Location    `json:"location"`
	ScheduledFor  *time.Time  `json:"scheduled_for,omitempty"`
	PriceCents    int         `json:"price_cents"`
	PaymentMethod string      `json:"payment_method"`
	Notes         string      `json:"notes,omitempty"`

	Status             BookingStatus     `json:"status"`
	CurrentRadiusKm    float64           `json:"current_radius_km"`
	SearchWave         int               `json:"search_wave"`
	RadiusHistory      []RadiusExpansion `json:"radius_history,omitempty"`
	MatchingExpiresAt  *time.Time        `json:"matching_expires_at,omitempty"`
	PendingOfferCount  int               `json:"pending_offer_count"`
	AssignedProviderID *string           `json:"assigned_provider_id,omitempty"`
	AssignmentMethod   *AssignmentMethod `json:"assignment_method,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the booking can no longer change status.
func (b *Booking) Terminal() bool {
	switch b.Status {
	case BookingCompleted, BookingCancelled, BookingNoProvidersFound:
		return true
	}
	return false
}

// Offer maps to the `offers` table: one invitation to one provider for one booking.
type Offer struct {
	ID            string     `json:"id"`
	BookingID     string     `json:"booking_id"`
	ProviderID    string     `json:"provider_id"`
	State         OfferState `json:"state"`
	Priority      int        `json:"priority"` // derived from booking urgency
	DistanceKm    float64    `json:"distance_km"`
	TravelMinutes float64    `json:"travel_minutes"`
	DeclineReason *string    `json:"decline_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// Live reports whether the offer can still be acted on at the given instant.
// An offer at exactly expires-at is already expired.
func (o *Offer) Live(now time.Time) bool {
	if o.State != OfferSent && o.State != OfferSeen {
		return false
	}
	return now.Before(o.ExpiresAt)
}

// ─── Provider projection ────────────────────────────────────

// AvailabilityWindow is a provider-declared "HH:MM-HH:MM" range for one weekday.
type AvailabilityWindow struct {
	Start string `json:"start"` // "09:00"
	End   string `json:"end"`   // "18:30"
}

// Covers reports whether the wall-clock time of t falls inside the window.
func (w AvailabilityWindow) Covers(t time.Time) bool {
	hm := t.Format("15:04")
	return hm >= w.Start && hm < w.End
}

// VoicePreferences gates outbound voice notifications for a provider.
type VoicePreferences struct {
	Enabled         bool    `json:"enabled"`
	QuietStart      string  `json:"quiet_start,omitempty"` // "22:00", local time
	QuietEnd        string  `json:"quiet_end,omitempty"`   // "07:00"; may wrap midnight
	MaxCallsPerHour int     `json:"max_calls_per_hour"`
	MinUrgency      Urgency `json:"min_urgency"`
}

// InQuietHours reports whether the local wall-clock time of t falls inside
// the quiet window. A window that wraps midnight (22:00-07:00) includes
// 23:30 and 03:00 and excludes 12:00.
func (v VoicePreferences) InQuietHours(t time.Time) bool {
	if v.QuietStart == "" || v.QuietEnd == "" {
		return false
	}
	hm := t.Format("15:04")
	if v.QuietStart <= v.QuietEnd {
		return hm >= v.QuietStart && hm < v.QuietEnd
	}
	// Wraps midnight.
	return hm >= v.QuietStart || hm < v.QuietEnd
}

// ProviderProfile is the read-only projection the dispatch core consumes.
// The core never writes provider data except the live-location cache.
type ProviderProfile struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Phone         string   `json:"phone"`
	Language      string   `json:"language"`
	ServiceKinds  []string `json:"service_kinds"`
	Active        bool     `json:"active"`
	Verified      bool     `json:"verified"`
	Online        bool     `json:"online"`

	Location   *Location  `json:"location,omitempty"`
	LocationAt *time.Time `json:"location_at,omitempty"` // freshness of the fix

	Availability    map[time.Weekday][]AvailabilityWindow `json:"availability,omitempty"`
	ServiceRadiusKm float64                               `json:"service_radius_km"`

	Rating        float64 `json:"rating"`
	CompletedJobs int     `json:"completed_jobs"`
	ResponseRate  float64 `json:"response_rate"` // 0..1

	Voice VoicePreferences `json:"voice"`
}

// AvailableAt reports whether any declared window covers t on its weekday.
func (p *ProviderProfile) AvailableAt(t time.Time) bool {
	for _, w := range p.Availability[t.Weekday()] {
		if w.Covers(t) {
			return true
		}
	}
	return false
}

// OffersService reports whether the provider has declared the service kind.
func (p *ProviderProfile) OffersService(kind string) bool {
	for _, k := range p.ServiceKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ─── Dispatch DTOs ──────────────────────────────────────────

// DispatchCriteria is the eligibility query for one wave of one booking.
type DispatchCriteria struct {
	ServiceKind  string
	Center       Location
	Urgency      Urgency
	ScheduledFor *time.Time // nil for instant bookings
	RadiusKm     float64
	MaxResults   int
	BookingID    string   // providers already contacted for it are excluded
	Exclude      []string // provider ids excluded explicitly (earlier waves)
}

// Candidate is one ranked eligibility result.
type Candidate struct {
	Provider      *ProviderProfile
	DistanceKm    float64
	TravelMinutes float64
}

// CallRequest is the contract submitted to the Voice Notifier per offer.
type CallRequest struct {
	ProviderID   string    `json:"provider_id"`
	Phone        string    `json:"phone"`
	BookingID    string    `json:"booking_id"`
	OfferID      string    `json:"offer_id"`
	Urgency      Urgency   `json:"urgency"`
	CustomerName string    `json:"customer_name"`
	ServiceKind  string    `json:"service_kind"`
	PriceCents   int       `json:"price_cents"`
	ExpiresAt    time.Time `json:"expires_at"`
	Language     string    `json:"language"`
}

// String implements fmt.Stringer for log lines.
func (c CallRequest) String() string {
	return fmt.Sprintf("call{provider=%s booking=%s offer=%s urgency=%s}",
		c.ProviderID, c.BookingID, c.OfferID, c.Urgency)
}
