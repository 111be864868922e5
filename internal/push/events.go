package push

import "time"

// Server→client frame types. Data payload shapes follow each constant.
const (
	TypeHello            = "hello"
	TypeAuthOK           = "auth.ok"
	TypeAuthFailed       = "auth.failed"
	TypeError            = "error"
	TypePong             = "pong"
	TypeRoomJoined       = "room.joined"
	TypeRoomDenied       = "room.access_denied"
	TypeOfferNew         = "offer.new"
	TypeOfferExpired     = "offer.expired"
	TypeOfferAccepted    = "offer.accepted"
	TypeMatchingStarted  = "matching.started"
	TypeRadiusExpanded   = "matching.radius_expanded"
	TypeMatchingExpired  = "matching.expired"
	TypeBookingAssigned  = "booking.assigned"
	TypeOrderStatus      = "order.status"
	TypeProviderLocation = "provider.location"
)

// Client→server frame types.
const (
	TypeAuth             = "auth"
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypeOrderSubscribe   = "order.subscribe"
	TypeOrderUnsubscribe = "order.unsubscribe"
	TypeOfferAck         = "offer.ack"
	TypeOfferAccept      = "offer.accept"
	TypeOfferDecline     = "offer.decline"
	TypePing             = "ping"
)

// HelloData opens the handshake; the client must auth within the timeout.
type HelloData struct {
	AuthRequired  bool  `json:"authRequired"`
	AuthTimeoutMs int64 `json:"authTimeoutMs"`
}

// AuthOKData confirms a successful handshake.
type AuthOKData struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Email  string `json:"email"`
}

// AuthFailedData reports a rejected handshake.
type AuthFailedData struct {
	Message string `json:"message"`
}

// ErrorData is the generic failure frame.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RoomJoinedData confirms a room subscription.
type RoomJoinedData struct {
	RoomID string `json:"roomId"`
}

// RoomDeniedData reports a rejected join.
type RoomDeniedData struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// OfferNewData announces a fresh offer to a provider.
type OfferNewData struct {
	OfferID     string    `json:"offerId"`
	BookingID   string    `json:"bookingId"`
	ServiceKind string    `json:"serviceKind"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Address     string    `json:"address,omitempty"`
	PriceCents  int       `json:"price"`
	Urgency     string    `json:"urgency"`
	ExpiresAt   time.Time `json:"expiresAt"`
	DistanceKm  float64   `json:"distanceKm"`
	TravelMin   float64   `json:"travelMin"`
}

// OfferExpiredData tells a provider an offer is gone (expired or cancelled).
type OfferExpiredData struct {
	OfferID   string `json:"offerId"`
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason"`
}

// OfferAcceptedData is the winning provider's acceptance confirmation.
type OfferAcceptedData struct {
	OfferID   string `json:"offerId"`
	BookingID string `json:"bookingId"`
}

// MatchingStartedData tells the customer the search began.
type MatchingStartedData struct {
	BookingID     string    `json:"bookingId"`
	ProviderCount int       `json:"providerCount"`
	RadiusKm      float64   `json:"radiusKm"`
	Wave          int       `json:"wave"`
	DeadlineAt    time.Time `json:"deadlineAt"`
}

// RadiusExpandedData tells the customer the search widened.
type RadiusExpandedData struct {
	BookingID   string  `json:"bookingId"`
	NewRadiusKm float64 `json:"newRadiusKm"`
	Wave        int     `json:"wave"`
}

// MatchingExpiredData tells the customer nobody was found.
type MatchingExpiredData struct {
	BookingID string   `json:"bookingId"`
	Reason    string   `json:"reason"`
	NextSteps []string `json:"nextSteps"`
}

// BookingAssignedData tells the customer their provider.
type BookingAssignedData struct {
	BookingID    string  `json:"bookingId"`
	ProviderID   string  `json:"providerId"`
	ProviderName string  `json:"providerName"`
	EtaMin       float64 `json:"etaMin"`
}

// OrderStatusData carries a status change into the order room.
type OrderStatusData struct {
	BookingID string    `json:"bookingId"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	By        string    `json:"by"`
}

// ProviderLocationData relays a provider fix into the order room.
type ProviderLocationData struct {
	BookingID  string  `json:"bookingId"`
	ProviderID string  `json:"providerId"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Accuracy   float64 `json:"accuracy,omitempty"`
}
