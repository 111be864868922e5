// Package push implements the real-time bus: authenticated websocket
// connections with room-based fan-out to customers, providers and admins.
package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the single wire envelope for every server-initiated frame.
// MessageID is fresh per recipient: the same logical event broadcast to a
// room shares no id between subscribers, so clients can dedupe safely.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"` // unix ms
	MessageID string      `json:"messageId"`
}

// NewMessage stamps a payload with the envelope fields.
func NewMessage(msgType string, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	}
}

// inboundFrame is the client→server envelope; Data stays raw until the
// frame type selects a payload shape.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ─── Inbound payloads ───────────────────────────────────────

type authPayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type orderPayload struct {
	OrderID string `json:"orderId"`
}

type offerAckPayload struct {
	OfferID string `json:"offerId"`
}

type offerAcceptPayload struct {
	OfferID string `json:"offerId"`
}

type offerDeclinePayload struct {
	OfferID string `json:"offerId"`
	Reason  string `json:"reason"`
}

type providerLocationPayload struct {
	OrderID  string  `json:"orderId"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// ─── Error values ───────────────────────────────────────────

// Error is a client-visible failure; Code lands in the error frame so
// clients can branch without string matching.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("push: %s: %s", e.Code, e.Message)
}

// Errorf builds a client-visible error frame value.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Well-known error codes on the push bus.
const (
	CodeUnknownType     = "unknownType"
	CodeTooLarge        = "tooLarge"
	CodeRateLimited     = "rateLimited"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not-found"
	CodeAlreadyAssigned = "already-assigned"
	CodeExpired         = "expired"
	CodeInvalidInput    = "invalid-input"
	CodeUnavailable     = "unavailable"
)
