package handler

import (
	"context"
	"errors"
	"time"

	"github.com/fixly/dispatch/internal/auth"
	"github.com/fixly/dispatch/internal/model"
	"github.com/fixly/dispatch/internal/push"
	"github.com/fixly/dispatch/internal/service"
)

// PushAdapter feeds websocket frames into the services and enforces the
// order-room access policy. It implements push.ActionHandler and
// push.AccessChecker, keeping the push package free of service imports.
type PushAdapter struct {
	bookingSvc *service.BookingService
	acceptSvc  *service.AcceptService
	freshness  time.Duration
}

// NewPushAdapter wires the adapter.
func NewPushAdapter(bookingSvc *service.BookingService, acceptSvc *service.AcceptService, freshness time.Duration) *PushAdapter {
	return &PushAdapter{bookingSvc: bookingSvc, acceptSvc: acceptSvc, freshness: freshness}
}

// CanAccessOrder admits the booking's customer, its assigned provider, any
// provider holding a live offer on it, and admins.
func (a *PushAdapter) CanAccessOrder(ctx context.Context, ident *auth.Identity, bookingID string) error {
	_, err := a.bookingSvc.Get(ctx, ident, bookingID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return push.Errorf(push.CodeForbidden, "no access to order %s", bookingID)
		}
		return push.Errorf(push.CodeUnavailable, "try again shortly")
	}
	return nil
}

// OfferAck marks an offer seen.
func (a *PushAdapter) OfferAck(ctx context.Context, ident *auth.Identity, offerID string) error {
	if !ident.Role.IsProvider() {
		return push.Errorf(push.CodeForbidden, "only providers act on offers")
	}
	return pushError(a.acceptSvc.MarkSeen(ctx, ident.UserID, offerID))
}

// OfferAccept attempts to win the booking; on success the caller gets an
// offer.accepted reply while the customer and losers are notified by the
// service.
func (a *PushAdapter) OfferAccept(ctx context.Context, ident *auth.Identity, offerID string) (*push.Reply, error) {
	if !ident.Role.IsProvider() {
		return nil, push.Errorf(push.CodeForbidden, "only providers act on offers")
	}
	b, err := a.acceptSvc.Accept(ctx, ident.UserID, offerID)
	if err != nil {
		return nil, pushError(err)
	}
	return &push.Reply{
		Type: push.TypeOfferAccepted,
		Data: push.OfferAcceptedData{OfferID: offerID, BookingID: b.ID},
	}, nil
}

// OfferDecline turns an offer down.
func (a *PushAdapter) OfferDecline(ctx context.Context, ident *auth.Identity, offerID, reason string) error {
	if !ident.Role.IsProvider() {
		return push.Errorf(push.CodeForbidden, "only providers act on offers")
	}
	return pushError(a.acceptSvc.Decline(ctx, ident.UserID, offerID, reason))
}

// ProviderLocation ingests a live fix from the assigned provider and relays
// it into the order room.
func (a *PushAdapter) ProviderLocation(ctx context.Context, ident *auth.Identity, orderID string, loc model.Location, accuracy float64) error {
	if !ident.Role.IsProvider() {
		return push.Errorf(push.CodeForbidden, "only providers report location")
	}
	if orderID == "" {
		return push.Errorf(push.CodeInvalidInput, "provider.location requires orderId")
	}
	return pushError(a.bookingSvc.ReportLocation(ctx, ident.UserID, orderID, loc, accuracy, a.freshness))
}

// pushError maps service sentinels onto client-visible push error codes.
func pushError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrNotFound):
		return push.Errorf(push.CodeNotFound, "offer or booking not found")
	case errors.Is(err, service.ErrAlreadyAssigned):
		return push.Errorf(push.CodeAlreadyAssigned, "another provider was assigned first")
	case errors.Is(err, service.ErrOfferExpired):
		return push.Errorf(push.CodeExpired, "this offer is no longer available")
	case errors.Is(err, service.ErrInvalidInput):
		return push.Errorf(push.CodeInvalidInput, "%v", err)
	default:
		return push.Errorf(push.CodeUnavailable, "try again shortly")
	}
}
