package push

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/fixly/dispatch/config"
	"github.com/fixly/dispatch/internal/auth"
	"github.com/fixly/dispatch/internal/metrics"
	"github.com/fixly/dispatch/internal/model"
)

// ─── Room naming ────────────────────────────────────────────

const (
	RoomProviders = "providers"
	RoomAdmin     = "admin"

	roomUserPrefix  = "user:"
	roomOrderPrefix = "order:"
)

// RoomUser names a single user's private room.
func RoomUser(userID string) string { return roomUserPrefix + userID }

// RoomOrder names the shared room for one booking.
func RoomOrder(bookingID string) string { return roomOrderPrefix + bookingID }

// ─── Collaborator contracts ─────────────────────────────────

// AccessChecker validates order-room access against the current booking row.
// Stale permissions (a losing provider after assignment) are revoked on the
// next access attempt because every join re-checks.
type AccessChecker interface {
	CanAccessOrder(ctx context.Context, ident *auth.Identity, bookingID string) error
}

// Reply is an immediate response frame to the issuing connection.
type Reply struct {
	Type string
	Data interface{}
}

// ActionHandler processes inbound domain frames. Errors of type *Error are
// forwarded to the client verbatim; anything else becomes a generic
// unavailable error.
type ActionHandler interface {
	OfferAck(ctx context.Context, ident *auth.Identity, offerID string) error
	OfferAccept(ctx context.Context, ident *auth.Identity, offerID string) (*Reply, error)
	OfferDecline(ctx context.Context, ident *auth.Identity, offerID, reason string) error
	ProviderLocation(ctx context.Context, ident *auth.Identity, orderID string, loc model.Location, accuracy float64) error
}

// ─── Hub ────────────────────────────────────────────────────

// Hub owns the connection table and room membership. All mutation goes
// through its mutex; fan-out never blocks on a slow recipient — the frame
// is dropped and the stores remain the source of truth.
type Hub struct {
	cfg      config.PushConfig
	verifier *auth.Verifier
	access   AccessChecker
	actions  ActionHandler

	mu      sync.RWMutex
	conns   map[string]*Conn // user id → active connection
	rooms   map[string]map[*Conn]struct{}
	ipConns map[string]int
	closed  bool
}

// NewHub creates the hub. SetActions and SetAccess must be called before
// serving connections (both depend on services built after the hub).
func NewHub(cfg config.PushConfig, verifier *auth.Verifier, access AccessChecker) *Hub {
	return &Hub{
		cfg:      cfg,
		verifier: verifier,
		access:   access,
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[*Conn]struct{}),
		ipConns:  make(map[string]int),
	}
}

// SetActions wires the inbound frame handler.
func (h *Hub) SetActions(a ActionHandler) { h.actions = a }

// SetAccess wires the order-room access policy.
func (h *Hub) SetAccess(a AccessChecker) { h.access = a }

// ─── IP admission ───────────────────────────────────────────

// TryAdmitIP reserves a connection slot for the client address. Returns
// false when the per-IP cap is reached; the caller refuses the upgrade.
func (h *Hub) TryAdmitIP(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.ipConns[ip] >= h.cfg.MaxConnPerIP {
		return false
	}
	h.ipConns[ip]++
	return true
}

// ReleaseIP returns a reserved slot when the upgrade never produced a
// connection. Served connections release their slot themselves.
func (h *Hub) ReleaseIP(ip string) { h.releaseIP(ip) }

func (h *Hub) releaseIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipConns[ip] > 1 {
		h.ipConns[ip]--
	} else {
		delete(h.ipConns, ip)
	}
}

// ─── Registration ───────────────────────────────────────────

// register maps the authenticated user to the connection, displacing any
// prior connection for the same user, and auto-subscribes the role rooms.
func (h *Hub) register(c *Conn) {
	var displaced *Conn

	h.mu.Lock()
	if prev, ok := h.conns[c.ident.UserID]; ok {
		displaced = prev
	}
	h.conns[c.ident.UserID] = c
	h.subscribeLocked(c, RoomUser(c.ident.UserID))
	if c.ident.Role.IsProvider() {
		h.subscribeLocked(c, RoomProviders)
	}
	if c.ident.Role == model.RoleAdmin {
		h.subscribeLocked(c, RoomAdmin)
	}
	h.mu.Unlock()

	metrics.PushConnections.Inc()
	if displaced != nil {
		displaced.closeWithReason("replaced")
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if c.ident != nil {
		if cur, ok := h.conns[c.ident.UserID]; ok && cur == c {
			delete(h.conns, c.ident.UserID)
		}
	}
	for room := range c.rooms {
		h.unsubscribeLocked(c, room)
	}
	h.mu.Unlock()
	metrics.PushConnections.Dec()
}

func (h *Hub) subscribeLocked(c *Conn, room string) {
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) unsubscribeLocked(c *Conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// ─── Room access policy ─────────────────────────────────────

// joinRoom validates and subscribes. Subscribing twice is a no-op with one
// membership.
func (h *Hub) joinRoom(ctx context.Context, c *Conn, room string) error {
	switch {
	case strings.HasPrefix(room, roomUserPrefix):
		if room != RoomUser(c.ident.UserID) {
			return Errorf(CodeForbidden, "room %s is private", room)
		}
	case room == RoomProviders:
		if !c.ident.Role.IsProvider() {
			return Errorf(CodeForbidden, "room %s requires a provider role", room)
		}
	case room == RoomAdmin:
		if c.ident.Role != model.RoleAdmin {
			return Errorf(CodeForbidden, "room %s requires the admin role", room)
		}
	case strings.HasPrefix(room, roomOrderPrefix):
		bookingID := strings.TrimPrefix(room, roomOrderPrefix)
		if err := h.access.CanAccessOrder(ctx, c.ident, bookingID); err != nil {
			return err
		}
	default:
		return Errorf(CodeNotFound, "unknown room %s", room)
	}

	h.mu.Lock()
	h.subscribeLocked(c, room)
	h.mu.Unlock()
	return nil
}

func (h *Hub) leaveRoom(c *Conn, room string) {
	// The auto-subscribed private room cannot be left; everything else can.
	if room == RoomUser(c.ident.UserID) {
		return
	}
	h.mu.Lock()
	h.unsubscribeLocked(c, room)
	h.mu.Unlock()
}

// ─── Fan-out ────────────────────────────────────────────────

// SendToUser delivers one event to a single user if connected. Returns false
// when the user has no connection or the frame was dropped; booking state is
// the source of truth either way.
func (h *Hub) SendToUser(userID, msgType string, data interface{}) bool {
	h.mu.RLock()
	c, ok := h.conns[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(NewMessage(msgType, data))
}

// Broadcast fans one logical event out to every subscriber of a room. Each
// recipient gets a fresh message id. Enqueue order on a single room is the
// delivery order per subscriber.
func (h *Hub) Broadcast(room, msgType string, data interface{}) {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(NewMessage(msgType, data))
	}
}

// ─── Shutdown ───────────────────────────────────────────────

// Shutdown closes every open connection with a server-shutting-down reason.
// The hub accepts no connections afterwards.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWithReason("server-shutting-down")
	}
	log.Printf("[push] hub shut down, %d connections closed", len(conns))
}
