package push

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fixly/dispatch/internal/auth"
	"github.com/fixly/dispatch/internal/metrics"
	"github.com/fixly/dispatch/internal/model"
)

const (
	// writeWait is the deadline for a single outbound frame.
	writeWait = 10 * time.Second

	// pingInterval is the server heartbeat period.
	pingInterval = 30 * time.Second

	// pongWait terminates a connection that missed heartbeat responses.
	pongWait = 60 * time.Second

	// sendBuffer bounds the per-connection outbound queue. A full buffer
	// means a slow consumer; frames are dropped, clients reconcile via REST.
	sendBuffer = 64

	// transportCeiling scales the advertised frame cap into the hard
	// transport read limit.
	transportCeiling = 16
)

// Conn is one authenticated client connection: a reader goroutine, a writer
// goroutine, and the set of rooms it is subscribed to.
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	remoteIP string

	ident *auth.Identity
	rooms map[string]struct{}

	send      chan *Message
	closeOnce sync.Once

	// Sliding one-minute inbound rate window.
	winStart time.Time
	winCount int
}

// Serve runs the connection lifecycle: handshake, then reader and writer
// pumps until either side closes. Blocks until the connection is done.
func (h *Hub) Serve(ws *websocket.Conn, remoteIP string) {
	c := &Conn{
		hub:      h,
		ws:       ws,
		remoteIP: remoteIP,
		rooms:    make(map[string]struct{}),
		send:     make(chan *Message, sendBuffer),
	}
	defer h.releaseIP(remoteIP)

	// Oversized frames: anything past the advertised cap gets an error
	// frame from the read loop. The transport ceiling sits well above the
	// cap so the application answer comes first; a frame that blows the
	// ceiling closes the socket (1009 from the transport).
	ws.SetReadLimit(transportCeiling * h.cfg.MaxFrameBytes)

	go c.writePump()

	if reason := c.handshake(); reason != "" {
		c.closeWithReason(reason)
		return
	}

	h.register(c)
	defer h.unregister(c)
	c.readPump()
}

// ─── Handshake ──────────────────────────────────────────────

// handshake sends hello and waits for a valid auth frame within the
// configured timeout. Returns "" on success, otherwise the close reason
// the client should see: auth-timeout when the deadline lapsed,
// bad-auth-frame for a malformed or out-of-order frame, auth-failed for a
// rejected token.
func (c *Conn) handshake() string {
	c.enqueue(NewMessage(TypeHello, HelloData{
		AuthRequired:  true,
		AuthTimeoutMs: c.hub.cfg.AuthTimeout.Milliseconds(),
	}))

	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.AuthTimeout))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return "auth-timeout"
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != TypeAuth {
		c.enqueue(NewMessage(TypeAuthFailed, AuthFailedData{Message: "expected auth frame"}))
		return "bad-auth-frame"
	}
	var payload authPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		c.enqueue(NewMessage(TypeAuthFailed, AuthFailedData{Message: "malformed auth payload"}))
		return "bad-auth-frame"
	}

	ident, err := c.hub.verifier.Verify(payload.Token)
	if err != nil {
		c.enqueue(NewMessage(TypeAuthFailed, AuthFailedData{Message: err.Error()}))
		return "auth-failed"
	}

	c.ident = ident
	c.enqueue(NewMessage(TypeAuthOK, AuthOKData{
		UserID: ident.UserID,
		Role:   string(ident.Role),
		Email:  ident.Email,
	}))
	return ""
}

// ─── Reader ─────────────────────────────────────────────────

func (c *Conn) readPump() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			// Past the transport ceiling the library has already sent a
			// 1009 close; tear the socket down on our side too.
			if errors.Is(err, websocket.ErrReadLimit) {
				c.closeWithReason("frame-too-large")
			}
			return
		}

		if int64(len(raw)) > c.hub.cfg.MaxFrameBytes {
			c.sendError(Errorf(CodeTooLarge, "frame exceeds %d bytes", c.hub.cfg.MaxFrameBytes))
			continue
		}
		if !c.allowMessage() {
			return // allowMessage already closed at 2× the limit
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError(Errorf(CodeInvalidInput, "malformed frame"))
			continue
		}
		c.dispatch(frame)
	}
}

// allowMessage applies the per-connection inbound rate limit: an error frame
// past the limit, a hard close at twice the limit.
func (c *Conn) allowMessage() bool {
	now := time.Now()
	if now.Sub(c.winStart) >= time.Minute {
		c.winStart = now
		c.winCount = 0
	}
	c.winCount++

	limit := c.hub.cfg.MaxMsgPerMin
	switch {
	case c.winCount > 2*limit:
		c.closeWithReason("rate-limit")
		return false
	case c.winCount > limit:
		c.sendError(Errorf(CodeRateLimited, "max %d messages per minute", limit))
		return true
	}
	return true
}

// dispatch routes one inbound frame. Unknown types are rejected, not
// silently accepted.
func (c *Conn) dispatch(frame inboundFrame) {
	ctx := context.Background()

	switch frame.Type {
	case TypePing:
		c.enqueue(NewMessage(TypePong, struct{}{}))

	case TypeJoinRoom:
		var p roomPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
			c.sendError(Errorf(CodeInvalidInput, "join_room requires roomId"))
			return
		}
		if err := c.hub.joinRoom(ctx, c, p.RoomID); err != nil {
			c.enqueue(NewMessage(TypeRoomDenied, RoomDeniedData{RoomID: p.RoomID, Message: errMessage(err)}))
			return
		}
		c.enqueue(NewMessage(TypeRoomJoined, RoomJoinedData{RoomID: p.RoomID}))

	case TypeLeaveRoom:
		var p roomPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
			c.sendError(Errorf(CodeInvalidInput, "leave_room requires roomId"))
			return
		}
		c.hub.leaveRoom(c, p.RoomID)

	case TypeOrderSubscribe:
		var p orderPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.OrderID == "" {
			c.sendError(Errorf(CodeInvalidInput, "order.subscribe requires orderId"))
			return
		}
		room := RoomOrder(p.OrderID)
		if err := c.hub.joinRoom(ctx, c, room); err != nil {
			c.enqueue(NewMessage(TypeRoomDenied, RoomDeniedData{RoomID: room, Message: errMessage(err)}))
			return
		}
		c.enqueue(NewMessage(TypeRoomJoined, RoomJoinedData{RoomID: room}))

	case TypeOrderUnsubscribe:
		var p orderPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.OrderID == "" {
			c.sendError(Errorf(CodeInvalidInput, "order.unsubscribe requires orderId"))
			return
		}
		c.hub.leaveRoom(c, RoomOrder(p.OrderID))

	case TypeOfferAck:
		var p offerAckPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.OfferID == "" {
			c.sendError(Errorf(CodeInvalidInput, "offer.ack requires offerId"))
			return
		}
		if err := c.hub.actions.OfferAck(ctx, c.ident, p.OfferID); err != nil {
			c.sendError(err)
		}

	case TypeOfferAccept:
		var p offerAcceptPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.OfferID == "" {
			c.sendError(Errorf(CodeInvalidInput, "offer.accept requires offerId"))
			return
		}
		reply, err := c.hub.actions.OfferAccept(ctx, c.ident, p.OfferID)
		if err != nil {
			c.sendError(err)
			return
		}
		c.enqueue(NewMessage(reply.Type, reply.Data))

	case TypeOfferDecline:
		var p offerDeclinePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.OfferID == "" {
			c.sendError(Errorf(CodeInvalidInput, "offer.decline requires offerId"))
			return
		}
		if err := c.hub.actions.OfferDecline(ctx, c.ident, p.OfferID, p.Reason); err != nil {
			c.sendError(err)
		}

	case TypeProviderLocation:
		var p providerLocationPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.sendError(Errorf(CodeInvalidInput, "malformed provider.location"))
			return
		}
		loc := model.Location{Lat: p.Lat, Lon: p.Lon}
		if !loc.Valid() {
			c.sendError(Errorf(CodeInvalidInput, "coordinates out of range"))
			return
		}
		if err := c.hub.actions.ProviderLocation(ctx, c.ident, p.OrderID, loc, p.Accuracy); err != nil {
			c.sendError(err)
		}

	default:
		c.sendError(Errorf(CodeUnknownType, "unknown message type %q", frame.Type))
	}
}

// ─── Writer ─────────────────────────────────────────────────

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────

// enqueue queues an outbound frame without blocking. A full buffer means
// the recipient is too slow; the frame is dropped and counted.
func (c *Conn) enqueue(msg *Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		metrics.PushDropped.Inc()
		return false
	}
}

func (c *Conn) sendError(err error) {
	var pe *Error
	if errors.As(err, &pe) {
		c.enqueue(NewMessage(TypeError, ErrorData{Message: pe.Message, Code: pe.Code}))
		return
	}
	log.Printf("[push] internal error on %s: %v", c.remoteIP, err)
	c.enqueue(NewMessage(TypeError, ErrorData{Message: "temporarily unavailable", Code: CodeUnavailable}))
}

func errMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return "access denied"
}

// closeWithReason sends a close frame and tears down the connection. The
// writer pump exits on its next failed write; the send channel is left open
// so late enqueues are harmless no-ops.
func (c *Conn) closeWithReason(reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}
