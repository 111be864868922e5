package handler

import (
	"log"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/fixly/dispatch/internal/push"
)

// WSHandler upgrades HTTP requests onto the push bus.
type WSHandler struct {
	hub      *push.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates the websocket entry point.
func NewWSHandler(hub *push.Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth happens in-band after the upgrade; origin policy
			// belongs to the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws
//
// Admits the client against the per-IP cap, upgrades, and hands the
// connection to the hub. Authentication happens in-band: the hub sends
// hello and expects an auth frame within the configured timeout.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !h.hub.TryAdmitIP(ip) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":   "too_many_connections",
			"message": "Connection limit reached for this address.",
		})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response; just release the slot.
		log.Printf("[push] upgrade failed for %s: %v", ip, err)
		h.hub.ReleaseIP(ip)
		return
	}

	h.hub.Serve(ws, ip)
}

// remoteIP extracts the client address, honoring the proxy header the edge
// sets.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
