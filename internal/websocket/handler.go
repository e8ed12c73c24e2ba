// Package websocket serves live connections: each one authenticates once,
// is bound to its identity's private topic, and may join auction topics.
package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/aaronwang/live-auction/internal/auth"
	"github.com/aaronwang/live-auction/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins; the credential check is what gates access
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	manager    *Manager
	verifier   auth.Verifier
	bidTimeout time.Duration
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager, verifier auth.Verifier, bidTimeout time.Duration) *Handler {
	return &Handler{
		manager:    manager,
		verifier:   verifier,
		bidTimeout: bidTimeout,
	}
}

// RegisterRoutes mounts the websocket endpoint on router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")
	router.HandleFunc("/ws/stats/auctions/{id}", h.GetStats).Methods("GET")
}

// HandleWebSocket authenticates the request and upgrades it.
// A bad credential is refused with 401 before any upgrade happens.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.VerifyCredential(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "authentication error", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := newClient(uuid.New().String(), identity, conn)

	// Register first so the private topic exists before anything else is sent
	if !h.manager.RegisterClient(client) {
		conn.Close()
		return
	}
	client.reply("connected", map[string]string{
		"clientId": client.id,
		"userId":   identity.UserID,
	})

	go h.manager.readPump(client, h.bidTimeout)
}

// GetStats returns how many connections watch an auction
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	count := h.manager.hub.Count(notify.AuctionTopic(auctionID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{"auctionId": auctionID, "subscribers": count})
}
