package archive

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/models"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// History reads back what the worker archived
type History interface {
	GetEventHistory(ctx context.Context, auctionID string, limit int) ([]*Record, error)
	GetBidHistory(ctx context.Context, auctionID string, limit int) ([]models.Bid, error)
}

// AuditHandler serves the archived history of auctions
type AuditHandler struct {
	history History
	logger  zerolog.Logger
}

// NewAuditHandler creates the read-only audit API
func NewAuditHandler(history History, logger zerolog.Logger) *AuditHandler {
	return &AuditHandler{
		history: history,
		logger:  logging.Component(logger, "audit"),
	}
}

// RegisterRoutes registers the audit routes
func (h *AuditHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/audit/auctions/{id}/events", h.events).Methods(http.MethodGet)
	router.HandleFunc("/audit/auctions/{id}/bids", h.bids).Methods(http.MethodGet)
}

func (h *AuditHandler) events(w http.ResponseWriter, r *http.Request) {
	limit, ok := historyLimit(w, r)
	if !ok {
		return
	}
	auctionID := mux.Vars(r)["id"]
	records, err := h.history.GetEventHistory(r.Context(), auctionID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("auctionId", auctionID).Msg("failed to read event history")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history unavailable"})
		return
	}
	if records == nil {
		records = []*Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"auctionId": auctionID, "events": records})
}

func (h *AuditHandler) bids(w http.ResponseWriter, r *http.Request) {
	limit, ok := historyLimit(w, r)
	if !ok {
		return
	}
	auctionID := mux.Vars(r)["id"]
	bids, err := h.history.GetBidHistory(r.Context(), auctionID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("auctionId", auctionID).Msg("failed to read bid history")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history unavailable"})
		return
	}
	if bids == nil {
		bids = []models.Bid{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"auctionId": auctionID, "bids": bids})
}

// historyLimit parses ?limit=, capped at maxHistoryLimit
func historyLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return 0, false
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
