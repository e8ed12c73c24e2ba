package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/live-auction/internal/auth"
	"github.com/aaronwang/live-auction/internal/lifecycle"
	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/registry"
	"github.com/aaronwang/live-auction/internal/store"
)

// BidService is the admission side used by the handlers
type BidService interface {
	SubmitBid(ctx context.Context, bidderID, auctionID string, amount decimal.Decimal) *models.BidResponse
	ListBids(ctx context.Context, auctionID string) ([]models.Bid, error)
	Watch(ctx context.Context, auctionID, userID string, on bool) (*models.Auction, error)
}

// Lifecycle is the state machine side used by the handlers
type Lifecycle interface {
	Create(ctx context.Context, sellerID string, req *models.CreateAuctionRequest) (*models.Auction, error)
	Check(ctx context.Context, auctionID string) (*registry.Snapshot, error)
	Publish(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error)
	Cancel(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error)
	Pause(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error)
	Resume(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error)
	Close(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error)
}

// Handler contains HTTP request handlers
type Handler struct {
	bids      BidService
	lifecycle Lifecycle
	verifier  auth.Verifier
	metrics   http.Handler
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewHandler creates a new HTTP handler. metricsHandler serves /metrics and may be nil.
func NewHandler(bids BidService, lc Lifecycle, verifier auth.Verifier, metricsHandler http.Handler, logger zerolog.Logger, timeout time.Duration) *Handler {
	return &Handler{
		bids:      bids,
		lifecycle: lc,
		verifier:  verifier,
		metrics:   metricsHandler,
		logger:    logging.Component(logger, "http"),
		timeout:   timeout,
	}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if h.metrics != nil {
		router.Handle("/metrics", h.metrics).Methods("GET")
	}

	// API routes, all authenticated
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.authMiddleware)
	api.HandleFunc("/auctions", h.CreateAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}", h.GetAuction).Methods("GET")
	api.HandleFunc("/auctions/{id}/bids", h.ListBids).Methods("GET")
	api.HandleFunc("/auctions/{id}/bids", h.PlaceBid).Methods("POST")
	api.HandleFunc("/auctions/{id}/watch", h.Watch).Methods("PUT", "DELETE")
	api.HandleFunc("/auctions/{id}/{action:publish|cancel|pause|resume|close}", h.Transition).Methods("POST")

	// Middleware
	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "auction-server",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateAuction lists a new draft auction owned by the caller
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var req models.CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	auction, err := h.lifecycle.Create(ctx, identity.UserID, &req)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, auction)
}

// GetAuction returns the live status of an auction, closing it first if it is due
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.lifecycle.Check(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAuctionView(snap.Auction, time.Now()))
}

// ListBids returns every bid admitted on an auction
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	bids, err := h.bids.ListBids(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	if bids == nil {
		bids = []models.Bid{}
	}
	respondJSON(w, http.StatusOK, bids)
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	// Parse request body
	var bidReq models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&bidReq); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// The admission deadline is enforced by the bidding service itself
	response := h.bids.SubmitBid(r.Context(), identity.UserID, mux.Vars(r)["id"], bidReq.Amount)

	respondJSON(w, bidStatus(response), response)
}

// bidStatus maps an admission outcome to an HTTP status code
func bidStatus(resp *models.BidResponse) int {
	if resp.Accepted {
		return http.StatusCreated
	}
	switch resp.Reason {
	case models.ReasonNotFound:
		return http.StatusNotFound
	case models.ReasonOwnAuction:
		return http.StatusForbidden
	case models.ReasonNotAcceptingBids, models.ReasonRetry:
		return http.StatusConflict
	case models.ReasonStorageUnavailable:
		return http.StatusServiceUnavailable
	case models.ReasonIndeterminate:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

// Watch adds (PUT) or removes (DELETE) the caller from the auction's watchers
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	auction, err := h.bids.Watch(ctx, mux.Vars(r)["id"], identity.UserID, r.Method == http.MethodPut)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, auction)
}

// Transition performs an explicit lifecycle action on an auction
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	vars := mux.Vars(r)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var action func(context.Context, models.Identity, string) (*registry.Snapshot, error)
	switch vars["action"] {
	case "publish":
		action = h.lifecycle.Publish
	case "cancel":
		action = h.lifecycle.Cancel
	case "pause":
		action = h.lifecycle.Pause
	case "resume":
		action = h.lifecycle.Resume
	default:
		action = h.lifecycle.Close
	}

	snap, err := action(ctx, identity, vars["id"])
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAuctionView(snap.Auction, time.Now()))
}

// respondLifecycleError maps domain errors to status codes
func (h *Handler) respondLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Auction not found")
	case errors.Is(err, lifecycle.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidAuction):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrHasBids), errors.Is(err, registry.ErrRetry):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "Timed out, re-read the auction")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusServiceUnavailable, "Temporarily unavailable")
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
