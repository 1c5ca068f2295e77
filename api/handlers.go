/*
handlers.go - HTTP API handlers for the token marketplace

PURPOSE:
  Exposes the token ledger, property registry, and purchase coordinator over
  REST. Handles HTTP request/response, JSON serialization, and error-to-
  status mapping; all domain decisions live below this layer.

ENDPOINTS:
  Tokens:
    POST /api/tokens/mine          Mine new tokens for the caller
    POST /api/tokens/send          Transfer tokens to another account
    GET  /api/tokens/balance       Caller's balance (cached view)
    GET  /api/tokens/supply        Total minted supply (cached view)
    GET  /api/tokens/transactions  Caller's transaction history (cached view)

  Properties:
    GET  /api/properties               List properties
    POST /api/properties               Register a property
    GET  /api/properties/{id}          Get one property
    POST /api/properties/{id}/buy      Buy shares (the coordinator path)
    POST /api/properties/{id}/transfer Transfer held shares

IDENTITY:
  The caller's principal arrives in the X-Principal header. The identity
  handshake itself (login, sessions, keys) is outside this repository.

ERROR MAPPING FOR PURCHASES:
  400 invalid request        no side effect, fix input
  409 attempt in progress    duplicate concurrent buy, wait for the first
  402 transfer failed        ledger refused payment, no side effect
  502 grant failed           payment settled, shares NOT granted; the body
                             carries full reconciliation detail
  504 indeterminate          outcome unknown, do not retry automatically

SEE ALSO:
  - dto.go: wire types
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/purchase"
	"github.com/brix/market-engine/registry"
	"github.com/brix/market-engine/view"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      ledger.TokenLedger
	Registry    registry.Registry
	Coordinator *purchase.Coordinator
	Views       *view.Pool
}

func NewHandler(lg ledger.TokenLedger, reg registry.Registry, coord *purchase.Coordinator, views *view.Pool) *Handler {
	return &Handler{Ledger: lg, Registry: reg, Coordinator: coord, Views: views}
}

// principal extracts the caller identity; empty means unauthenticated.
func principal(r *http.Request) ledger.Identity {
	return ledger.Identity(r.Header.Get("X-Principal"))
}

// =============================================================================
// TOKEN HANDLERS
// =============================================================================

// MineTokens credits newly mined tokens to the caller.
func (h *Handler) MineTokens(w http.ResponseWriter, r *http.Request) {
	who := principal(r)
	if !who.Valid() {
		writeError(w, http.StatusUnauthorized, "Missing X-Principal header", nil)
		return
	}

	var req MineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	if err := h.Ledger.Mint(r.Context(), who, amount); err != nil {
		if ledger.IsBusinessError(err) {
			writeError(w, http.StatusBadRequest, "Mine rejected", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to mine tokens", err)
		return
	}

	h.Views.Invalidate(r.Context(), who)
	balance, _ := h.Views.BalanceHint(who)
	writeJSON(w, http.StatusOK, BalanceDTO{Account: string(who), Balance: balance.String()})
}

// SendTokens transfers tokens from the caller to another account.
func (h *Handler) SendTokens(w http.ResponseWriter, r *http.Request) {
	who := principal(r)
	if !who.Valid() {
		writeError(w, http.StatusUnauthorized, "Missing X-Principal header", nil)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	if err := h.Ledger.Transfer(r.Context(), who, ledger.Identity(req.Recipient), amount); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, "Insufficient balance", err)
		case ledger.IsBusinessError(err):
			writeError(w, http.StatusBadRequest, "Transfer rejected", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to transfer", err)
		}
		return
	}

	h.Views.Invalidate(r.Context(), who)
	balance, _ := h.Views.BalanceHint(who)
	writeJSON(w, http.StatusOK, BalanceDTO{Account: string(who), Balance: balance.String()})
}

// GetBalance returns the caller's balance from the view cache, fetching
// authoritatively on first use.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	who := principal(r)
	if !who.Valid() {
		writeError(w, http.StatusUnauthorized, "Missing X-Principal header", nil)
		return
	}

	cache := h.Views.For(who)
	if _, ok := cache.Balance(); !ok {
		if err := cache.Refresh(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch balance", err)
			return
		}
	}
	balance, _ := cache.Balance()
	writeJSON(w, http.StatusOK, BalanceDTO{Account: string(who), Balance: balance.String()})
}

// GetSupply returns the total minted supply.
func (h *Handler) GetSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := h.Ledger.TotalSupply(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch supply", err)
		return
	}
	writeJSON(w, http.StatusOK, SupplyDTO{TotalSupply: supply.String()})
}

// ListTransactions returns the caller's transaction history.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	who := principal(r)
	if !who.Valid() {
		writeError(w, http.StatusUnauthorized, "Missing X-Principal header", nil)
		return
	}

	cache := h.Views.For(who)
	if _, ok := cache.Balance(); !ok {
		if err := cache.Refresh(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch transactions", err)
			return
		}
	}

	history := cache.History()
	dtos := make([]TransactionDTO, len(history))
	for i, tx := range history {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PROPERTY HANDLERS
// =============================================================================

// ListProperties returns all registered properties.
func (h *Handler) ListProperties(w http.ResponseWriter, r *http.Request) {
	props, err := h.Registry.ListProperties(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list properties", err)
		return
	}

	dtos := make([]PropertyDTO, len(props))
	for i, p := range props {
		dtos[i] = toPropertyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProperty registers a property with the caller as creator.
func (h *Handler) CreateProperty(w http.ResponseWriter, r *http.Request) {
	who := principal(r)
	if !who.Valid() {
		writeError(w, http.StatusUnauthorized, "Missing X-Principal header", nil)
		return
	}

	var req CreatePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	price, err := ledger.ParseAmount(req.PricePerShare)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price_per_share", err)
		return
	}

	id, err := h.Registry.CreateProperty(r.Context(), who, registry.PropertySpec{
		Name:          req.Name,
		Description:   req.Description,
		ThumbnailURL:  req.ThumbnailURL,
		TotalShares:   req.TotalShares,
		PricePerShare: price,
		CreatorShares: req.CreatorShares,
	})
	if err != nil {
		if errors.Is(err, registry.ErrInvalidSpec) {
			writeError(w, http.StatusBadRequest, "Invalid property spec", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create property", err)
		return
	}

	prop, err := h.Registry.GetProperty(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load created property", err)
		return
	}
	h.Views.Invalidate(r.Context(), who)
	writeJSON(w, http.StatusCreated, toPropertyDTO(prop))
}

// GetProperty returns one property by id.
func (h *Handler) GetProperty(w http.ResponseWriter, r *http.Request) {
	id, err := propertyID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid property id", err)
		return
	}

	prop, err := h.Registry.GetProperty(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProperty) {
			writeError(w, http.StatusNotFound, "Property not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get property", err)
		return
	}
	writeJSON(w, http.StatusOK, toPropertyDTO(prop))
}

// TransferShares moves held shares from the caller to another account.
func (h *Handler) TransferShares(w http.ResponseWriter, r *http.Request) {
	who := principal(r)
	if !who.Valid() {
		writeError(w, http.StatusUnauthorized, "Missing X-Principal header", nil)
		return
	}
	id, err := propertyID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid property id", err)
		return
	}

	var req ShareTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Registry.TransferShares(r.Context(), id, who, ledger.Identity(req.To), req.Shares); err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownProperty):
			writeError(w, http.StatusNotFound, "Property not found", err)
		case registry.IsBusinessError(err), errors.Is(err, ledger.ErrInvalidRecipient):
			writeError(w, http.StatusBadRequest, "Share transfer rejected", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to transfer shares", err)
		}
		return
	}

	prop, err := h.Registry.GetProperty(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load property", err)
		return
	}
	writeJSON(w, http.StatusOK, toPropertyDTO(prop))
}

// =============================================================================
// PURCHASE HANDLER
// =============================================================================

// BuyShares runs the cross-ledger purchase for the caller.
func (h *Handler) BuyShares(w http.ResponseWriter, r *http.Request) {
	who := principal(r)
	if !who.Valid() {
		writeError(w, http.StatusUnauthorized, "Missing X-Principal header", nil)
		return
	}
	id, err := propertyID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid property id", err)
		return
	}

	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	outcome, err := h.Coordinator.BuyShares(r.Context(), who, id, req.Shares)
	if err != nil {
		writePurchaseError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BuyResponseDTO{
		AttemptID:  outcome.AttemptID,
		PropertyID: int64(outcome.PropertyID),
		Shares:     outcome.Shares,
		Cost:       outcome.Cost.String(),
		Status:     "completed",
	})
}

// writePurchaseError maps the purchase error taxonomy onto HTTP statuses.
// The one rule that matters: a settled-but-ungranted purchase is never
// reported as a generic failure.
func writePurchaseError(w http.ResponseWriter, err error) {
	var invalid *purchase.InvalidRequestError
	var transferFailed *purchase.TransferFailedError
	var grantFailed *purchase.GrantFailedError
	var indeterminate *purchase.IndeterminateError

	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "Invalid purchase request", Code: "invalid_request", Details: invalid.Reason,
		})
	case errors.Is(err, purchase.ErrAttemptInProgress):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "A purchase for this property is already in progress", Code: "attempt_in_progress", Details: err.Error(),
		})
	case errors.As(err, &transferFailed):
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error: "Token transfer failed", Code: "transfer_failed", Details: transferFailed.Reason.Error(),
		})
	case errors.As(err, &grantFailed):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:          "Payment settled but shares were not granted",
			Code:           "grant_failed_transfer_settled",
			Details:        grantFailed.Error(),
			Reconciliation: toReconciliationDTO(grantFailed),
		})
	case errors.As(err, &indeterminate):
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{
			Error: "Purchase outcome unknown; do not retry automatically", Code: "indeterminate", Details: indeterminate.Error(),
		})
	default:
		writeError(w, http.StatusInternalServerError, "Purchase failed", err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func propertyID(r *http.Request) (registry.PropertyID, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return registry.PropertyID(id), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
