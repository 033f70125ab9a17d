package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	qrcode "github.com/skip2/go-qrcode"
	"lnpos/internal/lnurl"
	"lnpos/internal/logging"
	"lnpos/internal/payments"
	"lnpos/internal/store"
)

// Handler routes HTTP requests to the payment, withdraw, and terminal CRUD
// pipelines.
type Handler struct {
	store          store.Store
	payments       *payments.Service
	lnurl          *lnurl.Client
	keychain       Keychain
	pendingLimiter *PendingInvoiceLimiter
	mux            *http.ServeMux
}

// NewHandler creates a new HTTP handler.
// If pendingLimiter is nil, no pending invoice limit is enforced.
func NewHandler(st store.Store, payments *payments.Service, lnurlClient *lnurl.Client, keychain Keychain, pendingLimiter *PendingInvoiceLimiter) *Handler {
	h := &Handler{
		store:          st,
		payments:       payments,
		lnurl:          lnurlClient,
		keychain:       keychain,
		pendingLimiter: pendingLimiter,
		mux:            http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	// Wallet-facing management endpoints require a key.
	h.mux.HandleFunc("GET /api/v1/tposs", h.requireKey(ScopeInvoice, h.handleList))
	h.mux.HandleFunc("POST /api/v1/tposs", h.requireKey(ScopeInvoice, h.handleCreate))
	h.mux.HandleFunc("DELETE /api/v1/tposs/{id}", h.requireKey(ScopeAdmin, h.handleDelete))

	// Terminal-facing endpoints are open; the terminal only ever learns
	// invoice data for its own requests.
	h.mux.HandleFunc("POST /api/v1/tposs/{id}/invoices", h.handleCreateInvoice)
	h.mux.HandleFunc("GET /api/v1/tposs/{id}/invoices/{hash}", h.handleCheckInvoice)
	h.mux.HandleFunc("GET /api/v1/tposs/{id}/invoices/{hash}/qr", h.handleInvoiceQR)
	h.mux.HandleFunc("POST /api/v1/tposs/{id}/lnurlw", h.handleWithdraw)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// requireKey resolves the X-Api-Key header into a wallet capability and
// rejects the request if the key is unknown or under-scoped.
func (h *Handler) requireKey(scope Scope, next func(http.ResponseWriter, *http.Request, *WalletKey)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			writeMessage(w, http.StatusUnauthorized, "missing api key")
			return
		}

		wk, err := h.keychain.Resolve(key)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if !wk.Allows(scope) {
			writeMessage(w, http.StatusForbidden, "insufficient key scope")
			return
		}

		next(w, r, wk)
	}
}

// getTerminal looks up the terminal for terminal-facing routes, writing the
// 404 envelope itself when missing.
func (h *Handler) getTerminal(w http.ResponseWriter, r *http.Request) *store.Terminal {
	t, err := h.store.GetTerminal(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "TPoS does not exist.")
		return nil
	}
	if err != nil {
		logging.Internal.Printf("failed to load terminal: %v", err)
		writeMessage(w, http.StatusInternalServerError, "failed to load TPoS")
		return nil
	}
	return t
}

// terminalResponse is the JSON representation of a terminal.
type terminalResponse struct {
	ID       string `json:"id"`
	Wallet   string `json:"wallet"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

func toTerminalResponse(t *store.Terminal) terminalResponse {
	return terminalResponse{
		ID:       t.ID,
		Wallet:   t.Wallet,
		Name:     t.Name,
		Currency: t.Currency,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, wk *WalletKey) {
	walletIDs := []string{wk.WalletID}
	if r.URL.Query().Has("all_wallets") && len(wk.UserWallets) > 0 {
		walletIDs = wk.UserWallets
	}

	terminals, err := h.store.ListTerminals(r.Context(), walletIDs)
	if err != nil {
		logging.Internal.Printf("failed to list terminals: %v", err)
		writeMessage(w, http.StatusInternalServerError, "failed to list TPoS")
		return
	}

	resp := make([]terminalResponse, 0, len(terminals))
	for _, t := range terminals {
		resp = append(resp, toTerminalResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateTerminalRequest is the request body for registering a terminal.
type CreateTerminalRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, wk *WalletKey) {
	var req CreateTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Currency == "" {
		writeMessage(w, http.StatusBadRequest, "name and currency are required")
		return
	}

	t, err := h.store.CreateTerminal(r.Context(), wk.WalletID, req.Name, req.Currency)
	if err != nil {
		logging.Internal.Printf("failed to create terminal: %v", err)
		writeMessage(w, http.StatusInternalServerError, "failed to create TPoS")
		return
	}

	logging.Internal.Printf("created terminal %s (%s) on wallet %s", t.ID, t.Name, t.Wallet)
	writeJSON(w, http.StatusCreated, toTerminalResponse(t))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, wk *WalletKey) {
	t, err := h.store.GetTerminal(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "TPoS does not exist.")
		return
	}
	if err != nil {
		logging.Internal.Printf("failed to load terminal: %v", err)
		writeMessage(w, http.StatusInternalServerError, "failed to load TPoS")
		return
	}
	if t.Wallet != wk.WalletID {
		writeMessage(w, http.StatusForbidden, "Not your TPoS.")
		return
	}

	if err := h.store.DeleteTerminal(r.Context(), t.ID); err != nil {
		logging.Internal.Printf("failed to delete terminal %s: %v", t.ID, err)
		writeMessage(w, http.StatusInternalServerError, "failed to delete TPoS")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateInvoiceRequest is the request body for minting an invoice.
// Amount is decoded as json.Number so fractional values are rejected
// instead of silently truncated.
type CreateInvoiceRequest struct {
	Amount json.Number `json:"amount"`
}

// CreateInvoiceResponse is returned when an invoice is minted.
type CreateInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	t := h.getTerminal(w, r)
	if t == nil {
		return
	}

	ip := extractIP(r)
	if h.pendingLimiter != nil && !h.pendingLimiter.CanCreate(ip) {
		msg := fmt.Sprintf("pending invoice limit reached: you have %d unpaid invoice(s) (max %d)",
			h.pendingLimiter.PendingCount(ip), h.pendingLimiter.MaxPending())
		writeMessage(w, http.StatusTooManyRequests, msg)
		return
	}

	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := req.Amount.Int64()
	if err != nil || amount < 1 {
		writeMessage(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	inv, err := h.payments.IssueInvoice(r.Context(), t, amount)
	if err != nil {
		logging.Internal.Printf("failed to create invoice for terminal %s: %v", t.ID, err)
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.pendingLimiter != nil && ip != "" {
		h.pendingLimiter.Track(ip, inv.PaymentHash)
	}

	writeJSON(w, http.StatusCreated, CreateInvoiceResponse{
		PaymentHash:    inv.PaymentHash,
		PaymentRequest: inv.PaymentRequest,
	})
}

// StatusResponse is the response for an invoice status poll.
type StatusResponse struct {
	Paid bool `json:"paid"`
}

func (h *Handler) handleCheckInvoice(w http.ResponseWriter, r *http.Request) {
	t := h.getTerminal(w, r)
	if t == nil {
		return
	}

	paid := h.payments.CheckStatus(r.Context(), t, r.PathValue("hash"))
	writeJSON(w, http.StatusOK, StatusResponse{Paid: paid})
}

func (h *Handler) handleInvoiceQR(w http.ResponseWriter, r *http.Request) {
	t := h.getTerminal(w, r)
	if t == nil {
		return
	}

	pending, ok := h.payments.PendingInvoice(r.PathValue("hash"))
	if !ok || pending.TerminalID != t.ID {
		writeMessage(w, http.StatusNotFound, "invoice not found")
		return
	}

	png, err := qrcode.Encode(pending.Invoice.PaymentRequest, qrcode.Medium, 256)
	if err != nil {
		logging.Internal.Printf("failed to encode QR for %s: %v", pending.Invoice.PaymentHash, err)
		writeMessage(w, http.StatusInternalServerError, "failed to encode QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(png); err != nil {
		logging.Internal.Printf("failed to write QR response: %v", err)
	}
}

// WithdrawRequest is the request body for redeeming an LNURL-withdraw.
type WithdrawRequest struct {
	PaymentRequest string `json:"payment_request"`
	LNURL          string `json:"lnurl"`
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	t := h.getTerminal(w, r)
	if t == nil {
		return
	}

	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PaymentRequest == "" || req.LNURL == "" {
		writeMessage(w, http.StatusBadRequest, "payment_request and lnurl are required")
		return
	}

	result, err := h.lnurl.Redeem(r.Context(), req.LNURL, req.PaymentRequest)
	if err != nil {
		var se *lnurl.ServiceError
		switch {
		case errors.Is(err, lnurl.ErrInvalidLNURL):
			writeMessage(w, http.StatusBadRequest, "invalid lnurl")
		case errors.As(err, &se):
			resp := map[string]string{"message": se.Message}
			if se.Domain != "" {
				resp["domain"] = se.Domain
			}
			writeJSON(w, http.StatusServiceUnavailable, resp)
		default:
			logging.Internal.Printf("withdraw for terminal %s failed: %v", t.ID, err)
			writeMessage(w, http.StatusInternalServerError, "withdraw failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"lnurl_response": result.Response()})
}
