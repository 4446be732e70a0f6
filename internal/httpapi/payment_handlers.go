package httpapi

import (
	"errors"
	"net/http"

	"vypar.app/internal/audit"
	"vypar.app/internal/payment"
)

type paymentCreateRequest struct {
	InternalOrderID string `json:"internal_order_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

type paymentConfirmRequest struct {
	PaymentID       string `json:"payment_id"`
	InternalOrderID string `json:"internal_order_id"`
	Signature       string `json:"signature"`
}

func (a *API) handlePaymentCreate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		a.handlePaymentGet(w, r)
		return
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
		return
	}

	var req paymentCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	intent, err := a.payments.Create(r.Context(), payment.Money{Currency: req.Currency, Amount: req.Amount}, req.InternalOrderID)
	if err != nil {
		a.paymentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "payment.create", map[string]any{
		"internal_order_id": intent.InternalOrderID,
		"gateway_order_id":  intent.GatewayOrderID,
	})
	writeJSON(w, http.StatusCreated, intent)
}

func (a *API) handlePaymentGet(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("internal_order_id")
	if orderID == "" {
		writeError(w, r, http.StatusBadRequest, "internal_order_id is required")
		return
	}
	intent, err := a.payments.Get(orderID)
	if err != nil {
		a.paymentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (a *API) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req paymentConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.PaymentID == "" || req.InternalOrderID == "" || req.Signature == "" {
		writeError(w, r, http.StatusBadRequest, "payment_id, internal_order_id and signature are required")
		return
	}

	verified, err := a.payments.Confirm(r.Context(), req.PaymentID, req.InternalOrderID, req.Signature)
	if err != nil {
		a.paymentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "payment.confirm", map[string]any{
		"internal_order_id": req.InternalOrderID,
		"verified":          verified,
	})
	writeJSON(w, http.StatusOK, map[string]any{"verified": verified})
}

func (a *API) paymentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payment.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, "invalid amount or order id")
	case errors.Is(err, payment.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "unknown order")
	case errors.Is(err, payment.ErrGatewayUnavailable):
		writeError(w, r, http.StatusBadGateway, "payment gateway unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
