/**
 * @description
 * This file contains the HTTP handlers for the engine API. Handlers parse the request,
 * call the application service and map its errors onto HTTP status codes.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: Service logic, models and errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/banking-engine/internal/app"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

const idempotencyKeyHeader = "Idempotency-Key"

// TransactionHandlers holds the application service that handlers will use.
type TransactionHandlers struct {
	service *app.Service
}

// NewTransactionHandlers creates a new instance of TransactionHandlers.
func NewTransactionHandlers(service *app.Service) *TransactionHandlers {
	return &TransactionHandlers{service: service}
}

type transferRequest struct {
	SourceAccountID      uuid.UUID       `json:"source_account_id"`
	DestinationAccountID *uuid.UUID      `json:"destination_account_id,omitempty"`
	BeneficiaryID        *uuid.UUID      `json:"beneficiary_id,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             domain.Currency `json:"currency,omitempty"`
	Description          string          `json:"description"`
	Scheduled            bool            `json:"scheduled"`
	ScheduledAt          *time.Time      `json:"scheduled_at,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
}

type servicePaymentRequest struct {
	SourceAccountID   uuid.UUID       `json:"source_account_id"`
	ServiceProviderID uuid.UUID       `json:"service_provider_id"`
	ContractNumber    string          `json:"contract_number"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          domain.Currency `json:"currency,omitempty"`
	Description       string          `json:"description"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type rejectionResponse struct {
	Error   string          `json:"error"`
	Reasons []app.Rejection `json:"reasons"`
}

// PreCheckHandler evaluates a movement without persisting anything.
func (h *TransactionHandlers) PreCheckHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req app.PreCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=precheck outcome=reject reason=invalid_json err=%v", err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.Type == "" {
		req.Type = domain.TransactionTypeTransfer
	}

	result, err := h.service.PreCheck(r.Context(), req, p.UserID, p.Privileged())
	if err != nil {
		h.writeServiceError(w, "precheck", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ExecuteTransferHandler creates an immediate or scheduled transfer.
func (h *TransactionHandlers) ExecuteTransferHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=execute_transfer outcome=reject reason=invalid_json client_id=%s err=%v", p.UserID, err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	tx, err := h.service.Execute(r.Context(), app.ExecuteRequest{
		ClientID:             p.UserID,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		BeneficiaryID:        req.BeneficiaryID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		IdempotencyKey:       idempotencyKey(r, req.IdempotencyKey),
		Description:          req.Description,
		Scheduled:            req.Scheduled,
		ScheduledAt:          req.ScheduledAt,
	})
	if err != nil {
		h.writeServiceError(w, "execute_transfer", err)
		return
	}

	log.Printf("level=info component=api endpoint=execute_transfer outcome=accepted client_id=%s transaction_id=%s state=%s", p.UserID, tx.ID, tx.State)
	writeJSON(w, createdStatus(tx), tx)
}

// ServicePaymentHandler pays a service provider from one of the caller's accounts.
func (h *TransactionHandlers) ServicePaymentHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req servicePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=service_payment outcome=reject reason=invalid_json client_id=%s err=%v", p.UserID, err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	tx, err := h.service.PayService(r.Context(), app.ServicePaymentRequest{
		ClientID:          p.UserID,
		SourceAccountID:   req.SourceAccountID,
		ServiceProviderID: req.ServiceProviderID,
		ContractNumber:    req.ContractNumber,
		Amount:            req.Amount,
		Currency:          req.Currency,
		IdempotencyKey:    idempotencyKey(r, req.IdempotencyKey),
		Description:       req.Description,
	})
	if err != nil {
		h.writeServiceError(w, "service_payment", err)
		return
	}
	writeJSON(w, createdStatus(tx), tx)
}

// GetTransactionHandler returns a transaction and its schedule.
func (h *TransactionHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	detail, err := h.service.GetTransaction(r.Context(), id, p.UserID, p.Privileged())
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ApproveHandler executes a transaction held for approval.
func (h *TransactionHandlers) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	tx, err := h.service.Approve(r.Context(), id, p.UserID)
	if err != nil {
		h.writeServiceError(w, "approve", err)
		return
	}
	log.Printf("level=info component=api endpoint=approve outcome=approved transaction_id=%s approver_id=%s", tx.ID, p.UserID)
	writeJSON(w, http.StatusOK, tx)
}

// RejectHandler cancels a transaction held for approval.
func (h *TransactionHandlers) RejectHandler(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.service.Reject(r.Context(), id, p.UserID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "reject", err)
		return
	}
	log.Printf("level=info component=api endpoint=reject outcome=rejected transaction_id=%s approver_id=%s", tx.ID, p.UserID)
	writeJSON(w, http.StatusOK, tx)
}

// CancelScheduleHandler cancels the caller's scheduled transaction.
func (h *TransactionHandlers) CancelScheduleHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.service.CancelSchedule(r.Context(), id, p.UserID)
	if err != nil {
		h.writeServiceError(w, "cancel_schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": id, "cancelled": cancelled})
}

// writeServiceError maps service errors onto HTTP responses.
func (h *TransactionHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var (
		rej       *app.RejectionError
		limited   *app.RateLimitError
		retryable *app.RetryableError
	)
	switch {
	case errors.As(err, &rej):
		log.Printf("level=info component=api endpoint=%s outcome=rejected err=%q", endpoint, err)
		writeJSON(w, http.StatusUnprocessableEntity, rejectionResponse{Error: "Request rejected", Reasons: rej.Reasons})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
	case errors.Is(err, app.ErrNotOwner):
		writeError(w, http.StatusForbidden, "Resource does not belong to the caller")
	case errors.Is(err, store.ErrTransactionNotFound), errors.Is(err, store.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrBeneficiaryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInvalidStateTransition),
		errors.Is(err, app.ErrScheduleNotPending),
		errors.Is(err, app.ErrCancellationWindowClosed),
		errors.Is(err, app.ErrBeneficiaryLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrReasonRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &retryable):
		log.Printf("level=error component=api endpoint=%s outcome=retryable err=%v", endpoint, err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Temporary failure, retry with the same Idempotency-Key")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func idempotencyKey(r *http.Request, fromBody string) string {
	if key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)); key != "" {
		return key
	}
	return fromBody
}

func transactionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return uuid.Nil, false
	}
	return id, true
}

// createdStatus answers 201 for executed movements and 202 for held or scheduled ones.
func createdStatus(tx *domain.Transaction) int {
	if tx.State == domain.StateSucceeded {
		return http.StatusCreated
	}
	return http.StatusAccepted
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
