package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RejectionCode identifies why a requested movement was refused.
type RejectionCode string

const (
	RejectInvalidRequest          RejectionCode = "INVALID_REQUEST"
	RejectAccountNotFound         RejectionCode = "ACCOUNT_NOT_FOUND"
	RejectAccountInactive         RejectionCode = "ACCOUNT_INACTIVE"
	RejectInvalidAmount           RejectionCode = "INVALID_AMOUNT"
	RejectBelowMinimum            RejectionCode = "BELOW_MINIMUM_AMOUNT"
	RejectInsufficientFunds       RejectionCode = "INSUFFICIENT_FUNDS"
	RejectDailyLimitExceeded      RejectionCode = "DAILY_LIMIT_EXCEEDED"
	RejectBeneficiaryNotFound     RejectionCode = "BENEFICIARY_NOT_FOUND"
	RejectBeneficiaryNotConfirmed RejectionCode = "BENEFICIARY_NOT_CONFIRMED"
	RejectDestinationNotFound     RejectionCode = "DESTINATION_NOT_FOUND"
	RejectDestinationInactive     RejectionCode = "DESTINATION_INACTIVE"
	RejectSameAccount             RejectionCode = "SAME_ACCOUNT"
	RejectCurrencyMismatch        RejectionCode = "CURRENCY_MISMATCH"
	RejectScheduleTooSoon         RejectionCode = "SCHEDULE_TOO_SOON"
)

// Rejection is one reason a pre-check failed.
type Rejection struct {
	Code    RejectionCode `json:"code"`
	Message string        `json:"message"`
}

// RejectionError is returned when a request fails validation. Nothing has been persisted.
type RejectionError struct {
	Reasons []Rejection
}

func (e *RejectionError) Error() string {
	msgs := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		msgs = append(msgs, r.Message)
	}
	return "request rejected: " + strings.Join(msgs, "; ")
}

// Has reports whether the rejection carries the given code.
func (e *RejectionError) Has(code RejectionCode) bool {
	for _, r := range e.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

func reject(code RejectionCode, format string, args ...any) *RejectionError {
	return &RejectionError{Reasons: []Rejection{{Code: code, Message: fmt.Sprintf(format, args...)}}}
}

// RetryableError wraps an infrastructure failure. The unit of work was rolled back, so the
// caller can retry with the same idempotency key.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: temporary failure: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RateLimitError is returned when a client exceeds the execute rate limit.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

var (
	ErrInvalidStateTransition   = errors.New("transaction is not in a state that allows this operation")
	ErrScheduleNotPending       = errors.New("schedule is no longer pending")
	ErrCancellationWindowClosed = errors.New("cancellation window has closed")
	ErrNotOwner                 = errors.New("resource does not belong to the caller")
	ErrBeneficiaryLocked        = errors.New("beneficiary has pending transactions and cannot be modified")
	ErrReasonRequired           = errors.New("a rejection reason is required")
)
