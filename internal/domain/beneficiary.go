/**
 * @description
 * Beneficiary is a third-party destination account registered by a client. It can be
 * used as a transfer target only once it has been confirmed.
 */
package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BeneficiaryState is the confirmation state of a beneficiary.
type BeneficiaryState string

const (
	BeneficiaryInactive  BeneficiaryState = "Inactivo"
	BeneficiaryConfirmed BeneficiaryState = "Confirmado"
	BeneficiaryRejected  BeneficiaryState = "Rechazado"
)

var (
	ErrInvalidBeneficiaryAlias   = errors.New("beneficiary alias must be 3-30 characters")
	ErrInvalidBeneficiaryAccount = errors.New("beneficiary account number must be 12-20 digits")
)

var beneficiaryAccountPattern = regexp.MustCompile(`^\d{12,20}$`)

// Beneficiary represents a client's saved external account.
type Beneficiary struct {
	ID            uuid.UUID        `json:"id"`
	ClientID      uuid.UUID        `json:"client_id"`
	Alias         string           `json:"alias"`
	AccountNumber string           `json:"account_number"`
	Bank          string           `json:"bank"`
	Currency      Currency         `json:"currency"`
	Country       string           `json:"country"`
	State         BeneficiaryState `json:"state"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Validate checks the alias and account number formats.
func (b *Beneficiary) Validate() error {
	alias := strings.TrimSpace(b.Alias)
	if n := len([]rune(alias)); n < 3 || n > 30 {
		return ErrInvalidBeneficiaryAlias
	}
	if !beneficiaryAccountPattern.MatchString(b.AccountNumber) {
		return ErrInvalidBeneficiaryAccount
	}
	return nil
}

// IsConfirmed reports whether transfers may target the beneficiary.
func (b *Beneficiary) IsConfirmed() bool {
	return b.State == BeneficiaryConfirmed
}
