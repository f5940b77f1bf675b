package domain

import (
	"regexp"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is an ISO code accepted by the bank.
type Currency string

const (
	CurrencyCRC Currency = "CRC"
	CurrencyUSD Currency = "USD"
)

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == CurrencyCRC || c == CurrencyUSD
}

// AccountType is the product an account belongs to.
type AccountType string

const (
	AccountTypeSavings    AccountType = "Ahorros"
	AccountTypeChecking   AccountType = "Corriente"
	AccountTypeInvestment AccountType = "Inversion"
	AccountTypeTerm       AccountType = "Plazo"
)

// AccountStatus controls whether an account can move money.
type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "Activa"
	AccountStatusBlocked AccountStatus = "Bloqueada"
	AccountStatusClosed  AccountStatus = "Cerrada"
)

var accountNumberPattern = regexp.MustCompile(`^\d{12}$`)

// ValidAccountNumber reports whether n is a 12-digit account number.
func ValidAccountNumber(n string) bool {
	return accountNumberPattern.MatchString(n)
}

// Account is an internal bank account. Balance is only changed by the executor
// inside a unit of work.
type Account struct {
	ID       uuid.UUID       `json:"id"`
	Number   string          `json:"number"`
	Type     AccountType     `json:"type"`
	Currency Currency        `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Status   AccountStatus   `json:"status"`
	ClientID uuid.UUID       `json:"client_id"`
}

// IsActive reports whether the account may take part in a movement.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
