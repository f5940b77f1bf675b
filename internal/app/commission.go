package app

import (
	"github.com/shopspring/decimal"
	"github.com/transfa/banking-engine/internal/domain"
)

// CommissionKind classifies a movement for fee purposes.
type CommissionKind string

const (
	CommissionInternalTransfer   CommissionKind = "internal_transfer"
	CommissionThirdPartyTransfer CommissionKind = "third_party_transfer"
	CommissionServicePayment     CommissionKind = "service_payment"
)

// CommissionFunc computes the fee for a movement. Implementations must be pure: the
// pre-check calls it freely.
type CommissionFunc func(kind CommissionKind, amount decimal.Decimal, currency domain.Currency) decimal.Decimal

// FlatCommission charges a fixed fee per kind regardless of amount and currency.
func FlatCommission(internal, thirdParty, servicePayment decimal.Decimal) CommissionFunc {
	return func(kind CommissionKind, _ decimal.Decimal, _ domain.Currency) decimal.Decimal {
		switch kind {
		case CommissionInternalTransfer:
			return internal
		case CommissionThirdPartyTransfer:
			return thirdParty
		case CommissionServicePayment:
			return servicePayment
		}
		return decimal.Zero
	}
}

func commissionKindFor(txType domain.TransactionType, internal bool) CommissionKind {
	if txType == domain.TransactionTypeServicePayment {
		return CommissionServicePayment
	}
	if internal {
		return CommissionInternalTransfer
	}
	return CommissionThirdPartyTransfer
}
