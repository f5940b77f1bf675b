package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/transfa/banking-engine/internal/domain"
)

// CheckBeneficiaryMutable reports whether the client may edit or delete a beneficiary.
// An Inactive beneficiary targeted by a held or scheduled transaction is locked.
func (s *Service) CheckBeneficiaryMutable(ctx context.Context, beneficiaryID, clientID uuid.UUID) error {
	b, err := s.store.FindBeneficiaryByID(ctx, beneficiaryID)
	if err != nil {
		return s.classify("check beneficiary", err)
	}
	if b.ClientID != clientID {
		return ErrNotOwner
	}
	if b.State != domain.BeneficiaryInactive {
		return nil
	}
	pending, err := s.store.HasPendingTransactionsForBeneficiary(ctx, beneficiaryID)
	if err != nil {
		return s.classify("check beneficiary", err)
	}
	if pending {
		return ErrBeneficiaryLocked
	}
	return nil
}
