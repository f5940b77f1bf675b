package app

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/transfa/banking-engine/internal/domain"
)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewReference builds a receipt reference such as TRF-20250115-AB12CD34.
func NewReference(txType domain.TransactionType, at time.Time) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate receipt token: %w", err)
	}
	// 256 % 36 != 0, so the alphabet is slightly biased.
	for i, b := range buf {
		buf[i] = referenceAlphabet[int(b)%len(referenceAlphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", txType.ReferencePrefix(), at.Format("20060102"), buf), nil
}
