package iap

import (
	"context"
	"errors"
)

var (
	ErrExists   = errors.New("purchase already recorded")
	ErrNotFound = errors.New("purchase not found")
)

// Ledger records resolved purchases by transaction ID for the lifetime of the
// process. Coordinators use it to recognize redelivered notifications for
// transactions they already resolved.
type Ledger interface {
	// RecordPurchase records a resolved purchase. Purchases without a
	// transaction ID are not recorded.
	RecordPurchase(ctx context.Context, purchase *Purchase) error

	// GetPurchase gets a recorded purchase by transaction ID
	GetPurchase(ctx context.Context, transactionID string) (*Purchase, error)
}

// IsRecorded reports whether the transaction was already resolved. Ledger
// failures other than ErrNotFound are treated as not recorded.
func IsRecorded(ctx context.Context, ledger Ledger, transactionID string) bool {
	if ledger == nil || len(transactionID) == 0 {
		return false
	}
	_, err := ledger.GetPurchase(ctx, transactionID)
	return err == nil
}
