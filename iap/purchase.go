package iap

import (
	"time"

	commonpb "github.com/code-payments/flipcash2-protobuf-api/generated/go/common/v1"
)

type TransactionStatus uint8

const (
	TransactionStatusUnknown TransactionStatus = iota
	TransactionStatusPurchased
	TransactionStatusFailed
	TransactionStatusCancelled
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionStatusPurchased:
		return "purchased"
	case TransactionStatusFailed:
		return "failed"
	case TransactionStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Product is the minimal definition of something that can be purchased.
type Product struct {
	ID string
}

func NewProduct(id string) Product {
	return Product{ID: id}
}

func (p Product) String() string {
	return "Product:" + p.ID
}

// Purchase is the result of a completed purchase attempt.
type Purchase struct {
	Product Product

	// TransactionID is empty when the channel did not report one, eg. when the
	// purchase flow was cancelled before a transaction was created.
	TransactionID string

	Status   TransactionStatus
	Platform commonpb.Platform

	// Reason explains a failed status when the channel provided one.
	Reason error

	CreatedAt time.Time
}

func NewPurchase(platform commonpb.Platform, product Product, transactionID string, status TransactionStatus) *Purchase {
	return &Purchase{
		Product:       product,
		TransactionID: transactionID,
		Status:        status,
		Platform:      platform,
		CreatedAt:     time.Now(),
	}
}

func (p *Purchase) Clone() *Purchase {
	return &Purchase{
		Product:       p.Product,
		TransactionID: p.TransactionID,
		Status:        p.Status,
		Platform:      p.Platform,
		Reason:        p.Reason,
		CreatedAt:     p.CreatedAt,
	}
}
