package memory

import (
	"context"
	"sync"

	"github.com/code-payments/flipcash2-iap/iap"
)

type InMemoryLedger struct {
	mu        sync.RWMutex
	purchases map[string]*iap.Purchase
}

func NewInMemoryLedger() iap.Ledger {
	return &InMemoryLedger{
		purchases: map[string]*iap.Purchase{},
	}
}

func (l *InMemoryLedger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purchases = make(map[string]*iap.Purchase)
}

func (l *InMemoryLedger) RecordPurchase(ctx context.Context, purchase *iap.Purchase) error {
	if len(purchase.TransactionID) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.purchases[purchase.TransactionID]
	if ok {
		return iap.ErrExists
	}

	l.purchases[purchase.TransactionID] = purchase.Clone()

	return nil
}

func (l *InMemoryLedger) GetPurchase(ctx context.Context, transactionID string) (*iap.Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	purchase, ok := l.purchases[transactionID]
	if !ok {
		return nil, iap.ErrNotFound
	}
	return purchase.Clone(), nil
}
