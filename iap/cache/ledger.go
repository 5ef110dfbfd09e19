package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/code-payments/flipcash2-iap/iap"
)

const DefaultTTL = 10 * time.Minute

// Ledger keeps resolved purchases for a bounded time. Redelivered native
// notifications arrive shortly after the original, so entries only need to
// outlive that window.
type Ledger struct {
	ttl time.Duration

	mu        sync.Mutex
	purchases *ttlcache.Cache
}

func NewInCache(ttl time.Duration) iap.Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Ledger{
		ttl:       ttl,
		purchases: newCache(ttl),
	}
}

func (l *Ledger) RecordPurchase(ctx context.Context, purchase *iap.Purchase) error {
	if len(purchase.TransactionID) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.purchases.Get(purchase.TransactionID)
	if ok {
		return iap.ErrExists
	}

	l.purchases.Set(purchase.TransactionID, purchase.Clone())
	return nil
}

func (l *Ledger) GetPurchase(ctx context.Context, transactionID string) (*iap.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cached, ok := l.purchases.Get(transactionID)
	if !ok {
		return nil, iap.ErrNotFound
	}
	return cached.(*iap.Purchase).Clone(), nil
}

func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purchases.Close()
}

func (l *Ledger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purchases.Close()
	l.purchases = newCache(l.ttl)
}

func newCache(ttl time.Duration) *ttlcache.Cache {
	c := ttlcache.NewCache()
	c.SetTTL(ttl)

	// Lookups must not keep a redelivery window open forever
	c.SkipTtlExtensionOnHit(true)
	return c
}
