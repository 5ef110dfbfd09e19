package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/flipcash2-iap/iap/apple"
)

// PaymentQueue is an in-memory StoreKit default queue. Delivery is
// synchronous and happens on the goroutine that drives the queue.
type PaymentQueue struct {
	log *zap.Logger

	mu           sync.Mutex
	observers    []apple.Observer
	payments     []apple.Payment
	transactions map[string]*apple.Transaction
	unfinished   []*apple.Transaction
	finished     map[string]int
	addErr       error
}

func NewPaymentQueue(log *zap.Logger) *PaymentQueue {
	return &PaymentQueue{
		log:          log,
		transactions: make(map[string]*apple.Transaction),
		finished:     make(map[string]int),
	}
}

// AddTransactionObserver installs o. Installing the same observer twice
// results in duplicate delivery, as with the native queue.
func (q *PaymentQueue) AddTransactionObserver(o apple.Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.observers = append(q.observers, o)
}

func (q *PaymentQueue) RemoveTransactionObserver(o apple.Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.observers {
		if existing == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			return
		}
	}
}

func (q *PaymentQueue) SetAddPaymentError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.addErr = err
}

// AddPayment queues a purchasing transaction for p and reports it to the
// observers.
func (q *PaymentQueue) AddPayment(p apple.Payment) error {
	q.mu.Lock()
	if q.addErr != nil {
		err := q.addErr
		q.mu.Unlock()
		return err
	}
	if p.Quantity <= 0 {
		q.mu.Unlock()
		return errors.New("quantity must be positive")
	}
	q.payments = append(q.payments, p)
	tx := q.newTransactionLocked(p.ProductID, apple.TransactionStatePurchasing)
	q.mu.Unlock()

	q.Deliver(tx)
	return nil
}

func (q *PaymentQueue) FinishTransaction(tx *apple.Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.transactions[tx.ID]; !ok {
		return errors.Errorf("unknown transaction: %s", tx.ID)
	}
	if !tx.State.IsFinal() {
		return errors.Errorf("transaction %s is still %s", tx.ID, tx.State)
	}

	q.finished[tx.ID]++
	for i, existing := range q.unfinished {
		if existing.ID == tx.ID {
			q.unfinished = append(q.unfinished[:i], q.unfinished[i+1:]...)
			break
		}
	}
	return nil
}

// Complete moves the oldest purchasing transaction for productID to
// purchased and delivers it.
func (q *PaymentQueue) Complete(productID string) (*apple.Transaction, error) {
	return q.transition(productID, apple.TransactionStatePurchased, nil)
}

// Fail moves the oldest purchasing transaction for productID to failed with
// reason and delivers it.
func (q *PaymentQueue) Fail(productID string, reason error) (*apple.Transaction, error) {
	return q.transition(productID, apple.TransactionStateFailed, reason)
}

// NewTransaction tracks a transaction in state without delivering it, so
// tests can assemble batches.
func (q *PaymentQueue) NewTransaction(productID string, state apple.TransactionState) *apple.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.newTransactionLocked(productID, state)
}

// Deliver hands txs to every observer as a single batch.
func (q *PaymentQueue) Deliver(txs ...*apple.Transaction) {
	q.mu.Lock()
	observers := make([]apple.Observer, len(q.observers))
	copy(observers, q.observers)
	q.mu.Unlock()

	if len(observers) == 0 {
		q.log.Debug("No transaction observer installed", zap.Int("transactions", len(txs)))
		return
	}

	for _, o := range observers {
		o.UpdatedTransactions(q, txs)
	}
}

// Redeliver delivers every final transaction that was never finished.
func (q *PaymentQueue) Redeliver() int {
	q.mu.Lock()
	var txs []*apple.Transaction
	for _, tx := range q.unfinished {
		if tx.State.IsFinal() {
			txs = append(txs, tx)
		}
	}
	q.mu.Unlock()

	if len(txs) > 0 {
		q.Deliver(txs...)
	}
	return len(txs)
}

func (q *PaymentQueue) FinishCount(transactionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.finished[transactionID]
}

func (q *PaymentQueue) ObserverCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.observers)
}

func (q *PaymentQueue) PaymentCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.payments)
}

func (q *PaymentQueue) transition(productID string, state apple.TransactionState, reason error) (*apple.Transaction, error) {
	q.mu.Lock()
	var tx *apple.Transaction
	for i, candidate := range q.unfinished {
		if candidate.Payment.ProductID != productID || candidate.State != apple.TransactionStatePurchasing {
			continue
		}

		// Delivered transactions are never mutated
		updated := *candidate
		updated.State = state
		updated.Err = reason
		updated.Date = time.Now()

		tx = &updated
		q.unfinished[i] = tx
		q.transactions[tx.ID] = tx
		break
	}
	q.mu.Unlock()

	if tx == nil {
		return nil, errors.Errorf("no purchasing transaction for %s", productID)
	}

	q.Deliver(tx)
	return tx, nil
}

func (q *PaymentQueue) newTransactionLocked(productID string, state apple.TransactionState) *apple.Transaction {
	tx := &apple.Transaction{
		ID: uuid.New().String(),
		Payment: apple.Payment{
			ProductID: productID,
			Quantity:  1,
		},
		State: state,
		Date:  time.Now(),
	}
	q.transactions[tx.ID] = tx
	q.unfinished = append(q.unfinished, tx)
	return tx
}
