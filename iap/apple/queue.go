package apple

import (
	"time"
)

type TransactionState uint8

const (
	TransactionStatePurchasing TransactionState = iota
	TransactionStatePurchased
	TransactionStateFailed
	TransactionStateRestored
	TransactionStateDeferred
)

func (s TransactionState) String() string {
	switch s {
	case TransactionStatePurchasing:
		return "purchasing"
	case TransactionStatePurchased:
		return "purchased"
	case TransactionStateFailed:
		return "failed"
	case TransactionStateRestored:
		return "restored"
	case TransactionStateDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// IsFinal reports whether a transaction in this state must be finished with
// the queue.
func (s TransactionState) IsFinal() bool {
	switch s {
	case TransactionStatePurchased, TransactionStateFailed, TransactionStateRestored:
		return true
	default:
		return false
	}
}

type Payment struct {
	ProductID string
	Quantity  int
}

// Transaction is a payment tracked by the queue.
type Transaction struct {
	ID      string
	Payment Payment
	State   TransactionState

	// Err is set for failed transactions.
	Err error

	Date time.Time
}

// PaymentQueue is the process-wide transaction queue. Transactions it did not
// get from this service may be delivered to any installed observer.
type PaymentQueue interface {
	AddTransactionObserver(o Observer)
	RemoveTransactionObserver(o Observer)

	AddPayment(p Payment) error

	// FinishTransaction removes a final transaction from the queue. Unfinished
	// transactions are redelivered.
	FinishTransaction(tx *Transaction) error
}

// Observer receives batches of updated transactions.
type Observer interface {
	UpdatedTransactions(queue PaymentQueue, txs []*Transaction)
}
