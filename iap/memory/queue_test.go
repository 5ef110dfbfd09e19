package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipcash2-iap/event"
	"github.com/code-payments/flipcash2-iap/iap/apple"
)

type recordingObserver struct {
	*event.TestEventObserver[apple.TransactionState, *apple.Transaction]
	batches int
}

func (o *recordingObserver) UpdatedTransactions(queue apple.PaymentQueue, txs []*apple.Transaction) {
	o.batches++
	for _, tx := range txs {
		o.OnEvent(tx.State, tx)
		if tx.State.IsFinal() {
			_ = queue.FinishTransaction(tx)
		}
	}
}

func TestPaymentQueue_Lifecycle(t *testing.T) {
	queue := NewPaymentQueue(zap.NewNop())
	observer := &recordingObserver{TestEventObserver: event.NewTestEventObserver[apple.TransactionState, *apple.Transaction]()}

	queue.AddTransactionObserver(observer)
	require.Equal(t, 1, queue.ObserverCount())

	require.Error(t, queue.AddPayment(apple.Payment{ProductID: "sku1"}))
	require.NoError(t, queue.AddPayment(apple.Payment{ProductID: "sku1", Quantity: 1}))
	require.Equal(t, 1, queue.PaymentCount())

	purchased, err := queue.Complete("sku1")
	require.NoError(t, err)
	require.Equal(t, apple.TransactionStatePurchased, purchased.State)
	require.Equal(t, 1, queue.FinishCount(purchased.ID))

	_, err = queue.Complete("sku1")
	require.Error(t, err)

	require.NoError(t, queue.AddPayment(apple.Payment{ProductID: "sku2", Quantity: 1}))
	reason := errors.New("declined")
	failed, err := queue.Fail("sku2", reason)
	require.NoError(t, err)
	require.Equal(t, reason, failed.Err)

	require.Equal(t, []apple.TransactionState{
		apple.TransactionStatePurchasing,
		apple.TransactionStatePurchased,
		apple.TransactionStatePurchasing,
		apple.TransactionStateFailed,
	}, observer.Keys())

	// Delivered snapshots are left untouched by later transitions
	purchasing := observer.GetEvents(func(s apple.TransactionState) bool { return s == apple.TransactionStatePurchasing })
	require.Len(t, purchasing, 2)
	require.Equal(t, apple.TransactionStatePurchasing, purchasing[0].Event.State)
	require.Equal(t, purchased.ID, purchasing[0].Event.ID)

	queue.RemoveTransactionObserver(observer)
	require.Zero(t, queue.ObserverCount())
}

func TestPaymentQueue_Redelivery(t *testing.T) {
	queue := NewPaymentQueue(zap.NewNop())

	first := queue.NewTransaction("sku1", apple.TransactionStatePurchased)
	second := queue.NewTransaction("sku2", apple.TransactionStateFailed)
	pending := queue.NewTransaction("sku3", apple.TransactionStateDeferred)

	// Nobody is observing yet, so nothing is finished
	queue.Deliver(first, second, pending)
	require.Zero(t, queue.FinishCount(first.ID))

	observer := &recordingObserver{TestEventObserver: event.NewTestEventObserver[apple.TransactionState, *apple.Transaction]()}
	queue.AddTransactionObserver(observer)

	require.Equal(t, 2, queue.Redeliver())
	require.Equal(t, 1, observer.batches)
	require.Equal(t, 1, queue.FinishCount(first.ID))
	require.Equal(t, 1, queue.FinishCount(second.ID))
	require.Zero(t, queue.FinishCount(pending.ID))

	require.Zero(t, queue.Redeliver())

	require.Error(t, queue.FinishTransaction(pending))
	require.Error(t, queue.FinishTransaction(&apple.Transaction{ID: "unknown", State: apple.TransactionStatePurchased}))
}
