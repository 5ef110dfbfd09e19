package apple

import (
	"go.uber.org/zap"

	"github.com/code-payments/flipcash2-iap/event"
	"github.com/code-payments/flipcash2-iap/metrics"
)

// paymentObserver publishes every updated transaction by state and finishes
// final ones with the queue once per delivery, whether or not anyone was
// waiting for them.
type paymentObserver struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	bus     *event.Bus[TransactionState, *Transaction]
}

func newPaymentObserver(log *zap.Logger, m *metrics.Metrics) *paymentObserver {
	return &paymentObserver{
		log:     log,
		metrics: m,
		bus:     event.NewBus[TransactionState, *Transaction](),
	}
}

func (o *paymentObserver) subscribe(h event.Handler[TransactionState, *Transaction], states ...TransactionState) *event.Subscription[TransactionState, *Transaction] {
	return o.bus.AddHandler(h, states...)
}

func (o *paymentObserver) UpdatedTransactions(queue PaymentQueue, txs []*Transaction) {
	for _, tx := range txs {
		if tx == nil {
			continue
		}

		log := o.log.With(
			zap.String("transaction_id", tx.ID),
			zap.String("product_id", tx.Payment.ProductID),
			zap.String("state", tx.State.String()),
		)
		log.Debug("Transaction updated")

		o.bus.OnEvent(tx.State, tx)

		if !tx.State.IsFinal() {
			continue
		}

		if err := queue.FinishTransaction(tx); err != nil {
			log.Warn("Failure finishing transaction", zap.Error(err))
			continue
		}
		o.metrics.OnTransactionFinalized(platform, tx.State.String())
	}
}
