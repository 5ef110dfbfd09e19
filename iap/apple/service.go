package apple

import (
	"context"
	"sync"

	"go.uber.org/zap"

	commonpb "github.com/code-payments/flipcash2-protobuf-api/generated/go/common/v1"
	ocpmetrics "github.com/code-payments/ocp-server/pkg/metrics"

	"github.com/code-payments/flipcash2-iap/event"
	"github.com/code-payments/flipcash2-iap/iap"
	"github.com/code-payments/flipcash2-iap/metrics"
	"github.com/code-payments/flipcash2-iap/pending"
)

const (
	metricsStructName = "iap.apple.service"

	platform = commonpb.Platform_APPLE
)

type purchaseRequest struct {
	product iap.Product
	result  *pending.Result[*iap.Purchase]
}

// Service coordinates purchases over the observer-based PaymentQueue.
type Service struct {
	log     *zap.Logger
	queue   PaymentQueue
	ledger  iap.Ledger
	metrics *metrics.Metrics

	observer *paymentObserver
	subs     []*event.Subscription[TransactionState, *Transaction]

	// Serializes observer installation and removal.
	lifecycleMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	started     bool
	request     *purchaseRequest
	disposed    bool
}

func NewService(log *zap.Logger, queue PaymentQueue, ledger iap.Ledger, m *metrics.Metrics) *Service {
	log = log.With(zap.String("platform", platform.String()))

	s := &Service{
		log:      log,
		queue:    queue,
		ledger:   ledger,
		metrics:  m,
		observer: newPaymentObserver(log, m),
	}
	s.subs = []*event.Subscription[TransactionState, *Transaction]{
		s.observer.subscribe(event.HandlerFunc[TransactionState, *Transaction](s.onTransaction), TransactionStatePurchased, TransactionStateFailed),
	}
	return s
}

// Init has nothing to connect to; the queue is always present.
func (s *Service) Init(ctx context.Context, platformCtx any) (iap.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, iap.NewError(iap.ErrorKindNotInitialized, "service is disposed")
	}
	s.initialized = true
	return s, nil
}

func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.started
}

// Resume installs the transaction observer. It is a no-op when the observer
// is already installed.
func (s *Service) Resume(ctx context.Context) (bool, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if s.started {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	// The queue may deliver pending transactions as soon as the observer is
	// installed, so this happens outside of mu.
	s.queue.AddTransactionObserver(s.observer)

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.metrics.OnLifecycleTransition(platform, iap.LifecycleStateStarted.String())
	s.log.Debug("Transaction observer installed")
	return true, nil
}

// Pause removes the transaction observer unless a purchase is in flight. It
// returns the resulting started flag.
func (s *Service) Pause(ctx context.Context) (bool, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if !s.started {
		s.mu.Unlock()
		return false, nil
	}
	if s.request != nil {
		s.mu.Unlock()
		s.log.Debug("Ignoring pause while a purchase is in flight")
		return true, nil
	}
	s.started = false
	s.mu.Unlock()

	s.queue.RemoveTransactionObserver(s.observer)

	s.metrics.OnLifecycleTransition(platform, iap.LifecycleStateStopped.String())
	s.log.Debug("Transaction observer removed")
	return false, nil
}

func (s *Service) Purchase(ctx context.Context, product iap.Product) (*iap.Purchase, error) {
	tracer := ocpmetrics.TraceMethodCall(ctx, metricsStructName, "Purchase")
	defer tracer.End()

	purchase, err := s.purchase(ctx, product)
	tracer.OnError(err)
	return purchase, err
}

func (s *Service) purchase(ctx context.Context, product iap.Product) (*iap.Purchase, error) {
	log := s.log.With(zap.String("product_id", product.ID))

	started, err := s.Resume(ctx)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, iap.ErrNotStarted
	}

	s.mu.Lock()
	if s.request != nil {
		s.mu.Unlock()
		log.Warn("Rejecting purchase while another is in flight")
		return nil, iap.ErrOperationInProgress
	}
	if !s.started {
		s.mu.Unlock()
		return nil, iap.ErrNotStarted
	}

	req := &purchaseRequest{
		product: product,
		result:  pending.New[*iap.Purchase](),
	}
	s.request = req
	s.mu.Unlock()

	s.metrics.OnPurchaseStarted(platform)

	if err := s.queue.AddPayment(Payment{ProductID: product.ID, Quantity: 1}); err != nil {
		log.Warn("Failure adding payment", zap.Error(err))

		s.mu.Lock()
		taken := s.request == req
		if taken {
			s.request = nil
		}
		s.mu.Unlock()

		if taken {
			s.reject(req, iap.NewError(iap.ErrorKindChannel, "cannot add payment: %v", err))
		}
		return req.result.Wait(ctx)
	}

	log.Debug("Payment added")
	return req.result.Wait(ctx)
}

// Dispose cancels any pending purchase and removes the observer if it is
// still installed.
func (s *Service) Dispose() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	started := s.started
	s.started = false
	req := s.request
	s.request = nil
	s.mu.Unlock()

	for _, sub := range s.subs {
		sub.Cancel()
	}
	if started {
		s.queue.RemoveTransactionObserver(s.observer)
		s.metrics.OnLifecycleTransition(platform, iap.LifecycleStateStopped.String())
	}

	if req != nil {
		s.cancel(req)
	}

	s.log.Debug("Service disposed")
}

func (s *Service) onTransaction(state TransactionState, tx *Transaction) {
	log := s.log.With(
		zap.String("transaction_id", tx.ID),
		zap.String("product_id", tx.Payment.ProductID),
	)

	if iap.IsRecorded(context.Background(), s.ledger, tx.ID) {
		log.Debug("Ignoring redelivered transaction")
		return
	}

	s.mu.Lock()
	req := s.request
	switch {
	case req == nil:
		s.mu.Unlock()
		log.Debug("Ignoring transaction without a pending purchase", zap.String("state", state.String()))
		return
	case req.product.ID != tx.Payment.ProductID:
		s.mu.Unlock()
		if state == TransactionStatePurchased {
			log.Warn("Ignoring purchased transaction for another product", zap.Error(iap.ErrUnexpectedNotification), zap.String("pending_product_id", req.product.ID))
			s.metrics.OnUnexpectedNotification(platform, state.String())
		} else {
			log.Debug("Ignoring transaction for another product", zap.String("state", state.String()))
		}
		return
	}
	s.request = nil
	s.mu.Unlock()

	var purchase *iap.Purchase
	switch state {
	case TransactionStatePurchased:
		purchase = iap.NewPurchase(platform, req.product, tx.ID, iap.TransactionStatusPurchased)
	default:
		purchase = iap.NewPurchase(platform, req.product, tx.ID, iap.TransactionStatusFailed)
		purchase.Reason = tx.Err
	}

	s.record(purchase)
	if req.result.Resolve(purchase) {
		s.metrics.OnPurchaseResolved(platform, iap.Outcome(purchase, nil))
	}
}

func (s *Service) reject(req *purchaseRequest, err error) {
	if req.result.Reject(err) {
		s.metrics.OnPurchaseResolved(platform, iap.Outcome(nil, err))
	}
}

func (s *Service) cancel(req *purchaseRequest) {
	if req.result.Cancel() {
		s.metrics.OnPurchaseResolved(platform, iap.Outcome(nil, iap.ErrCancelled))
	}
}

func (s *Service) record(purchase *iap.Purchase) {
	if s.ledger == nil {
		return
	}

	err := s.ledger.RecordPurchase(context.Background(), purchase)
	if err != nil && err != iap.ErrExists {
		s.log.Warn("Failure recording purchase", zap.Error(err), zap.String("transaction_id", purchase.TransactionID))
	}
}

func (s *Service) checkUsableLocked() error {
	if s.disposed {
		return iap.NewError(iap.ErrorKindNotInitialized, "service is disposed")
	}
	if !s.initialized {
		return iap.ErrNotInitialized
	}
	return nil
}
