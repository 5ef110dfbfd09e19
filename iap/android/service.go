package android

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	commonpb "github.com/code-payments/flipcash2-protobuf-api/generated/go/common/v1"
	ocpmetrics "github.com/code-payments/ocp-server/pkg/metrics"

	"github.com/code-payments/flipcash2-iap/event"
	"github.com/code-payments/flipcash2-iap/iap"
	"github.com/code-payments/flipcash2-iap/metrics"
	"github.com/code-payments/flipcash2-iap/pending"
)

const (
	metricsStructName = "iap.android.service"

	platform = commonpb.Platform_GOOGLE
)

var connectionEvents = []EventType{
	EventTypeConnected,
	EventTypeDisconnected,
	EventTypeBillingError,
}

var billingEvents = []EventType{
	EventTypeProductPurchased,
	EventTypeProductPurchaseError,
	EventTypePurchaseConsumed,
	EventTypePurchaseConsumeError,
	EventTypePurchaseFailedValidation,
	EventTypeUserCanceled,
}

type purchaseRequest struct {
	product iap.Product
	result  *pending.Result[*iap.Purchase]

	// Set once the channel reports the product purchased, while the consume
	// step is outstanding.
	purchase *iap.Purchase
	native   *NativePurchase
}

// Service coordinates purchases over a connection-oriented BillingChannel.
type Service struct {
	log       *zap.Logger
	publicKey string
	connect   Connector
	ledger    iap.Ledger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	channel    BillingChannel
	state      iap.LifecycleState
	connection *pending.Result[bool]
	request    *purchaseRequest
	connSub    *event.Subscription[EventType, *Event]
	billingSub *event.Subscription[EventType, *Event]
	disposed   bool

	// Set while a cancelled activity result is forwarded to the channel, whose
	// UserCanceled echo is then expected.
	forwardingCancel bool
}

func NewService(log *zap.Logger, publicKey string, connect Connector, ledger iap.Ledger, m *metrics.Metrics) *Service {
	return &Service{
		log:       log.With(zap.String("platform", platform.String())),
		publicKey: publicKey,
		connect:   connect,
		ledger:    ledger,
		metrics:   m,
	}
}

func (s *Service) Init(ctx context.Context, platformCtx any) (iap.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, iap.NewError(iap.ErrorKindNotInitialized, "service is disposed")
	}
	if s.channel != nil {
		return s, nil
	}

	channel, err := s.connect(platformCtx, s.publicKey)
	if err != nil {
		return nil, errors.Wrap(err, "error binding billing channel")
	}

	s.channel = channel
	s.connSub = channel.Subscribe(event.HandlerFunc[EventType, *Event](s.onConnectionEvent), connectionEvents...)

	s.log.Debug("Billing channel bound")
	return s, nil
}

func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == iap.LifecycleStateStarted
}

// State returns the current lifecycle state.
func (s *Service) State() iap.LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Service) Resume(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if s.connection != nil {
		s.mu.Unlock()
		return false, iap.ErrOperationInProgress
	}
	if s.state == iap.LifecycleStateStarted {
		s.mu.Unlock()
		return true, nil
	}

	connection := pending.New[bool]()
	s.connection = connection
	s.setStateLocked(iap.LifecycleStateStarting)
	channel := s.channel
	s.mu.Unlock()

	if err := channel.Connect(); err != nil {
		s.log.Warn("Failure connecting billing channel", zap.Error(err))
		s.failConnection(connection, iap.LifecycleStateStopped, iap.NewError(iap.ErrorKindChannel, "cannot connect: %v", err))
	}

	return connection.Wait(ctx)
}

// Pause disconnects the channel unless a purchase is in flight, in which case
// it returns false and leaves everything untouched.
func (s *Service) Pause(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if s.connection != nil {
		s.mu.Unlock()
		return false, iap.ErrOperationInProgress
	}
	if s.request != nil {
		s.mu.Unlock()
		s.log.Debug("Ignoring pause while a purchase is in flight")
		return false, nil
	}
	if s.state != iap.LifecycleStateStarted {
		s.mu.Unlock()
		return false, nil
	}

	connection := pending.New[bool]()
	s.connection = connection
	s.setStateLocked(iap.LifecycleStateStopping)
	channel := s.channel
	s.mu.Unlock()

	if err := channel.Disconnect(); err != nil {
		s.log.Warn("Failure disconnecting billing channel", zap.Error(err))
		s.failConnection(connection, iap.LifecycleStateStarted, iap.NewError(iap.ErrorKindChannel, "cannot disconnect: %v", err))
	}

	return connection.Wait(ctx)
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

	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.request != nil {
		s.mu.Unlock()
		log.Warn("Rejecting purchase while another is in flight")
		return nil, iap.ErrOperationInProgress
	}
	if s.state != iap.LifecycleStateStarted {
		s.mu.Unlock()
		return nil, iap.ErrNotStarted
	}

	req := &purchaseRequest{
		product: product,
		result:  pending.New[*iap.Purchase](),
	}
	s.request = req
	channel := s.channel
	s.mu.Unlock()

	s.metrics.OnPurchaseStarted(platform)

	skus, err := channel.QueryInventory(ctx, []string{product.ID}, ItemTypeInApp)
	if err != nil {
		log.Warn("Failure querying inventory", zap.Error(err))
		s.failRequest(req, iap.NewError(iap.ErrorKindChannel, "cannot query inventory: %v", err))
		return req.result.Wait(ctx)
	}

	var sku *SkuDetails
	for _, candidate := range skus {
		if candidate.ProductID == product.ID {
			sku = candidate
			break
		}
	}
	if sku == nil {
		log.Debug("Product not found in inventory")
		s.failRequest(req, iap.NewError(iap.ErrorKindProductNotFound, "product not found: %s", product.ID))
		return req.result.Wait(ctx)
	}

	if err := channel.BuyProduct(sku); err != nil {
		log.Warn("Failure starting purchase flow", zap.Error(err))
		s.failRequest(req, iap.NewError(iap.ErrorKindChannel, "cannot start purchase: %v", err))
		return req.result.Wait(ctx)
	}

	log.Debug("Purchase flow started", zap.String("price", sku.DisplayPrice(language.English)))
	return req.result.Wait(ctx)
}

// HandleActivityResult must be called with every activity result the host
// receives. A cancelled flow resolves the pending purchase as cancelled
// before the result reaches the channel.
func (s *Service) HandleActivityResult(requestCode int, resultCode ResultCode, data *Intent) {
	s.mu.Lock()
	channel := s.channel
	var req *purchaseRequest
	if resultCode == ResultCodeCanceled {
		req = s.takeRequestLocked()
	}
	s.mu.Unlock()

	if req != nil {
		s.log.Debug("Purchase flow cancelled by the user", zap.String("product_id", req.product.ID))
		s.resolve(req, iap.NewPurchase(platform, req.product, "", iap.TransactionStatusCancelled))
	}

	if channel == nil {
		return
	}

	if req != nil {
		s.mu.Lock()
		s.forwardingCancel = true
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.forwardingCancel = false
			s.mu.Unlock()
		}()
	}
	channel.HandleActivityResult(requestCode, resultCode, data)
}

// Dispose detaches from the channel, disconnects it and cancels any pending
// work. Teardown failures are logged and swallowed.
func (s *Service) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true

	channel := s.channel
	connected := s.state != iap.LifecycleStateStopped
	req := s.takeRequestLocked()
	connection := s.connection
	s.connection = nil
	connSub, billingSub := s.connSub, s.billingSub
	s.connSub, s.billingSub = nil, nil
	s.setStateLocked(iap.LifecycleStateStopped)
	s.mu.Unlock()

	connSub.Cancel()
	billingSub.Cancel()

	if channel != nil && connected {
		if err := channel.Disconnect(); err != nil {
			s.log.Warn("Failure disconnecting billing channel on dispose", zap.Error(err))
		}
	}

	if req != nil {
		s.cancel(req)
	}
	if connection != nil {
		connection.Resolve(false)
	}

	s.log.Debug("Service disposed")
}

func (s *Service) onConnectionEvent(t EventType, e *Event) {
	switch t {
	case EventTypeConnected:
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(iap.LifecycleStateStarted)
		if s.billingSub == nil {
			s.billingSub = s.channel.Subscribe(event.HandlerFunc[EventType, *Event](s.onBillingEvent), billingEvents...)
		}
		connection := s.connection
		s.connection = nil
		s.mu.Unlock()

		s.log.Debug("Billing channel connected")
		if connection != nil {
			connection.Resolve(true)
		}

	case EventTypeDisconnected:
		s.mu.Lock()
		s.setStateLocked(iap.LifecycleStateStopped)
		billingSub := s.billingSub
		s.billingSub = nil
		connection := s.connection
		s.connection = nil
		req := s.takeRequestLocked()
		s.mu.Unlock()

		billingSub.Cancel()

		s.log.Debug("Billing channel disconnected")
		if connection != nil {
			connection.Resolve(false)
		}
		if req != nil {
			s.reject(req, channelFailure(req, "billing channel disconnected"))
		}

	case EventTypeBillingError:
		s.mu.Lock()
		s.setStateLocked(iap.LifecycleStateStopped)
		billingSub := s.billingSub
		s.billingSub = nil
		connection := s.connection
		s.connection = nil
		req := s.takeRequestLocked()
		s.mu.Unlock()

		billingSub.Cancel()

		err := iap.NewError(iap.ErrorKindChannel, "%s:%s", e.ErrorType, e.Message)
		s.log.Warn("Billing channel error", zap.Error(err))
		if connection != nil {
			connection.Reject(err)
		}
		if req != nil {
			s.reject(req, channelFailure(req, err.Message))
		}
	}
}

func (s *Service) onBillingEvent(t EventType, e *Event) {
	switch t {
	case EventTypeProductPurchased:
		s.onProductPurchased(e)

	case EventTypePurchaseConsumed:
		req := s.takeRequest(t, func(req *purchaseRequest) bool {
			return req.purchase != nil
		})
		if req == nil {
			return
		}
		s.record(req.purchase)
		s.resolve(req, req.purchase)

	case EventTypePurchaseFailedValidation:
		req := s.takeRequest(t, nil)
		if req == nil {
			return
		}

		var transactionID string
		if e.Purchase != nil {
			transactionID = e.Purchase.OrderID
		}
		purchase := iap.NewPurchase(platform, req.product, transactionID, iap.TransactionStatusFailed)
		purchase.Reason = iap.ErrValidationFailed
		s.record(purchase)
		s.resolve(req, purchase)

	case EventTypeProductPurchaseError:
		req := s.takeRequest(t, nil)
		if req == nil {
			return
		}
		s.reject(req, iap.NewResponseError(iap.ErrorKindPurchaseRejected, e.ResponseCode, "Cannot Purchase"))

	case EventTypePurchaseConsumeError:
		req := s.takeRequest(t, nil)
		if req == nil {
			return
		}
		s.reject(req, iap.NewResponseError(iap.ErrorKindConsumeFailed, e.ResponseCode, "Cannot Consume the purchase"))

	case EventTypeUserCanceled:
		s.mu.Lock()
		echo := s.forwardingCancel
		s.mu.Unlock()
		if echo {
			s.log.Debug("Ignoring cancellation already resolved from the activity result")
			return
		}

		req := s.takeRequest(t, nil)
		if req == nil {
			return
		}
		s.cancel(req)
	}
}

func (s *Service) onProductPurchased(e *Event) {
	native := e.Purchase
	if native == nil {
		s.log.Warn("Ignoring purchase notification without a purchase")
		return
	}

	log := s.log.With(
		zap.String("product_id", native.ProductID),
		zap.String("order_id", native.OrderID),
	)

	if iap.IsRecorded(context.Background(), s.ledger, native.OrderID) {
		log.Debug("Ignoring redelivered purchase notification")
		s.metrics.OnUnexpectedNotification(platform, "redelivered")
		return
	}

	s.mu.Lock()
	req := s.request
	if req == nil || req.purchase != nil || req.product.ID != native.ProductID {
		s.mu.Unlock()
		log.Warn("Ignoring purchase notification without a matching pending purchase", zap.Error(iap.ErrUnexpectedNotification))
		s.metrics.OnUnexpectedNotification(platform, EventTypeProductPurchased.String())
		return
	}
	req.purchase = iap.NewPurchase(platform, req.product, native.OrderID, iap.TransactionStatusPurchased)
	req.native = native
	channel := s.channel
	s.mu.Unlock()

	log.Debug("Product purchased, consuming")
	if err := channel.ConsumePurchase(native); err != nil {
		log.Warn("Failure consuming purchase", zap.Error(err))

		s.mu.Lock()
		taken := s.request == req
		if taken {
			s.request = nil
		}
		s.mu.Unlock()

		if taken {
			s.reject(req, iap.NewError(iap.ErrorKindConsumeFailed, "Cannot Consume the purchase: %v", err))
		}
	}
}

// channelFailure is the error for a purchase lost with the channel. Once the
// store has reported the purchase, the user has paid and only the consume is
// outstanding.
func channelFailure(req *purchaseRequest, message string) error {
	if req.purchase != nil {
		return iap.NewError(iap.ErrorKindConsumeFailed, "Cannot Consume the purchase %s: %s", req.purchase.TransactionID, message)
	}
	return iap.NewError(iap.ErrorKindChannel, "%s", message)
}

// takeRequest clears and returns the pending purchase when it satisfies
// accept. A notification without one is logged and counted.
func (s *Service) takeRequest(t EventType, accept func(*purchaseRequest) bool) *purchaseRequest {
	s.mu.Lock()
	req := s.request
	if req != nil && (accept == nil || accept(req)) {
		s.request = nil
	} else {
		req = nil
	}
	s.mu.Unlock()

	if req == nil {
		s.log.Warn("Ignoring notification without a pending purchase", zap.Error(iap.ErrUnexpectedNotification), zap.String("event", t.String()))
		s.metrics.OnUnexpectedNotification(platform, t.String())
	}
	return req
}

func (s *Service) takeRequestLocked() *purchaseRequest {
	req := s.request
	s.request = nil
	return req
}

// failRequest settles req with err if it is still the pending purchase.
func (s *Service) failRequest(req *purchaseRequest, err error) {
	s.mu.Lock()
	taken := s.request == req
	if taken {
		s.request = nil
	}
	s.mu.Unlock()

	if taken {
		s.reject(req, err)
	}
}

func (s *Service) failConnection(connection *pending.Result[bool], state iap.LifecycleState, err error) {
	s.mu.Lock()
	if s.connection == connection {
		s.connection = nil
		s.setStateLocked(state)
	}
	s.mu.Unlock()

	connection.Reject(err)
}

func (s *Service) resolve(req *purchaseRequest, purchase *iap.Purchase) {
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
		s.log.Warn("Failure recording purchase", zap.Error(err), zap.String("order_id", purchase.TransactionID))
	}
}

func (s *Service) checkUsableLocked() error {
	if s.disposed {
		return iap.NewError(iap.ErrorKindNotInitialized, "service is disposed")
	}
	if s.channel == nil {
		return iap.ErrNotInitialized
	}
	return nil
}

func (s *Service) setStateLocked(state iap.LifecycleState) {
	if s.state == state {
		return
	}
	s.state = state
	s.metrics.OnLifecycleTransition(platform, state.String())
}
