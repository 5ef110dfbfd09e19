package android_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	commonpb "github.com/code-payments/flipcash2-protobuf-api/generated/go/common/v1"

	"github.com/code-payments/flipcash2-iap/iap"
	"github.com/code-payments/flipcash2-iap/iap/android"
	"github.com/code-payments/flipcash2-iap/iap/memory"
	"github.com/code-payments/flipcash2-iap/iap/tests"
	"github.com/code-payments/flipcash2-iap/metrics"
)

type harness struct {
	channel  *memory.BillingChannel
	ledger   iap.Ledger
	registry *prometheus.Registry
	svc      *android.Service
}

func newHarness(t *testing.T) *harness {
	publicKey, storeKey, err := memory.GenerateKeyPair()
	require.NoError(t, err)

	channel := memory.NewBillingChannel(zap.NewNop(), storeKey, memory.DefaultRequestCode)
	channel.AddProduct("sku1", decimal.RequireFromString("0.99"))
	channel.AddProduct("sku2", decimal.RequireFromString("4.99"))

	ledger := memory.NewInMemoryLedger()
	registry := prometheus.NewRegistry()

	return &harness{
		channel:  channel,
		ledger:   ledger,
		registry: registry,
		svc:      android.NewService(zap.Must(zap.NewDevelopment()), publicKey, channel.Connector(), ledger, metrics.New(registry)),
	}
}

func (h *harness) Service() iap.Service {
	return h.svc
}

func (h *harness) NativePurchaseCount() int {
	return h.channel.BuyCount()
}

func (h *harness) Approve(t *testing.T, product iap.Product) {
	res, err := h.channel.ApprovePurchase()
	require.NoError(t, err)
	h.forward(res)
}

func (h *harness) Decline(t *testing.T, product iap.Product) {
	h.forward(h.channel.RejectPurchase(iap.ResponseCodeItemUnavailable))
}

func (h *harness) forward(res *memory.ActivityResult) {
	h.svc.HandleActivityResult(res.RequestCode, res.ResultCode, res.Data)
}

func (h *harness) start(t *testing.T) {
	ctx := context.Background()

	_, err := h.svc.Init(ctx, nil)
	require.NoError(t, err)

	started, err := h.svc.Resume(ctx)
	require.NoError(t, err)
	require.True(t, started)
}

type purchaseResult struct {
	purchase *iap.Purchase
	err      error
}

func (h *harness) startPurchase(product iap.Product) <-chan purchaseResult {
	resultCh := make(chan purchaseResult, 1)
	go func() {
		purchase, err := h.svc.Purchase(context.Background(), product)
		resultCh <- purchaseResult{purchase: purchase, err: err}
	}()
	return resultCh
}

func (h *harness) waitForBuys(t *testing.T, count int) {
	require.Eventually(t, func() bool {
		return h.channel.BuyCount() == count
	}, time.Second, 5*time.Millisecond)
}

func waitForResult(t *testing.T, resultCh <-chan purchaseResult) purchaseResult {
	select {
	case res := <-resultCh:
		return res
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for purchase result")
		return purchaseResult{}
	}
}

func requirePending(t *testing.T, resultCh <-chan purchaseResult) {
	select {
	case res := <-resultCh:
		require.FailNow(t, "purchase resolved unexpectedly", "%+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAndroidService(t *testing.T) {
	tests.RunServiceTests(t, func(t *testing.T) tests.Harness {
		return newHarness(t)
	}, func() {})
}

func TestAndroidService_ProductNotFound(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	purchase, err := h.svc.Purchase(context.Background(), iap.NewProduct("missing"))
	require.Nil(t, purchase)
	require.ErrorIs(t, err, iap.ErrProductNotFound)
	require.Zero(t, h.channel.BuyCount())

	// The slot is free again
	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)
	h.Approve(t, iap.NewProduct("sku1"))
	require.NoError(t, waitForResult(t, resultCh).err)
}

func TestAndroidService_PurchasedThenConsumed(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	product := iap.NewProduct("sku1")
	resultCh := h.startPurchase(product)
	h.waitForBuys(t, 1)

	h.Approve(t, product)

	res := waitForResult(t, resultCh)
	require.NoError(t, res.err)
	require.Equal(t, product, res.purchase.Product)
	require.Equal(t, iap.TransactionStatusPurchased, res.purchase.Status)
	require.Equal(t, commonpb.Platform_GOOGLE, res.purchase.Platform)
	require.Equal(t, 1, h.channel.ConsumeCount())
	require.True(t, iap.IsRecorded(context.Background(), h.ledger, res.purchase.TransactionID))
}

func TestAndroidService_AlreadyOwned(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)

	h.forward(h.channel.RejectPurchase(iap.ResponseCodeItemAlreadyOwned))

	res := waitForResult(t, resultCh)
	require.Nil(t, res.purchase)
	require.ErrorIs(t, res.err, iap.ErrPurchaseRejected)
	require.Contains(t, res.err.Error(), "already owned")
	require.Zero(t, h.channel.ConsumeCount())

	var typed *iap.Error
	require.True(t, errors.As(res.err, &typed))
	require.Equal(t, iap.ResponseCodeItemAlreadyOwned, typed.Code)
}

func TestAndroidService_ConsumeError(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	h.channel.FailConsume(iap.ResponseCodeItemNotOwned)

	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)
	h.Approve(t, iap.NewProduct("sku1"))

	res := waitForResult(t, resultCh)
	require.ErrorIs(t, res.err, iap.ErrConsumeFailed)
	require.NotErrorIs(t, res.err, iap.ErrPurchaseRejected)
	require.Contains(t, res.err.Error(), "Cannot Consume the purchase")
	require.Equal(t, 1, h.channel.ConsumeCount())
}

func TestAndroidService_ConsumeCommandError(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	h.channel.SetConsumeError(errors.New("remote exception"))

	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)
	h.Approve(t, iap.NewProduct("sku1"))

	res := waitForResult(t, resultCh)
	require.ErrorIs(t, res.err, iap.ErrConsumeFailed)
	require.Contains(t, res.err.Error(), "remote exception")
}

func TestAndroidService_ValidationFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)

	res, err := h.channel.ApproveTamperedPurchase()
	require.NoError(t, err)
	h.forward(res)

	result := waitForResult(t, resultCh)
	require.NoError(t, result.err)
	require.Equal(t, iap.TransactionStatusFailed, result.purchase.Status)
	require.ErrorIs(t, result.purchase.Reason, iap.ErrValidationFailed)
	require.NotEmpty(t, result.purchase.TransactionID)
	require.Zero(t, h.channel.ConsumeCount())
}

func TestAndroidService_ActivityCancelled(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	product := iap.NewProduct("sku1")
	resultCh := h.startPurchase(product)
	h.waitForBuys(t, 1)

	h.forward(h.channel.CancelPurchase())

	res := waitForResult(t, resultCh)
	require.NoError(t, res.err)
	require.Equal(t, product, res.purchase.Product)
	require.Equal(t, iap.TransactionStatusCancelled, res.purchase.Status)
	require.Empty(t, res.purchase.TransactionID)

	// The channel still saw the result, and its cancellation echo is not
	// treated as unexpected
	require.Equal(t, 1, h.channel.ActivityResultCount())
	require.Zero(t, unexpectedNotifications(t, h))

	resultCh = h.startPurchase(product)
	h.waitForBuys(t, 2)

	h.channel.Emit(&android.Event{Type: android.EventTypeUserCanceled})
	require.True(t, iap.IsCancelled(waitForResult(t, resultCh).err))
}

func unexpectedNotifications(t *testing.T, h *harness) int {
	count, err := testutil.GatherAndCount(h.registry, "iap_unexpected_notifications_total")
	require.NoError(t, err)
	return count
}

func TestAndroidService_UserCanceledEvent(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)

	h.channel.Emit(&android.Event{Type: android.EventTypeUserCanceled})

	res := waitForResult(t, resultCh)
	require.Nil(t, res.purchase)
	require.True(t, iap.IsCancelled(res.err))
}

func TestAndroidService_ConnectionInProgress(t *testing.T) {
	h := newHarness(t)
	h.channel.SetAutoConnect(false)
	defer h.svc.Dispose()

	ctx := context.Background()
	_, err := h.svc.Init(ctx, nil)
	require.NoError(t, err)

	type resumeResult struct {
		started bool
		err     error
	}
	resumeCh := make(chan resumeResult, 1)
	go func() {
		started, err := h.svc.Resume(ctx)
		resumeCh <- resumeResult{started: started, err: err}
	}()

	require.Eventually(t, func() bool {
		return h.svc.State() == iap.LifecycleStateStarting
	}, time.Second, 5*time.Millisecond)

	_, err = h.svc.Resume(ctx)
	require.ErrorIs(t, err, iap.ErrOperationInProgress)
	_, err = h.svc.Pause(ctx)
	require.ErrorIs(t, err, iap.ErrOperationInProgress)

	_, err = h.svc.Purchase(ctx, iap.NewProduct("sku1"))
	require.ErrorIs(t, err, iap.ErrNotStarted)

	h.channel.Emit(&android.Event{Type: android.EventTypeConnected})

	select {
	case res := <-resumeCh:
		require.NoError(t, res.err)
		require.True(t, res.started)
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for resume")
	}
	require.True(t, h.svc.IsStarted())
}

func TestAndroidService_AbandonedResumeKeepsSlot(t *testing.T) {
	h := newHarness(t)
	h.channel.SetAutoConnect(false)
	defer h.svc.Dispose()

	_, err := h.svc.Init(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = h.svc.Resume(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = h.svc.Resume(context.Background())
	require.ErrorIs(t, err, iap.ErrOperationInProgress)

	h.channel.Emit(&android.Event{Type: android.EventTypeConnected})
	require.True(t, h.svc.IsStarted())

	started, err := h.svc.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, started)
}

func TestAndroidService_ChannelErrorDuringConnect(t *testing.T) {
	h := newHarness(t)
	h.channel.SetAutoConnect(false)
	defer h.svc.Dispose()

	ctx := context.Background()
	_, err := h.svc.Init(ctx, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.Resume(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return h.svc.State() == iap.LifecycleStateStarting
	}, time.Second, 5*time.Millisecond)

	h.channel.Emit(&android.Event{
		Type:      android.EventTypeBillingError,
		ErrorType: "SERVICE_DISCONNECTED",
		Message:   "play store unavailable",
	})

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, iap.ErrChannel)
		require.Equal(t, "SERVICE_DISCONNECTED:play store unavailable", err.Error())
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for resume")
	}
	require.False(t, h.svc.IsStarted())
	require.Equal(t, iap.LifecycleStateStopped, h.svc.State())
}

func TestAndroidService_DisconnectWhilePurchasing(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)

	h.channel.Emit(&android.Event{Type: android.EventTypeDisconnected})

	res := waitForResult(t, resultCh)
	require.ErrorIs(t, res.err, iap.ErrChannel)
	require.False(t, h.svc.IsStarted())

	started, err := h.svc.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, started)
}

func TestAndroidService_DisconnectWhileConsuming(t *testing.T) {
	for _, lost := range []*android.Event{
		{Type: android.EventTypeDisconnected},
		{Type: android.EventTypeBillingError, ErrorType: "service", Message: "dead object"},
	} {
		t.Run(lost.Type.String(), func(t *testing.T) {
			h := newHarness(t)
			h.start(t)
			defer h.svc.Dispose()

			h.channel.HoldConsume(true)

			resultCh := h.startPurchase(iap.NewProduct("sku1"))
			h.waitForBuys(t, 1)

			h.Approve(t, iap.NewProduct("sku1"))
			require.Equal(t, 1, h.channel.ConsumeCount())
			requirePending(t, resultCh)

			h.channel.Emit(lost)

			res := waitForResult(t, resultCh)
			require.Nil(t, res.purchase)
			require.ErrorIs(t, res.err, iap.ErrConsumeFailed)
			require.NotErrorIs(t, res.err, iap.ErrChannel)
			require.False(t, h.svc.IsStarted())
		})
	}
}

func TestAndroidService_BuyCommandError(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	h.channel.SetBuyError(errors.New("activity not found"))

	purchase, err := h.svc.Purchase(context.Background(), iap.NewProduct("sku1"))
	require.Nil(t, purchase)
	require.ErrorIs(t, err, iap.ErrChannel)

	h.channel.SetBuyError(nil)
	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)
	h.Approve(t, iap.NewProduct("sku1"))
	require.NoError(t, waitForResult(t, resultCh).err)
}

func TestAndroidService_RedeliveredPurchase(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	var delivered *android.Event
	sub := h.channel.Subscribe(eventFunc(func(e *android.Event) {
		delivered = e
	}), android.EventTypeProductPurchased)
	defer sub.Cancel()

	product := iap.NewProduct("sku1")
	resultCh := h.startPurchase(product)
	h.waitForBuys(t, 1)
	h.Approve(t, product)
	first := waitForResult(t, resultCh)
	require.NoError(t, first.err)
	require.NotNil(t, delivered)

	resultCh = h.startPurchase(product)
	h.waitForBuys(t, 2)

	// A late copy of the first notification must not resolve the new purchase
	h.channel.Emit(delivered)
	select {
	case res := <-resultCh:
		require.FailNow(t, "redelivered notification resolved a new purchase", "%+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, h.channel.ConsumeCount())

	h.Approve(t, product)
	second := waitForResult(t, resultCh)
	require.NoError(t, second.err)
	require.NotEqual(t, first.purchase.TransactionID, second.purchase.TransactionID)
}

func TestAndroidService_UnexpectedNotification(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.svc.Dispose()

	h.channel.Emit(&android.Event{Type: android.EventTypePurchaseConsumed, Purchase: &android.NativePurchase{OrderID: "GPA.1"}})
	h.channel.Emit(&android.Event{Type: android.EventTypeProductPurchaseError, ResponseCode: iap.ResponseCodeError})

	resultCh := h.startPurchase(iap.NewProduct("sku1"))
	h.waitForBuys(t, 1)
	h.Approve(t, iap.NewProduct("sku1"))
	require.NoError(t, waitForResult(t, resultCh).err)
}

func TestAndroidService_DisposeReleasesChannel(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.Equal(t, 2, h.channel.SubscriberCount())

	h.svc.Dispose()
	require.Zero(t, h.channel.SubscriberCount())
	require.False(t, h.channel.IsConnected())
	require.Equal(t, iap.LifecycleStateStopped, h.svc.State())
}

type eventFunc func(e *android.Event)

func (f eventFunc) OnEvent(_ android.EventType, e *android.Event) {
	f(e)
}
