package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipcash2-iap/iap"
)

// Harness drives the native side of a Service under test.
type Harness interface {
	Service() iap.Service

	// NativePurchaseCount is the number of purchase commands the service
	// issued to the native channel.
	NativePurchaseCount() int

	// Approve completes the native purchase flow for product successfully.
	Approve(t *testing.T, product iap.Product)

	// Decline completes the native purchase flow for product with a failure.
	Decline(t *testing.T, product iap.Product)
}

type purchaseResult struct {
	purchase *iap.Purchase
	err      error
}

func RunServiceTests(t *testing.T, newHarness func(t *testing.T) Harness, teardown func()) {
	for _, tf := range []func(t *testing.T, h Harness){
		testService_HappyPath,
		testService_SinglePurchaseInFlight,
		testService_ResetAfterTerminalEvent,
		testService_DisposeCancelsPendingPurchase,
		testService_PauseDuringPurchase,
		testService_NotInitialized,
	} {
		tf(t, newHarness(t))
		teardown()
	}
}

func testService_HappyPath(t *testing.T, h Harness) {
	ctx := context.Background()
	svc := initAndResume(t, h)
	defer svc.Dispose()

	product := iap.NewProduct("sku1")
	resultCh := startPurchase(ctx, svc, product)
	waitForNativePurchases(t, h, 1)

	h.Approve(t, product)

	res := waitForResult(t, resultCh)
	require.NoError(t, res.err)
	require.Equal(t, product, res.purchase.Product)
	require.Equal(t, iap.TransactionStatusPurchased, res.purchase.Status)
	require.NotEmpty(t, res.purchase.TransactionID)
	require.True(t, svc.IsStarted())
}

func testService_SinglePurchaseInFlight(t *testing.T, h Harness) {
	ctx := context.Background()
	svc := initAndResume(t, h)
	defer svc.Dispose()

	product := iap.NewProduct("sku1")
	resultCh := startPurchase(ctx, svc, product)
	waitForNativePurchases(t, h, 1)

	_, err := svc.Purchase(ctx, iap.NewProduct("sku2"))
	require.ErrorIs(t, err, iap.ErrOperationInProgress)
	require.Equal(t, 1, h.NativePurchaseCount())

	h.Approve(t, product)

	res := waitForResult(t, resultCh)
	require.NoError(t, res.err)
	require.Equal(t, product, res.purchase.Product)
}

func testService_ResetAfterTerminalEvent(t *testing.T, h Harness) {
	ctx := context.Background()
	svc := initAndResume(t, h)
	defer svc.Dispose()

	declined := iap.NewProduct("sku1")
	resultCh := startPurchase(ctx, svc, declined)
	waitForNativePurchases(t, h, 1)

	h.Decline(t, declined)

	res := waitForResult(t, resultCh)
	if res.err == nil {
		require.Equal(t, iap.TransactionStatusFailed, res.purchase.Status)
	} else {
		require.False(t, iap.IsCancelled(res.err))
	}

	approved := iap.NewProduct("sku2")
	resultCh = startPurchase(ctx, svc, approved)
	waitForNativePurchases(t, h, 2)

	h.Approve(t, approved)

	res = waitForResult(t, resultCh)
	require.NoError(t, res.err)
	require.Equal(t, approved, res.purchase.Product)
	require.Equal(t, iap.TransactionStatusPurchased, res.purchase.Status)
}

func testService_DisposeCancelsPendingPurchase(t *testing.T, h Harness) {
	ctx := context.Background()
	svc := initAndResume(t, h)

	product := iap.NewProduct("sku1")
	resultCh := startPurchase(ctx, svc, product)
	waitForNativePurchases(t, h, 1)

	svc.Dispose()

	res := waitForResult(t, resultCh)
	require.Nil(t, res.purchase)
	require.ErrorIs(t, res.err, iap.ErrCancelled)
	require.True(t, iap.IsCancelled(res.err))
	require.Equal(t, iap.ErrorKindUnknown, iap.KindOf(res.err))

	svc.Dispose()
	require.False(t, svc.IsStarted())

	_, err := svc.Purchase(ctx, product)
	require.ErrorIs(t, err, iap.ErrNotInitialized)
	require.Equal(t, 1, h.NativePurchaseCount())
}

func testService_PauseDuringPurchase(t *testing.T, h Harness) {
	ctx := context.Background()
	svc := initAndResume(t, h)
	defer svc.Dispose()

	product := iap.NewProduct("sku1")
	resultCh := startPurchase(ctx, svc, product)
	waitForNativePurchases(t, h, 1)

	_, err := svc.Pause(ctx)
	require.NoError(t, err)
	require.True(t, svc.IsStarted())

	h.Approve(t, product)

	res := waitForResult(t, resultCh)
	require.NoError(t, res.err)
	require.Equal(t, iap.TransactionStatusPurchased, res.purchase.Status)

	started, err := svc.Pause(ctx)
	require.NoError(t, err)
	require.False(t, started)
	require.False(t, svc.IsStarted())
}

func testService_NotInitialized(t *testing.T, h Harness) {
	ctx := context.Background()
	svc := h.Service()
	defer svc.Dispose()

	_, err := svc.Resume(ctx)
	require.ErrorIs(t, err, iap.ErrNotInitialized)

	_, err = svc.Purchase(ctx, iap.NewProduct("sku1"))
	require.ErrorIs(t, err, iap.ErrNotInitialized)
	require.Zero(t, h.NativePurchaseCount())
}

func initAndResume(t *testing.T, h Harness) iap.Service {
	ctx := context.Background()

	svc, err := h.Service().Init(ctx, nil)
	require.NoError(t, err)
	require.Same(t, h.Service(), svc)

	started, err := svc.Resume(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.True(t, svc.IsStarted())

	started, err = svc.Resume(ctx)
	require.NoError(t, err)
	require.True(t, started)

	return svc
}

func startPurchase(ctx context.Context, svc iap.Service, product iap.Product) <-chan purchaseResult {
	resultCh := make(chan purchaseResult, 1)
	go func() {
		purchase, err := svc.Purchase(ctx, product)
		resultCh <- purchaseResult{purchase: purchase, err: err}
	}()
	return resultCh
}

func waitForNativePurchases(t *testing.T, h Harness, count int) {
	require.Eventually(t, func() bool {
		return h.NativePurchaseCount() == count
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
