package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	commonpb "github.com/code-payments/flipcash2-protobuf-api/generated/go/common/v1"

	"github.com/code-payments/flipcash2-iap/iap"
)

func RunLedgerTests(t *testing.T, l iap.Ledger, teardown func()) {
	for _, tf := range []func(t *testing.T, l iap.Ledger){
		testLedger_HappyPath,
		testLedger_NoTransactionID,
	} {
		tf(t, l)
		teardown()
	}
}

func testLedger_HappyPath(t *testing.T, ledger iap.Ledger) {
	ctx := context.Background()

	expected := iap.NewPurchase(commonpb.Platform_APPLE, iap.NewProduct("sku1"), "tx1", iap.TransactionStatusPurchased)

	_, err := ledger.GetPurchase(ctx, expected.TransactionID)
	require.Equal(t, iap.ErrNotFound, err)
	require.False(t, iap.IsRecorded(ctx, ledger, expected.TransactionID))

	require.NoError(t, ledger.RecordPurchase(ctx, expected))
	require.True(t, iap.IsRecorded(ctx, ledger, expected.TransactionID))

	actual, err := ledger.GetPurchase(ctx, expected.TransactionID)
	require.NoError(t, err)
	require.Equal(t, expected.Product, actual.Product)
	require.Equal(t, expected.TransactionID, actual.TransactionID)
	require.Equal(t, expected.Status, actual.Status)
	require.Equal(t, expected.Platform, actual.Platform)

	actual.Status = iap.TransactionStatusFailed
	again, err := ledger.GetPurchase(ctx, expected.TransactionID)
	require.NoError(t, err)
	require.Equal(t, iap.TransactionStatusPurchased, again.Status)

	require.Equal(t, iap.ErrExists, ledger.RecordPurchase(ctx, expected))
}

func testLedger_NoTransactionID(t *testing.T, ledger iap.Ledger) {
	ctx := context.Background()

	cancelled := iap.NewPurchase(commonpb.Platform_GOOGLE, iap.NewProduct("sku1"), "", iap.TransactionStatusCancelled)
	require.NoError(t, ledger.RecordPurchase(ctx, cancelled))
	require.NoError(t, ledger.RecordPurchase(ctx, cancelled))

	_, err := ledger.GetPurchase(ctx, "")
	require.Equal(t, iap.ErrNotFound, err)
	require.False(t, iap.IsRecorded(ctx, ledger, ""))
	require.False(t, iap.IsRecorded(ctx, nil, "tx1"))
}
