package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	commonpb "github.com/code-payments/flipcash2-protobuf-api/generated/go/common/v1"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OnPurchaseStarted(commonpb.Platform_GOOGLE)
	m.OnPurchaseStarted(commonpb.Platform_GOOGLE)
	require.Equal(t, 2.0, testutil.ToFloat64(m.inProgress.WithLabelValues(commonpb.Platform_GOOGLE.String())))

	m.OnPurchaseResolved(commonpb.Platform_GOOGLE, "purchased")
	require.Equal(t, 1.0, testutil.ToFloat64(m.inProgress.WithLabelValues(commonpb.Platform_GOOGLE.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(m.purchases.WithLabelValues(commonpb.Platform_GOOGLE.String(), "purchased")))

	m.OnLifecycleTransition(commonpb.Platform_APPLE, "started")
	m.OnUnexpectedNotification(commonpb.Platform_APPLE, "purchased")
	m.OnTransactionFinalized(commonpb.Platform_APPLE, "failed")
	require.Equal(t, 1.0, testutil.ToFloat64(m.lifecycle.WithLabelValues(commonpb.Platform_APPLE.String(), "started")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.unexpected.WithLabelValues(commonpb.Platform_APPLE.String(), "purchased")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.finalized.WithLabelValues(commonpb.Platform_APPLE.String(), "failed")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "iap_purchases_total")
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	m.OnPurchaseStarted(commonpb.Platform_APPLE)
	m.OnPurchaseResolved(commonpb.Platform_APPLE, "failed")
	m.OnLifecycleTransition(commonpb.Platform_APPLE, "stopped")
	m.OnUnexpectedNotification(commonpb.Platform_APPLE, "purchased")
	m.OnTransactionFinalized(commonpb.Platform_APPLE, "purchased")
}
