package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBuybackMetricsRecordOutcomes(t *testing.T) {
	m := BuybackMetrics()
	m.ObserveOperation("Post_Sell_Order", "OK", 5*time.Millisecond)
	m.ObserveOperation("post_sell_order", "state", time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("post_sell_order", "ok")); got != 1 {
		t.Fatalf("expected one ok observation, got %v", got)
	}
	m.SetPendingOrders(2)
	m.AddPendingOrders(-1)
	if got := testutil.ToFloat64(m.pending); got != 1 {
		t.Fatalf("expected one pending order, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var engine *BuybackEngineMetrics
	engine.ObserveOperation("x", "ok", time.Second)
	engine.AddPendingOrders(1)
	var api *HTTPMetrics
	api.Observe("/", "get", 200, time.Second)
	api.RecordThrottle("/")
	var keeper *KeeperMetrics
	keeper.RecordPoke("post", "ok")
	keeper.RecordRun()
}

func TestHTTPMetricsCountsStatus(t *testing.T) {
	m := HTTP()
	m.Observe("/v1/buybacks/{owner}/post", "post", 409, time.Millisecond)
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/v1/buybacks/{owner}/post", "POST", "409")); got != 1 {
		t.Fatalf("unexpected request count %v", got)
	}
}
