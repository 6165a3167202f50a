package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandlerExposesLedgerMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveLedgerOp("consume", "ok", time.Now())
	metrics.ObserveLedgerOp("consume", "insufficient_stock", time.Now())
	metrics.ObserveIntegrityScan(2)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `meridian_ledger_operations_total{op="consume",result="ok"} 1`) {
		t.Fatalf("expected consume ok counter, got: %s", body)
	}
	if !strings.Contains(body, `meridian_ledger_operations_total{op="consume",result="insufficient_stock"} 1`) {
		t.Fatalf("expected insufficient stock counter, got: %s", body)
	}
	if !strings.Contains(body, "meridian_ledger_integrity_scans_total 1") {
		t.Fatalf("expected scan counter, got: %s", body)
	}
	if !strings.Contains(body, "meridian_ledger_integrity_drift_total 2") {
		t.Fatalf("expected drift counter, got: %s", body)
	}
	if !strings.Contains(body, `meridian_ledger_operation_duration_seconds_bucket{op="consume"`) {
		t.Fatalf("expected duration histogram, got: %s", body)
	}
}

func TestNilMetricsHandlerIsUnavailable(t *testing.T) {
	var metrics *Metrics
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}
