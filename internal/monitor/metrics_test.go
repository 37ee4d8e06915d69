package monitor

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTransact(t *testing.T) {
	m := New(nil)
	m.ObserveTransact("A0", 3*time.Millisecond, nil)
	m.ObserveTransact("A0", time.Millisecond, errors.New("timeout"))
	m.ObserveTransact("qm", time.Millisecond, nil)

	if got := testutil.ToFloat64(m.Transactions.WithLabelValues("A0", "ok")); got != 1 {
		t.Errorf("A0 ok = %v", got)
	}
	if got := testutil.ToFloat64(m.Transactions.WithLabelValues("A0", "error")); got != 1 {
		t.Errorf("A0 error = %v", got)
	}
	if n := testutil.CollectAndCount(m.TransactTime); n != 2 {
		t.Errorf("histogram series = %d", n)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.Calibrations.WithLabelValues("ADC", "0", "ok").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `analogshield_calibrations_total{channel="0",direction="ADC",result="ok"} 1`) {
		t.Errorf("metrics body missing calibration counter:\n%s", body)
	}
}
