// Package monitor exposes Prometheus metrics for the shield link and the
// calibration engine.
package monitor

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics owns its registry so several servers (and tests) can coexist.
type Metrics struct {
	Registry *prometheus.Registry

	Transactions  *prometheus.CounterVec
	TransactTime  *prometheus.HistogramVec
	Calibrations  *prometheus.CounterVec
	Warnings      *prometheus.CounterVec
	CalibrationOn prometheus.Gauge
	Goroutines    prometheus.Gauge

	log logrus.FieldLogger
}

// New registers every metric on a fresh registry.
func New(log logrus.FieldLogger) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analogshield_transactions_total",
			Help: "Command/response exchanges by command and outcome.",
		}, []string{"cmd", "result"}),
		TransactTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analogshield_transaction_duration_seconds",
			Help:    "Time from command write to terminator.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"cmd"}),
		Calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analogshield_calibrations_total",
			Help: "Finished calibrations by direction, channel and outcome.",
		}, []string{"direction", "channel", "result"}),
		Warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analogshield_uncalibrated_warnings_total",
			Help: "Operations that ran without a correction.",
		}, []string{"direction", "channel"}),
		CalibrationOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analogshield_calibration_running",
			Help: "1 while a calibration is in progress.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analogshield_goroutines",
			Help: "Current goroutine count.",
		}),
		log: log,
	}
	m.Registry.MustRegister(
		m.Transactions,
		m.TransactTime,
		m.Calibrations,
		m.Warnings,
		m.CalibrationOn,
		m.Goroutines,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveTransact matches serial.Conn's OnTransact hook.
func (m *Metrics) ObserveTransact(id string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Transactions.WithLabelValues(id, result).Inc()
	m.TransactTime.WithLabelValues(id).Observe(d.Seconds())
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// StartRuntimeMonitor samples the goroutine count every interval until stop
// is closed.
func (m *Metrics) StartRuntimeMonitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n := runtime.NumGoroutine()
				m.Goroutines.Set(float64(n))
				if m.log != nil {
					m.log.Debugf("goroutines: %d", n)
				}
			}
		}
	}()
}
