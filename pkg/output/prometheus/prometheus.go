// Package prometheus exposes readings and bus health as Prometheus metrics.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/sensor"
	"github.com/ericogr/multigas-to-mqtt/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "multigas"

// Metrics is both an output and the sink for transport retry and read
// error counts. It uses its own registry.
type Metrics struct {
	reg           *prometheus.Registry
	concentration *prometheus.GaugeVec
	boardTemp     *prometheus.GaugeVec
	retries       *prometheus.CounterVec
	readErrors    *prometheus.CounterVec

	mu     sync.Mutex
	labels map[string]prometheus.Labels
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		concentration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concentration",
			Help:      "Last gas concentration reported by the sensor",
		}, []string{"sensor", "gas", "unit"}),
		boardTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "board_temperature_celsius",
			Help:      "Sensor board temperature",
		}, []string{"sensor"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_write_retries_total",
			Help:      "Failed I2C writes that were retried",
		}, []string{"sensor"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Reads that returned no valid frame",
		}, []string{"sensor"}),
		labels: map[string]prometheus.Labels{},
	}
	m.reg.MustRegister(
		m.concentration,
		m.boardTemp,
		m.retries,
		m.readErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Publish implements output.Output.
func (m *Metrics) Publish(readings []sensor.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range readings {
		l := prometheus.Labels{"sensor": r.Sensor, "gas": r.Gas.String(), "unit": r.Unit}
		if prev, ok := m.labels[r.Sensor]; ok && (prev["gas"] != l["gas"] || prev["unit"] != l["unit"]) {
			m.concentration.Delete(prev)
		}
		m.labels[r.Sensor] = l
		m.concentration.With(l).Set(r.Concentration)
		m.boardTemp.WithLabelValues(r.Sensor).Set(r.BoardTempC)
	}
	return nil
}

func (m *Metrics) Close() error { return nil }

// ObserveReadError counts a failed read of the named sensor.
func (m *Metrics) ObserveReadError(name string) {
	m.readErrors.WithLabelValues(name).Inc()
}

// RetryHook returns a transport hook counting write retries of the named
// sensor.
func (m *Metrics) RetryHook(name string) transport.RetryFunc {
	c := m.retries.WithLabelValues(name)
	return func(int, error) { c.Inc() }
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
