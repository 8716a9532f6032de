// Package metrics exposes logger counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericogr/thermocouple-logger/pkg/bus"
	"github.com/ericogr/thermocouple-logger/pkg/scheduler"
	"github.com/ericogr/thermocouple-logger/pkg/storage"
	"github.com/ericogr/thermocouple-logger/pkg/storage/archive"
)

const namespace = "thermocouple"

type Metrics struct {
	reg          *prometheus.Registry
	samples      *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	temperature  *prometheus.GaugeVec
	sinkFailures *prometheus.CounterVec
	maintenance  *prometheus.CounterVec
	connection   prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Readings taken, by channel and persistence outcome.",
		}, []string{"channel", "outcome"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Ticks without a reading, by channel.",
		}, []string{"channel"}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last calibrated temperature, by channel.",
		}, []string{"channel"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Failed sink writes, by sink.",
		}, []string{"sink"}),
		maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_failures_total",
			Help:      "Failed archive maintenance steps, by step.",
		}, []string{"step"}),
		connection: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Bus connection state (0 disconnected, 1 connecting, 2 connected, 3 error).",
		}),
	}
	m.reg.MustRegister(
		m.samples, m.skipped, m.temperature, m.sinkFailures, m.maintenance, m.connection,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveSample is a scheduler observer.
func (m *Metrics) ObserveSample(ev scheduler.Event) {
	ch := strconv.Itoa(ev.Channel)
	if ev.Err != nil {
		m.skipped.WithLabelValues(ch).Inc()
		return
	}
	m.samples.WithLabelValues(ch, ev.Outcome.String()).Inc()
	m.temperature.WithLabelValues(ch).Set(ev.Reading.Calibrated)
}

func (m *Metrics) ObserveSinkFailure(e *storage.SinkError) {
	m.sinkFailures.WithLabelValues(e.Sink).Inc()
}

func (m *Metrics) ObserveMaintenance(e *archive.MaintenanceError) {
	m.maintenance.WithLabelValues(e.Step).Inc()
}

func (m *Metrics) ObserveState(s bus.State) {
	m.connection.Set(float64(s))
}
