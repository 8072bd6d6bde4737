package kp184

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes the live state of a discharge run as
// Prometheus metrics. It is an Observer of the Controller.
type MetricsCollector struct {
	mu         sync.Mutex
	runID      string
	mode       string
	last       Progress
	seen       bool
	reconnects float64
	failures   float64

	voltage    *prometheus.Desc
	current    *prometheus.Desc
	power      *prometheus.Desc
	capacity   *prometheus.Desc
	energy     *prometheus.Desc
	elapsed    *prometheus.Desc
	samples    *prometheus.Desc
	state      *prometheus.Desc
	reconnect  *prometheus.Desc
	reconnFail *prometheus.Desc
}

// NewMetricsCollector creates a collector labelled with the run id and
// load mode.
func NewMetricsCollector(runID string, mode Mode) *MetricsCollector {
	labels := []string{"run_id", "mode"}
	return &MetricsCollector{
		runID: runID,
		mode:  mode.String(),
		voltage: prometheus.NewDesc(
			"kp184_voltage_volts",
			"Last sampled battery voltage",
			labels, nil,
		),
		current: prometheus.NewDesc(
			"kp184_current_amperes",
			"Last sampled discharge current",
			labels, nil,
		),
		power: prometheus.NewDesc(
			"kp184_power_watts",
			"Last sampled discharge power",
			labels, nil,
		),
		capacity: prometheus.NewDesc(
			"kp184_capacity_amphours",
			"Capacity discharged so far",
			labels, nil,
		),
		energy: prometheus.NewDesc(
			"kp184_energy_watthours",
			"Energy discharged so far",
			labels, nil,
		),
		elapsed: prometheus.NewDesc(
			"kp184_elapsed_seconds",
			"Time since the start of the run at the last sample",
			labels, nil,
		),
		samples: prometheus.NewDesc(
			"kp184_samples_total",
			"Samples taken",
			labels, nil,
		),
		state: prometheus.NewDesc(
			"kp184_run_state",
			"Current phase of the run, 1 for the active state",
			append(labels, "state"), nil,
		),
		reconnect: prometheus.NewDesc(
			"kp184_reconnect_attempts_total",
			"Reconnect attempts after communication failures",
			labels, nil,
		),
		reconnFail: prometheus.NewDesc(
			"kp184_reconnect_failures_total",
			"Reconnect attempts that failed",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (m *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.voltage
	ch <- m.current
	ch <- m.power
	ch <- m.capacity
	ch <- m.energy
	ch <- m.elapsed
	ch <- m.samples
	ch <- m.state
	ch <- m.reconnect
	ch <- m.reconnFail
}

// Collect implements prometheus.Collector. Sample gauges are only
// reported once a sample exists.
func (m *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()

	labels := []string{m.runID, m.mode}
	ch <- prometheus.MustNewConstMetric(m.reconnect, prometheus.CounterValue, m.reconnects, labels...)
	ch <- prometheus.MustNewConstMetric(m.reconnFail, prometheus.CounterValue, m.failures, labels...)
	ch <- prometheus.MustNewConstMetric(m.samples, prometheus.CounterValue, float64(m.last.Seq), labels...)
	if !m.seen {
		return
	}
	p := m.last
	ch <- prometheus.MustNewConstMetric(m.voltage, prometheus.GaugeValue, p.Voltage, labels...)
	ch <- prometheus.MustNewConstMetric(m.current, prometheus.GaugeValue, p.Current, labels...)
	ch <- prometheus.MustNewConstMetric(m.power, prometheus.GaugeValue, p.Power(), labels...)
	ch <- prometheus.MustNewConstMetric(m.capacity, prometheus.GaugeValue, p.Capacity, labels...)
	ch <- prometheus.MustNewConstMetric(m.energy, prometheus.GaugeValue, p.Energy, labels...)
	ch <- prometheus.MustNewConstMetric(m.elapsed, prometheus.GaugeValue, p.Elapsed.Seconds(), labels...)
	ch <- prometheus.MustNewConstMetric(m.state, prometheus.GaugeValue, 1, append(labels, p.State.String())...)
}

// ObserveProgress implements Observer.
func (m *MetricsCollector) ObserveProgress(p Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = p
	m.seen = true
}

// ObserveReconnect implements Observer.
func (m *MetricsCollector) ObserveReconnect(attempt int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
	if err != nil {
		m.failures++
	}
}
