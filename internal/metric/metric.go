package metric

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	cdcNamespace       = "go_scylla_cdc"
	generationSubsytem = "generation"
)

type Metric interface {
	InsertOpIncrement(count int64)
	UpdateOpIncrement(count int64)
	DeleteOpIncrement(count int64)
	RowsReadIncrement(count int64)
	EntriesDeliveredIncrement(count int64)
	GenerationRolloverIncrement()
	SetActiveReaders(count int64)
	SetCDCLatency(latency int64)
	SetProcessLatency(latency int64)
	SetReadLatency(latency int64)
	SetCheckpointLag(lag int64)

	PrometheusCollectors() []prometheus.Collector
}

type metric struct {
	totalInsert    prometheus.Counter
	totalUpdate    prometheus.Counter
	totalDelete    prometheus.Counter
	rowsRead       prometheus.Counter
	delivered      prometheus.Counter
	rollovers      prometheus.Counter
	activeReaders  prometheus.Gauge
	cdcLatency     prometheus.Gauge
	processLatency prometheus.Gauge
	readLatency    prometheus.Gauge
	checkpointLag  prometheus.Gauge
}

//nolint:funlen
func NewMetric(tableName string) Metric {
	hostname, _ := os.Hostname()
	labels := prometheus.Labels{
		"table": tableName,
		"host":  hostname,
	}
	return &metric{
		totalInsert: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "insert",
			Name:        "total",
			Help:        "total number of insert operations delivered from the cdc log",
			ConstLabels: labels,
		}),
		totalUpdate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "update",
			Name:        "total",
			Help:        "total number of update operations delivered from the cdc log",
			ConstLabels: labels,
		}),
		totalDelete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "delete",
			Name:        "total",
			Help:        "total number of delete operations delivered from the cdc log",
			ConstLabels: labels,
		}),
		rowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "log_rows",
			Name:        "total",
			Help:        "total number of raw log rows read across all streams",
			ConstLabels: labels,
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "entries_delivered",
			Name:        "total",
			Help:        "total number of log entries handed to consumers",
			ConstLabels: labels,
		}),
		rollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cdcNamespace,
			Subsystem:   generationSubsytem,
			Name:        "rollovers_total",
			Help:        "number of generation rollovers observed",
			ConstLabels: labels,
		}),
		activeReaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "readers",
			Name:        "active",
			Help:        "number of stream readers currently running",
			ConstLabels: labels,
		}),
		cdcLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "cdc_latency",
			Name:        "current",
			Help:        "delivery time minus write time of the latest delivered entry in ns",
			ConstLabels: labels,
		}),
		processLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "process_latency",
			Name:        "current",
			Help:        "latest consumer processing latency in ns",
			ConstLabels: labels,
		}),
		readLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "read_latency",
			Name:        "current",
			Help:        "latest window query latency including pagination in ns",
			ConstLabels: labels,
		}),
		checkpointLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cdcNamespace,
			Subsystem:   "checkpoint_lag",
			Name:        "current",
			Help:        "now minus the latest persisted checkpoint time in ns",
			ConstLabels: labels,
		}),
	}
}

func (m *metric) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.totalInsert,
		m.totalUpdate,
		m.totalDelete,
		m.rowsRead,
		m.delivered,
		m.rollovers,
		m.activeReaders,
		m.cdcLatency,
		m.processLatency,
		m.readLatency,
		m.checkpointLag,
	}
}

func (m *metric) InsertOpIncrement(count int64) {
	m.totalInsert.Add(float64(count))
}

func (m *metric) UpdateOpIncrement(count int64) {
	m.totalUpdate.Add(float64(count))
}

func (m *metric) DeleteOpIncrement(count int64) {
	m.totalDelete.Add(float64(count))
}

func (m *metric) RowsReadIncrement(count int64) {
	m.rowsRead.Add(float64(count))
}

func (m *metric) EntriesDeliveredIncrement(count int64) {
	m.delivered.Add(float64(count))
}

func (m *metric) GenerationRolloverIncrement() {
	m.rollovers.Inc()
}

func (m *metric) SetActiveReaders(count int64) {
	m.activeReaders.Set(float64(count))
}

func (m *metric) SetCDCLatency(latency int64) {
	m.cdcLatency.Set(float64(latency))
}

func (m *metric) SetProcessLatency(latency int64) {
	m.processLatency.Set(float64(latency))
}

func (m *metric) SetReadLatency(latency int64) {
	m.readLatency.Set(float64(latency))
}

func (m *metric) SetCheckpointLag(lag int64) {
	m.checkpointLag.Set(float64(lag))
}
