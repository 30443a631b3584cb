package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "machinetime_"

	resultSuccess = "success"
	resultError   = "error"

	signalResultConfirmed = "confirmed"
	signalResultPending   = "pending"
	signalResultHeartbeat = "heartbeat"
	signalResultRejected  = "rejected"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	signalsTotal *prometheus.CounterVec
	slotTimeouts *prometheus.CounterVec

	entryEventsTotal *prometheus.CounterVec
	commandTotal     *prometheus.CounterVec

	costTotal   *prometheus.CounterVec
	costLatency *prometheus.HistogramVec

	sweepTotal   *prometheus.CounterVec
	sweepStopped prometheus.Counter

	outboxPublishTotal    *prometheus.CounterVec
	outboxPublishLatency  *prometheus.HistogramVec
	outboxDispatchTotal   *prometheus.CounterVec
	outboxDispatchLatency *prometheus.HistogramVec
	outboxDispatchCount   *prometheus.CounterVec
	consumerLag           *prometheus.GaugeVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total signal ingest requests by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total signal ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Signal ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		signalsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "signals_total",
				Help: "Total normalized signals by type and filter outcome",
			},
			[]string{"type", "result"},
		)
		slotTimeouts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "slot_timeouts_total",
				Help: "Operations dropped waiting for an equipment slot",
			},
			[]string{"operation"},
		)

		entryEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "entry_events_total",
				Help: "Total entry lifecycle events by name",
			},
			[]string{"event"},
		)
		commandTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total entry manager commands by command and result",
			},
			[]string{"command", "result"},
		)

		costTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cost_calculations_total",
				Help: "Total cost calculations by model and result",
			},
			[]string{"model", "result"},
		)
		costLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cost_calculation_latency_seconds",
				Help:    "Cost calculation latency in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"model"},
		)

		sweepTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "idle_sweeps_total",
				Help: "Total auto-stop idle sweeps by result",
			},
			[]string{"result"},
		)
		sweepStopped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "idle_sweep_stopped_total",
				Help: "Total entries force-stopped by idle sweeps",
			},
		)

		outboxPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_publish_total",
				Help: "Total outbox inserts by result",
			},
			[]string{"result"},
		)
		outboxPublishLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_publish_latency_seconds",
				Help:    "Outbox insert latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxDispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_total",
				Help: "Total outbox dispatch runs by result",
			},
			[]string{"result"},
		)
		outboxDispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_dispatch_latency_seconds",
				Help:    "Outbox dispatch run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxDispatchCount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_records_total",
				Help: "Outbox records handled by dispatch outcome",
			},
			[]string{"outcome"},
		)
		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_consumer_lag_seconds",
				Help: "Consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			signalsTotal,
			slotTimeouts,
			entryEventsTotal,
			commandTotal,
			costTotal,
			costLatency,
			sweepTotal,
			sweepStopped,
			outboxPublishTotal,
			outboxPublishLatency,
			outboxDispatchTotal,
			outboxDispatchLatency,
			outboxDispatchCount,
			consumerLag,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncSignal counts a signal by canonical type and filter outcome.
func IncSignal(signalType, result string) {
	if signalType == "" {
		signalType = "unknown"
	}
	if signalsTotal != nil {
		signalsTotal.WithLabelValues(signalType, result).Inc()
	}
}

// IncSlotTimeout counts an operation dropped on slot acquisition.
func IncSlotTimeout(operation string) {
	if slotTimeouts != nil {
		slotTimeouts.WithLabelValues(operation).Inc()
	}
}

// IncEntryEvent increments entry lifecycle counters.
func IncEntryEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if entryEventsTotal != nil {
		entryEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncCommand counts an entry manager command.
func IncCommand(command, result string) {
	if commandTotal != nil {
		commandTotal.WithLabelValues(command, result).Inc()
	}
}

// ObserveCost records a cost calculation.
func ObserveCost(model, result string, duration time.Duration) {
	if model == "" {
		model = "unknown"
	}
	if costTotal != nil {
		costTotal.WithLabelValues(model, result).Inc()
	}
	if costLatency != nil {
		costLatency.WithLabelValues(model).Observe(duration.Seconds())
	}
}

// ObserveSweep records an idle sweep and the entries it stopped.
func ObserveSweep(result string, stopped int) {
	if sweepTotal != nil {
		sweepTotal.WithLabelValues(result).Inc()
	}
	if sweepStopped != nil && stopped > 0 {
		sweepStopped.Add(float64(stopped))
	}
}

// ObserveOutboxPublish records an outbox insert.
func ObserveOutboxPublish(result string, duration time.Duration) {
	if outboxPublishTotal != nil {
		outboxPublishTotal.WithLabelValues(result).Inc()
	}
	if outboxPublishLatency != nil {
		outboxPublishLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveOutboxDispatch records a dispatch run.
func ObserveOutboxDispatch(result string, duration time.Duration, sent, failed, dlq int) {
	if outboxDispatchTotal != nil {
		outboxDispatchTotal.WithLabelValues(result).Inc()
	}
	if outboxDispatchLatency != nil {
		outboxDispatchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if outboxDispatchCount == nil {
		return
	}
	if sent > 0 {
		outboxDispatchCount.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		outboxDispatchCount.WithLabelValues("failed").Add(float64(failed))
	}
	if dlq > 0 {
		outboxDispatchCount.WithLabelValues("dlq").Add(float64(dlq))
	}
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	SignalConfirmed = signalResultConfirmed
	SignalPending   = signalResultPending
	SignalHeartbeat = signalResultHeartbeat
	SignalRejected  = signalResultRejected
)
