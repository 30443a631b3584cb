package metrics

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const gaugeQueryTimeout = 2 * time.Second

type tableGauge struct {
	name  string
	help  string
	query string
}

var tableGauges = []tableGauge{
	{
		name:  "active_entries",
		help:  "Machine time entries currently ACTIVE",
		query: "SELECT COUNT(*) FROM machine_time_entries WHERE status = 'ACTIVE'",
	},
	{
		name:  "paused_entries",
		help:  "Machine time entries currently PAUSED",
		query: "SELECT COUNT(*) FROM machine_time_entries WHERE status = 'PAUSED'",
	},
	{
		name:  "event_outbox_pending",
		help:  "Outbox records waiting for their first delivery",
		query: "SELECT COUNT(*) FROM event_outbox WHERE status = 'pending'",
	},
	{
		name:  "event_outbox_failed",
		help:  "Outbox records whose last delivery failed",
		query: "SELECT COUNT(*) FROM event_outbox WHERE status = 'failed'",
	},
	{
		name:  "event_dlq_count",
		help:  "Dead letter queue records",
		query: "SELECT COUNT(*) FROM dead_letter_events",
	},
}

// registerDBMetrics exposes row counts that are evaluated on scrape.
func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	for _, g := range tableGauges {
		query := g.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: metricPrefix + g.name, Help: g.help},
			func() float64 { return countRows(db, logger, query) },
		))
	}
}

func countRows(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), gaugeQueryTimeout)
	defer cancel()

	var count int64
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics gauge query failed: query=%q err=%v", query, err)
		}
		return 0
	}
	return float64(max(count, 0))
}
