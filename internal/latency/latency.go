// Package latency implements the optional Latency store (§6.4): a
// per-order-routing-operation duration histogram, persisted to its own
// SQLite database and mirrored into a Prometheus histogram for /metrics
// scraping.
package latency

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantgate/gateway/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS latency_samples (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	api_type    TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_latency_samples_api_type ON latency_samples(api_type);
`

var routeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "gateway_route_duration_seconds",
	Help:    "Time spent routing one api_type through the Mode Gate, from HTTP receipt to response.",
	Buckets: prometheus.DefBuckets,
}, []string{"api_type", "outcome"})

func init() {
	prometheus.MustRegister(routeDuration)
}

// Recorder persists routing-latency samples and feeds the Prometheus
// histogram used by /metrics.
type Recorder struct {
	db *sql.DB
}

// New applies the Latency store's schema to db and returns a Recorder.
func New(db *sql.DB) (*Recorder, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "latency schema migration failed", err)
	}
	return &Recorder{db: db}, nil
}

// Record logs one routing operation's duration, by api_type and outcome
// (one of "live", "queued", "rejected", "rate_limited").
func (r *Recorder) Record(ctx context.Context, apiType, outcome string, d time.Duration) {
	routeDuration.WithLabelValues(apiType, outcome).Observe(d.Seconds())

	_, _ = r.db.ExecContext(ctx,
		`INSERT INTO latency_samples (api_type, outcome, duration_ms, recorded_at) VALUES (?, ?, ?, ?)`,
		apiType, outcome, d.Milliseconds(), time.Now().UTC(),
	)
}
