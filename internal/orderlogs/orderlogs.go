// Package orderlogs implements the Logs store (§6.4): an append-only audit
// trail of every event the rest of the gateway emits through
// internal/events, persisted independently of the structured log stream so
// it survives log rotation and can be queried without a log aggregator.
package orderlogs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	module     TEXT NOT NULL,
	data       TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
`

// Sink persists events.Event values into the Logs store's SQLite database.
// It implements events.Sink.
type Sink struct {
	db *sql.DB
}

// New applies the Logs store's schema to db and returns a Sink.
func New(db *sql.DB) (*Sink, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "order log schema migration failed", err)
	}
	return &Sink{db: db}, nil
}

// Record implements events.Sink, appending one event to the audit log.
func (s *Sink) Record(ctx context.Context, ev events.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO event_log (event_type, module, data, recorded_at) VALUES (?, ?, ?, ?)`,
		string(ev.Type), ev.Module, string(data), ev.Timestamp.UTC(),
	)
}

// Since returns every logged event of the given type recorded at or after
// cutoff, most recent first, for audit/debugging queries.
func (s *Sink) Since(ctx context.Context, eventType events.EventType, cutoff time.Time) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, module, data, recorded_at FROM event_log WHERE event_type = ? AND recorded_at >= ? ORDER BY recorded_at DESC`,
		string(eventType), cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			typ, module, data string
			recordedAt        time.Time
		)
		if err := rows.Scan(&typ, &module, &data, &recordedAt); err != nil {
			return nil, err
		}
		var payload map[string]interface{}
		_ = json.Unmarshal([]byte(data), &payload)
		out = append(out, events.Event{
			Type:      events.EventType(typ),
			Module:    module,
			Data:      payload,
			Timestamp: recordedAt,
		})
	}
	return out, rows.Err()
}
