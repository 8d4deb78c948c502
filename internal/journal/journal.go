// Package journal persists operational events to Postgres. It subscribes to
// the plugin lifecycle and core event subjects on a queue group, so multiple
// core instances sharing a broker write each event once. The journal is an
// optional sink: the daemon only runs it when a DSN is configured.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roseybot/roseycore/internal/bus"
)

const (
	queueGroup = "journal"

	// insertTimeout bounds one insert so a stalled database cannot back up
	// bus dispatch.
	insertTimeout = 5 * time.Second

	defaultRecent = 50
	maxRecent     = 500
)

const schema = `
CREATE TABLE IF NOT EXISTS rosey_events (
    id             BIGSERIAL   PRIMARY KEY,
    subject        TEXT        NOT NULL,
    event_type     TEXT        NOT NULL,
    source         TEXT        NOT NULL,
    correlation_id TEXT        NOT NULL,
    priority       SMALLINT    NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL,
    recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    data           JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS rosey_events_subject_idx ON rosey_events (subject);
CREATE INDEX IF NOT EXISTS rosey_events_occurred_idx ON rosey_events (occurred_at DESC);
`

// Event is one journaled envelope as stored.
type Event struct {
	ID            int64           `db:"id" json:"id"`
	Subject       string          `db:"subject" json:"subject"`
	EventType     string          `db:"event_type" json:"event_type"`
	Source        string          `db:"source" json:"source"`
	CorrelationID string          `db:"correlation_id" json:"correlation_id"`
	Priority      int             `db:"priority" json:"priority"`
	OccurredAt    time.Time       `db:"occurred_at" json:"occurred_at"`
	RecordedAt    time.Time       `db:"recorded_at" json:"recorded_at"`
	Data          json.RawMessage `db:"data" json:"data"`
}

// Journal writes operational envelopes to the rosey_events table.
type Journal struct {
	db   *sqlx.DB
	bus  bus.Bus
	log  zerolog.Logger
	subs []string
}

// New wraps an existing database handle. Tests inject a mock through here.
func New(db *sqlx.DB, b bus.Bus) *Journal {
	return &Journal{
		db:  db,
		bus: b,
		log: log.With().Str("component", "journal").Logger(),
	}
}

// Open connects to Postgres, verifies the connection, and ensures the
// schema.
func Open(ctx context.Context, dsn string, b bus.Bus) (*Journal, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: pinging database: %w", err)
	}
	j := New(db, b)
	if err := j.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// EnsureSchema creates the events table and its indexes when missing.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("journal: ensuring schema: %w", err)
	}
	return nil
}

// Attach subscribes to the operational subjects. Lifecycle events live under
// the plugins tree, everything else the core emits lives under events.
func (j *Journal) Attach(ctx context.Context) error {
	for _, subject := range []string{
		bus.Root + ".plugins.>",
		bus.Root + ".events.>",
	} {
		id, err := j.bus.QueueSubscribe(ctx, subject, queueGroup, j.record)
		if err != nil {
			j.Close()
			return fmt.Errorf("journal: subscribing %s: %w", subject, err)
		}
		j.subs = append(j.subs, id)
	}
	j.log.Info().Msg("journal attached")
	return nil
}

// record inserts one envelope. Errors are returned so the bus counts them;
// the subscription itself survives.
func (j *Journal) record(ctx context.Context, env *bus.Envelope) error {
	data, err := json.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("journal: encoding event data: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	const q = `
        INSERT INTO rosey_events (subject, event_type, source, correlation_id, priority, occurred_at, data)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = j.db.ExecContext(ctx, q,
		env.Subject, env.EventType, env.Source, env.CorrelationID,
		int(env.Priority), env.Time().UTC(), data)
	if err != nil {
		j.log.Warn().Err(err).Str("subject", env.Subject).Msg("event insert failed")
		return fmt.Errorf("journal: inserting event: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first. A non-positive limit uses
// the default; limits are capped.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultRecent
	}
	if limit > maxRecent {
		limit = maxRecent
	}
	const q = `
        SELECT id, subject, event_type, source, correlation_id, priority, occurred_at, recorded_at, data
        FROM rosey_events
        ORDER BY id DESC
        LIMIT $1`
	out := []Event{}
	if err := j.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("journal: querying recent events: %w", err)
	}
	return out, nil
}

// Close cancels the subscriptions and closes the database.
func (j *Journal) Close() error {
	for _, id := range j.subs {
		if err := j.bus.Unsubscribe(id); err != nil {
			j.log.Warn().Err(err).Msg("journal unsubscribe failed")
		}
	}
	j.subs = nil
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}
