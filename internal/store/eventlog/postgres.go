package eventlog

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

// PostgresLog persists the event log in the events table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog constructs a PostgresLog backed by the provided pool.
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

const (
	uniqueViolationCode = "23505"
	slotConstraintName  = "events_correlation_sequence_key"
)

const (
	eventInsertSQL = `
INSERT INTO events (
    event_id,
    time,
    topic,
    correlation_id,
    causation_id,
    sequence,
    payload,
    version
)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
ON CONFLICT (event_id, time) DO NOTHING;
`

	eventSelectColumns = `
    event_id,
    time,
    topic,
    correlation_id,
    causation_id,
    sequence,
    payload,
    version
`

	eventByCorrelationSQL = `
SELECT ` + eventSelectColumns + `
FROM events
WHERE correlation_id = $1
ORDER BY sequence ASC;
`

	eventLastSequenceSQL = `
SELECT COALESCE(MAX(sequence), 0)
FROM events
WHERE correlation_id = $1;
`

	eventSinceSequenceSQL = `
SELECT ` + eventSelectColumns + `
FROM events
WHERE correlation_id = $1
  AND sequence > $2
ORDER BY sequence ASC;
`
)

// Append inserts the envelope. Event id repeats are swallowed by the insert
// itself; slot conflicts surface through the (correlation_id, sequence)
// unique index.
func (l *PostgresLog) Append(ctx context.Context, env schema.EventEnvelope) (AppendResult, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return SequenceConflict, errs.New("eventlog/append", errs.CodeInvalid, errs.WithCause(err))
	}
	tag, err := l.pool.Exec(ctx, eventInsertSQL,
		env.EventID,
		env.Timestamp,
		string(env.Topic),
		env.CorrelationID,
		env.CausationID,
		env.Sequence,
		payload,
		env.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			if pgErr.ConstraintName == slotConstraintName {
				return SequenceConflict, nil
			}
			return DuplicateEvent, nil
		}
		return SequenceConflict, errs.New("eventlog/append", errs.CodeInfra, errs.WithCause(err))
	}
	if tag.RowsAffected() == 0 {
		return DuplicateEvent, nil
	}
	return Appended, nil
}

func (l *PostgresLog) Correlation(ctx context.Context, correlationID string) ([]schema.EventEnvelope, error) {
	rows, err := l.pool.Query(ctx, eventByCorrelationSQL, correlationID)
	if err != nil {
		return nil, errs.New("eventlog/query", errs.CodeInfra, errs.WithCause(err))
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (l *PostgresLog) LastSequence(ctx context.Context, correlationID string) (int64, error) {
	var last int64
	if err := l.pool.QueryRow(ctx, eventLastSequenceSQL, correlationID).Scan(&last); err != nil {
		return 0, errs.New("eventlog/query", errs.CodeInfra, errs.WithCause(err))
	}
	return last, nil
}

func (l *PostgresLog) SinceSequence(ctx context.Context, correlationID string, fromSeq int64) ([]schema.EventEnvelope, error) {
	rows, err := l.pool.Query(ctx, eventSinceSequenceSQL, correlationID, fromSeq)
	if err != nil {
		return nil, errs.New("eventlog/query", errs.CodeInfra, errs.WithCause(err))
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (l *PostgresLog) Close() {
	l.pool.Close()
}

func scanEnvelopes(rows pgx.Rows) ([]schema.EventEnvelope, error) {
	var out []schema.EventEnvelope
	for rows.Next() {
		var (
			env     schema.EventEnvelope
			topic   string
			payload []byte
		)
		if err := rows.Scan(
			&env.EventID,
			&env.Timestamp,
			&topic,
			&env.CorrelationID,
			&env.CausationID,
			&env.Sequence,
			&payload,
			&env.Version,
		); err != nil {
			return nil, errs.New("eventlog/scan", errs.CodeInfra, errs.WithCause(err))
		}
		env.Topic = schema.Topic(topic)
		typed := schema.PayloadFor(env.Topic)
		if typed == nil {
			env.Payload = json.RawMessage(payload)
		} else {
			if err := json.Unmarshal(payload, typed); err != nil {
				return nil, errs.New("eventlog/scan", errs.CodeInvalid, errs.WithCause(err))
			}
			env.Payload = typed
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("eventlog/scan", errs.CodeInfra, errs.WithCause(err))
	}
	return out, nil
}
