package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"neuronctl/internal/model"
	"neuronctl/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a durable store.Events backed by a WAL-mode SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ store.Events = (*SQLite)(nil)

// OpenSQLite creates or opens the event database at path.
// Applies pragmas and schema; safe to call on an existing file.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect event database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply event schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateFederationEvent inserts ev. Duplicate IDs are ignored.
func (s *SQLite) CreateFederationEvent(ctx context.Context, ev model.FederationEvent) error {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO federation_events
		(id, seq, neuron_id, event_type, payload, initiated_by, success, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.Seq,
		ev.NeuronID,
		ev.EventType,
		string(payload),
		ev.InitiatedBy,
		ev.Success,
		ev.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// ListFederationEvents returns matching events in seq order. A Limit keeps
// the most recent entries.
func (s *SQLite) ListFederationEvents(ctx context.Context, f store.EventFilter) ([]model.FederationEvent, error) {
	query := `SELECT id, seq, neuron_id, event_type, payload, initiated_by, success, ts
		FROM federation_events WHERE 1=1`
	var args []any
	if f.NeuronID != "" {
		query += ` AND neuron_id = ?`
		args = append(args, f.NeuronID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Since.UTC().UnixNano())
	}
	if f.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
		args = append(args, f.Limit)
	} else {
		query += ` ORDER BY seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.FederationEvent
	for rows.Next() {
		var (
			ev      model.FederationEvent
			payload string
			ts      int64
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.NeuronID, &ev.EventType, &payload, &ev.InitiatedBy, &ev.Success, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event %s payload: %w", ev.ID, err)
			}
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the highest stored sequence number, or 0 when empty.
func (s *SQLite) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM federation_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}
