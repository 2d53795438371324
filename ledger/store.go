// Package ledger implements the append-only event store that is the source
// of truth for every payment, plus the deterministic projection fold that
// rebuilds the in-memory aggregates from it.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"yieldrails/core/events"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("ledger: store path must be configured")

	// ErrSequenceConflict signals a lost-update race: another writer
	// appended to the payment stream since the expected sequence was read.
	ErrSequenceConflict = errors.New("ledger: sequence conflict")

	// ErrTokenExists signals that a client token was already consumed by a
	// command of the same kind.
	ErrTokenExists = errors.New("ledger: client token already used")
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
    payment_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    at         INTEGER NOT NULL,
    payload    BLOB NOT NULL,
    PRIMARY KEY (payment_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_kind ON ledger_events(kind);

CREATE TABLE IF NOT EXISTS command_tokens (
    client_token TEXT NOT NULL,
    command_kind TEXT NOT NULL,
    payment_id   TEXT NOT NULL,
    accepted_at  INTEGER NOT NULL,
    PRIMARY KEY (client_token, command_kind)
);

CREATE TABLE IF NOT EXISTS projection_snapshots (
    payment_id TEXT PRIMARY KEY,
    seq        INTEGER NOT NULL,
    taken_at   INTEGER NOT NULL,
    state      BLOB NOT NULL
);
`

// Store wraps the engine persistence layer. Appends are conditional on the
// expected per-payment sequence so concurrent engine instances cannot lose
// updates.
type Store struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append durably persists the event at expectedSeq+1 for its payment and
// returns the stored event with the assigned sequence. The primary key on
// (payment_id, seq) makes the append conditional: a concurrent writer that
// claimed the slot first surfaces as ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, evt events.Event, expectedSeq uint64) (events.Event, error) {
	if s == nil || s.db == nil {
		return events.Event{}, fmt.Errorf("ledger: store not configured")
	}
	if !evt.Kind.Valid() {
		return events.Event{}, fmt.Errorf("ledger: invalid event kind %q", evt.Kind)
	}
	evt.Seq = expectedSeq + 1
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO ledger_events(payment_id, seq, kind, at, payload)
        VALUES(?, ?, ?, ?, ?)
    `, evt.PaymentID, evt.Seq, string(evt.Kind), evt.At.UTC().UnixNano(), []byte(evt.Payload))
	if err != nil {
		if isUniqueViolation(err) {
			return events.Event{}, fmt.Errorf("%w: %s seq %d", ErrSequenceConflict, evt.PaymentID, evt.Seq)
		}
		return events.Event{}, fmt.Errorf("ledger: append event: %w", err)
	}
	return evt, nil
}

// Events returns the ordered event stream for a payment.
func (s *Store) Events(ctx context.Context, paymentID string) ([]events.Event, error) {
	return s.EventsSince(ctx, paymentID, 0)
}

// EventsSince returns the ordered events appended after the given sequence.
// Used together with projection snapshots to avoid refolding full streams on
// startup.
func (s *Store) EventsSince(ctx context.Context, paymentID string, afterSeq uint64) ([]events.Event, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger: store not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT seq, kind, at, payload
        FROM ledger_events
        WHERE payment_id = ? AND seq > ?
        ORDER BY seq ASC
    `, paymentID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer rows.Close()
	var stream []events.Event
	for rows.Next() {
		var (
			evt     events.Event
			kind    string
			atNanos int64
			payload []byte
		)
		if err := rows.Scan(&evt.Seq, &kind, &atNanos, &payload); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		evt.PaymentID = paymentID
		evt.Kind = events.Kind(kind)
		evt.At = time.Unix(0, atNanos).UTC()
		evt.Payload = json.RawMessage(payload)
		stream = append(stream, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate events: %w", err)
	}
	return stream, nil
}

// PaymentIDs lists every payment with at least one ledger event. Used for
// the startup fold.
func (s *Store) PaymentIDs(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger: store not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT DISTINCT payment_id FROM ledger_events ORDER BY payment_id
    `)
	if err != nil {
		return nil, fmt.Errorf("ledger: query payment ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan payment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate payment ids: %w", err)
	}
	return ids, nil
}

// ClaimToken records the client token for an accepted command. Commands are
// idempotent by (clientToken, commandKind); a second claim returns
// ErrTokenExists along with the payment the token was first bound to.
func (s *Store) ClaimToken(ctx context.Context, token, kind, paymentID string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger: store not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO command_tokens(client_token, command_kind, payment_id, accepted_at)
        VALUES(?, ?, ?, ?)
    `, token, kind, paymentID, at.UTC().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTokenExists
		}
		return fmt.Errorf("ledger: claim token: %w", err)
	}
	return nil
}

// ReleaseToken removes a claimed command token. Used to roll back a claim
// whose admission event never persisted, so the client can retry with the
// same token. Releasing an unknown token is a no-op.
func (s *Store) ReleaseToken(ctx context.Context, token, kind string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger: store not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM command_tokens WHERE client_token = ? AND command_kind = ?
    `, token, kind); err != nil {
		return fmt.Errorf("ledger: release token: %w", err)
	}
	return nil
}

// LookupToken resolves the payment a client token was bound to.
func (s *Store) LookupToken(ctx context.Context, token, kind string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("ledger: store not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT payment_id FROM command_tokens
        WHERE client_token = ? AND command_kind = ?
    `, token, kind)
	var paymentID string
	if err := row.Scan(&paymentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("ledger: lookup token: %w", err)
	}
	return paymentID, true, nil
}

// SaveSnapshot persists a serialized projection for faster cold-start
// folding. Snapshots are advisory; the event stream remains authoritative.
func (s *Store) SaveSnapshot(ctx context.Context, paymentID string, seq uint64, state []byte, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger: store not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO projection_snapshots(payment_id, seq, taken_at, state)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(payment_id) DO UPDATE SET seq=excluded.seq, taken_at=excluded.taken_at, state=excluded.state
    `, paymentID, seq, at.UTC().Unix(), state)
	if err != nil {
		return fmt.Errorf("ledger: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored projection snapshot for a payment, if any.
func (s *Store) LoadSnapshot(ctx context.Context, paymentID string) ([]byte, uint64, bool, error) {
	if s == nil || s.db == nil {
		return nil, 0, false, fmt.Errorf("ledger: store not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT state, seq FROM projection_snapshots WHERE payment_id = ?
    `, paymentID)
	var (
		state []byte
		seq   uint64
	)
	if err := row.Scan(&state, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("ledger: load snapshot: %w", err)
	}
	return state, seq, true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
