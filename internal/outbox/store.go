package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldwatch/internal/domain"
)

// Store is the durable client-side queue of pending actions, kept in the
// workspace SQLite database. It survives process restarts.
type Store struct {
	DB *sql.DB
}

// Discard records an envelope the server rejected permanently.
type Discard struct {
	ActionID    string    `json:"actionId"`
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	Status      int       `json:"status"`
	Reason      string    `json:"reason"`
	DiscardedAt time.Time `json:"discardedAt"`
}

const envelopeColumns = `action_id,url,method,payload,created_at,attempt_count,next_attempt_at,last_error`

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// timeLayout is fixed-width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (domain.ActionEnvelope, error) {
	var (
		env              domain.ActionEnvelope
		payload          string
		created, nextRaw string
	)
	if err := row.Scan(&env.ActionID, &env.URL, &env.Method, &payload, &created, &env.AttemptCount, &nextRaw, &env.LastError); err != nil {
		return env, err
	}
	env.Payload = json.RawMessage(payload)
	var err error
	if env.CreatedAt, err = parseTime(created); err != nil {
		return env, fmt.Errorf("envelope %s created_at: %w", env.ActionID, err)
	}
	if env.NextAttemptAt, err = parseTime(nextRaw); err != nil {
		return env, fmt.Errorf("envelope %s next_attempt_at: %w", env.ActionID, err)
	}
	return env, nil
}

// Enqueue durably stores env. Re-enqueueing an existing action id is a no-op.
// Any storage failure is returned as FatalLocalError.
func (s *Store) Enqueue(ctx context.Context, env domain.ActionEnvelope) error {
	if env.ActionID == "" {
		return FatalLocalError{Err: domain.ErrMissingActionID}
	}
	if !json.Valid(env.Payload) {
		return FatalLocalError{Err: fmt.Errorf("envelope %s payload is not valid JSON", env.ActionID)}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO outbox(`+envelopeColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		env.ActionID, env.URL, env.Method, string(env.Payload), formatTime(env.CreatedAt),
		env.AttemptCount, formatTime(env.NextAttemptAt), env.LastError)
	if err != nil {
		return FatalLocalError{Err: fmt.Errorf("enqueue %s: %w", env.ActionID, err)}
	}
	return nil
}

// Drain returns every pending envelope in insertion order without removing it.
func (s *Store) Drain(ctx context.Context) ([]domain.ActionEnvelope, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+envelopeColumns+` FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionEnvelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, env)
	}
	return res, rows.Err()
}

func (s *Store) Get(ctx context.Context, actionID string) (domain.ActionEnvelope, error) {
	env, err := scanEnvelope(s.DB.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM outbox WHERE action_id=?`, actionID))
	if errors.Is(err, sql.ErrNoRows) {
		return env, domain.NotFound("envelope", actionID)
	}
	return env, err
}

// Remove deletes a delivered envelope. Removing an absent id is not an error.
func (s *Store) Remove(ctx context.Context, actionID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM outbox WHERE action_id=?`, actionID)
	return err
}

// UpdateAttempt records a failed delivery and the earliest next attempt.
func (s *Store) UpdateAttempt(ctx context.Context, actionID string, attempts int, nextAt time.Time, lastErr string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE outbox SET attempt_count=?, next_attempt_at=?, last_error=? WHERE action_id=?`,
		attempts, formatTime(nextAt), lastErr, actionID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.NotFound("envelope", actionID)
	}
	return nil
}

// Discard removes env and keeps a record of why it was dropped.
func (s *Store) Discard(ctx context.Context, d Discard) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE action_id=?`, d.ActionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO outbox_discards(action_id,url,method,status,reason,discarded_at) VALUES (?,?,?,?,?,?)`,
		d.ActionID, d.URL, d.Method, d.Status, d.Reason, formatTime(d.DiscardedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

// Discards lists dropped envelopes, newest first.
func (s *Store) Discards(ctx context.Context) ([]Discard, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT action_id,url,method,status,reason,discarded_at FROM outbox_discards ORDER BY discarded_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Discard
	for rows.Next() {
		var (
			d   Discard
			raw string
		)
		if err := rows.Scan(&d.ActionID, &d.URL, &d.Method, &d.Status, &d.Reason, &raw); err != nil {
			return nil, err
		}
		if d.DiscardedAt, err = parseTime(raw); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

// NextAttempt returns the earliest scheduled attempt, or false if the queue is empty.
func (s *Store) NextAttempt(ctx context.Context) (time.Time, bool, error) {
	var raw sql.NullString
	if err := s.DB.QueryRowContext(ctx, `SELECT MIN(next_attempt_at) FROM outbox`).Scan(&raw); err != nil {
		return time.Time{}, false, err
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
