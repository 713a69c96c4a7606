package session

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Repository persists active sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts an Active session. The partial unique index on
// (advertiser_id, group) over live states is the single-writer guard.
func (r *Repository) Create(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, advertiser_id, subject, branch, semester, division, batch, state, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.AdvertiserID, s.Group.Subject, s.Group.Branch, s.Group.Semester, s.Group.Division, s.Group.Batch, string(s.State), s.StartedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrSessionAlreadyActive
		}
		return err
	}
	return nil
}

// Get loads one session by id.
func (r *Repository) Get(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, advertiser_id, subject, branch, semester, division, batch, state, started_at, ended_at
		FROM sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// ActiveByAdvertiser resolves the session currently advertising a token.
func (r *Repository) ActiveByAdvertiser(ctx context.Context, advertiserID string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, advertiser_id, subject, branch, semester, division, batch, state, started_at, ended_at
		FROM sessions WHERE advertiser_id = $1 AND state = $2
	`, advertiserID, string(StateActive))
	return scanSession(row)
}

// MarkEnding transitions Active -> Ending.
func (r *Repository) MarkEnding(ctx context.Context, id string, endedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state = $2, ended_at = $3 WHERE id = $1 AND state = $4
	`, id, string(StateEnding), endedAt, string(StateActive))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Delete retires a session and its working rows; the attendance record is
// the sole durable artifact afterwards.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_detections WHERE session_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_overrides WHERE session_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AddDetection appends to the detected set; the primary key makes repeats
// no-ops and reports whether the row was new.
func (r *Repository) AddDetection(ctx context.Context, sessionID, participantID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO session_detections (session_id, participant_id, detected_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id, participant_id) DO NOTHING
	`, sessionID, participantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Detections returns the detected set for a session.
func (r *Repository) Detections(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_id FROM session_detections WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetOverride upserts a manual correction; the last write wins.
func (r *Repository) SetOverride(ctx context.Context, sessionID, participantID, status string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_overrides (session_id, participant_id, status, applied_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id, participant_id) DO UPDATE SET
			status = EXCLUDED.status,
			applied_at = NOW()
	`, sessionID, participantID, status)
	return err
}

// Overrides returns the manual corrections for a session.
func (r *Repository) Overrides(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_id, status FROM session_overrides WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	overrides := make(map[string]string)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		overrides[id] = status
	}
	return overrides, rows.Err()
}

func scanSession(row *sql.Row) (Session, error) {
	var s Session
	var state string
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.AdvertiserID,
		&s.Group.Subject, &s.Group.Branch, &s.Group.Semester, &s.Group.Division, &s.Group.Batch,
		&state, &s.StartedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	s.State = State(state)
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return s, nil
}
