package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a record and its entries in one transaction. The unique
// constraint on session_id makes retries safe: if a record already exists for
// the session, the existing record is returned untouched.
func (r *Repository) Insert(ctx context.Context, rec Record, entries []Entry) (Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, advertiser_id, subject, branch, semester, division, batch, committed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.AdvertiserID, rec.Group.Subject, rec.Group.Branch, rec.Group.Semester, rec.Group.Division, rec.Group.Batch, rec.CommittedAt)
	if err != nil {
		return Record{}, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	if inserted == 0 {
		// A previous commit attempt already landed; hand that record back.
		existing, err := r.BySession(ctx, rec.SessionID)
		if err != nil {
			return Record{}, err
		}
		return existing, nil
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_record_entries (record_id, participant_id, enrollment_no, name, status)
			VALUES ($1,$2,$3,$4,$5)
		`, rec.ID, e.Member.ParticipantID, e.Member.EnrollmentNo, e.Member.Name, string(e.Status)); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// BySession returns the committed record for a session, with present ids.
func (r *Repository) BySession(ctx context.Context, sessionID string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, advertiser_id, subject, branch, semester, division, batch, committed_at
		FROM attendance_records WHERE session_id = $1
	`, sessionID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, sql.ErrNoRows
		}
		return Record{}, err
	}
	rec.Present, err = r.presentIDs(ctx, rec.ID)
	return rec, err
}

// List returns committed records with basic filters.
func (r *Repository) List(ctx context.Context, advertiserID, subject string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, session_id, advertiser_id, subject, branch, semester, division, batch, committed_at FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if advertiserID != "" {
		clauses = append(clauses, fmt.Sprintf("advertiser_id = $%d", len(args)+1))
		args = append(args, advertiserID)
	}
	if subject != "" {
		clauses = append(clauses, fmt.Sprintf("subject = $%d", len(args)+1))
		args = append(args, subject)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += fmt.Sprintf(" ORDER BY committed_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Present, err = r.presentIDs(ctx, recs[i].ID); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Entries returns the full sheet committed with a record.
func (r *Repository) Entries(ctx context.Context, recordID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_id, enrollment_no, name, status
		FROM attendance_record_entries
		WHERE record_id = $1
		ORDER BY enrollment_no
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status string
		if err := rows.Scan(&e.Member.ParticipantID, &e.Member.EnrollmentNo, &e.Member.Name, &status); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Repository) presentIDs(ctx context.Context, recordID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_id FROM attendance_record_entries
		WHERE record_id = $1 AND status = $2
	`, recordID, string(StatusPresent))
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.AdvertiserID,
		&rec.Group.Subject, &rec.Group.Branch, &rec.Group.Semester, &rec.Group.Division, &rec.Group.Batch,
		&rec.CommittedAt)
	return rec, err
}
