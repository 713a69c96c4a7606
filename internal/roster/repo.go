package roster

import (
	"context"
	"database/sql"
)

// Repository reads roster members from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Members returns the expected participants for a group, ordered by enrollment number.
func (r *Repository) Members(ctx context.Context, key GroupKey) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_id, enrollment_no, name
		FROM roster_members
		WHERE subject = $1 AND branch = $2 AND semester = $3 AND division = $4 AND batch = $5
		ORDER BY enrollment_no
	`, key.Subject, key.Branch, key.Semester, key.Division, key.Batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ParticipantID, &m.EnrollmentNo, &m.Name); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UpsertMember creates or updates one roster entry; used by directory sync, not the core.
func (r *Repository) UpsertMember(ctx context.Context, key GroupKey, m Member) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO roster_members (participant_id, enrollment_no, name, subject, branch, semester, division, batch)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (participant_id, subject, branch, semester, division, batch) DO UPDATE SET
			enrollment_no = EXCLUDED.enrollment_no,
			name = EXCLUDED.name
	`, m.ParticipantID, m.EnrollmentNo, m.Name, key.Subject, key.Branch, key.Semester, key.Division, key.Batch)
	return err
}
