package store

import (
	"context"
	"database/sql"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		advertiser_id UUID NOT NULL,
		subject TEXT NOT NULL,
		branch TEXT NOT NULL,
		semester TEXT NOT NULL,
		division TEXT NOT NULL,
		batch TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	)`,
	// Single live session per advertiser and cohort.
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_live_advertiser_group
		ON sessions (advertiser_id, subject, branch, semester, division, batch)
		WHERE state IN ('active', 'ending')`,
	`CREATE TABLE IF NOT EXISTS session_detections (
		session_id UUID NOT NULL,
		participant_id UUID NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, participant_id)
	)`,
	`CREATE TABLE IF NOT EXISTS session_overrides (
		session_id UUID NOT NULL,
		participant_id UUID NOT NULL,
		status TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, participant_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL UNIQUE,
		advertiser_id UUID NOT NULL,
		subject TEXT NOT NULL,
		branch TEXT NOT NULL,
		semester TEXT NOT NULL,
		division TEXT NOT NULL,
		batch TEXT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_record_entries (
		record_id UUID NOT NULL REFERENCES attendance_records (id),
		participant_id UUID NOT NULL,
		enrollment_no TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (record_id, participant_id)
	)`,
	`CREATE TABLE IF NOT EXISTS roster_members (
		participant_id UUID NOT NULL,
		enrollment_no TEXT NOT NULL,
		name TEXT NOT NULL,
		subject TEXT NOT NULL,
		branch TEXT NOT NULL,
		semester TEXT NOT NULL,
		division TEXT NOT NULL,
		batch TEXT NOT NULL,
		PRIMARY KEY (participant_id, subject, branch, semester, division, batch)
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		participant_id UUID NOT NULL,
		token TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// EnsureSchema creates the tables the service needs. Statements are
// idempotent so repeated startups are safe.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
