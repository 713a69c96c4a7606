package session

import (
	"context"
	"errors"
	"time"

	"rollcall/internal/roster"
)

// State of one attendance session. Idle and Starting exist only in memory;
// Active and Ending are persisted; Ended sessions are moved to the permanent
// attendance record and deleted from the active store.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEnding   State = "ending"
	StateEnded    State = "ended"
)

// Lifecycle errors. These guard programming and race conditions and are never
// silently ignored.
var (
	ErrSessionAlreadyActive = errors.New("session already active for advertiser and group")
	ErrSessionNotFound      = errors.New("session not found")
	ErrUnknownParticipant   = errors.New("participant not in session roster")
)

// Session is one live attendance window for a group.
type Session struct {
	ID           string          `json:"id"`
	AdvertiserID string          `json:"advertiser_id"`
	Group        roster.GroupKey `json:"group"`
	State        State           `json:"state"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
}

// Repo persists active sessions, their detected sets and manual overrides.
type Repo interface {
	// Create persists a new Active session; ErrSessionAlreadyActive when an
	// Active or Ending session exists for the same advertiser and group.
	Create(ctx context.Context, s Session) error
	// Get returns ErrSessionNotFound for unknown or retired ids.
	Get(ctx context.Context, id string) (Session, error)
	// ActiveByAdvertiser returns the Active session advertising the given
	// token, or ErrSessionNotFound.
	ActiveByAdvertiser(ctx context.Context, advertiserID string) (Session, error)
	// MarkEnding moves an Active session to Ending.
	MarkEnding(ctx context.Context, id string, endedAt time.Time) error
	// Delete retires the active-session record.
	Delete(ctx context.Context, id string) error
	// AddDetection appends to the detected set; reports whether the
	// participant was newly added.
	AddDetection(ctx context.Context, sessionID, participantID string) (bool, error)
	Detections(ctx context.Context, sessionID string) ([]string, error)
	// SetOverride records a manual correction, replacing any earlier one.
	SetOverride(ctx context.Context, sessionID, participantID, status string) error
	Overrides(ctx context.Context, sessionID string) (map[string]string, error)
}
