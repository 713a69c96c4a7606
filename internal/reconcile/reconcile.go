package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/roster"
)

// Status is the attendance outcome for one participant.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// ValidStatus reports whether s is a committable status.
func ValidStatus(s Status) bool {
	return s == StatusPresent || s == StatusAbsent
}

// ErrCommitFailed marks a failed attendance record write. The caller must not
// advance the session past Ending when it sees this; the operation is
// retryable without losing the detected set.
var ErrCommitFailed = errors.New("attendance record commit failed")

// Entry pairs a roster member with their final status.
type Entry struct {
	Member roster.Member `json:"member"`
	Status Status        `json:"status"`
}

// Record is the permanent outcome of a session, immutable once written.
type Record struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	AdvertiserID string          `json:"advertiser_id"`
	Group        roster.GroupKey `json:"group"`
	Present      []string        `json:"present"`
	CommittedAt  time.Time       `json:"committed_at"`
}

// RecordRepo persists attendance records. Insert must be atomic and
// idempotent per session: a retry after a partial failure either completes
// the write or returns the record that already landed.
type RecordRepo interface {
	Insert(ctx context.Context, rec Record, entries []Entry) (Record, error)
}

// BuildSheet merges the roster against detections and overrides. The merge
// starts from everyone absent, marks detections present, then applies manual
// overrides last, unconditionally. Insertion order of the detected set is
// irrelevant; only membership matters.
func BuildSheet(members []roster.Member, detected []string, overrides map[string]Status) []Entry {
	detectedSet := make(map[string]struct{}, len(detected))
	for _, id := range detected {
		detectedSet[id] = struct{}{}
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		status := StatusAbsent
		if _, ok := detectedSet[m.ParticipantID]; ok {
			status = StatusPresent
		}
		if o, ok := overrides[m.ParticipantID]; ok && ValidStatus(o) {
			status = o
		}
		entries = append(entries, Entry{Member: m, Status: status})
	}
	return entries
}

// CommitInput carries everything the reconciler needs; identity is explicit,
// never ambient.
type CommitInput struct {
	SessionID    string
	AdvertiserID string
	Group        roster.GroupKey
	Members      []roster.Member
	Detected     []string
	Overrides    map[string]Status
}

// Reconciler owns the roster/detected-set merge at end of session.
type Reconciler struct {
	records RecordRepo
}

// New creates a reconciler backed by a record repo.
func New(records RecordRepo) *Reconciler {
	return &Reconciler{records: records}
}

// Commit computes the final partition and writes one attendance record.
// On failure it returns ErrCommitFailed and writes nothing the caller needs
// to undo.
func (r *Reconciler) Commit(ctx context.Context, in CommitInput) (Record, error) {
	entries := BuildSheet(in.Members, in.Detected, in.Overrides)

	present := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Status == StatusPresent {
			present = append(present, e.Member.ParticipantID)
		}
	}

	rec := Record{
		ID:           uuid.NewString(),
		SessionID:    in.SessionID,
		AdvertiserID: in.AdvertiserID,
		Group:        in.Group,
		Present:      present,
		CommittedAt:  time.Now().UTC(),
	}

	saved, err := r.records.Insert(ctx, rec, entries)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	return saved, nil
}
