package roster

import (
	"context"
	"errors"
)

// GroupKey identifies the cohort a session is held for.
type GroupKey struct {
	Subject  string `json:"subject"`
	Branch   string `json:"branch"`
	Semester string `json:"semester"`
	Division string `json:"division"`
	Batch    string `json:"batch"`
}

// Valid reports whether every component of the key is set.
func (k GroupKey) Valid() bool {
	return k.Subject != "" && k.Branch != "" && k.Semester != "" && k.Division != "" && k.Batch != ""
}

// String renders the key for logs and in-memory map keys.
func (k GroupKey) String() string {
	return k.Subject + "/" + k.Branch + "/" + k.Semester + "/" + k.Division + "/" + k.Batch
}

// Member is one participant expected for a group.
type Member struct {
	ParticipantID string `json:"participant_id"`
	EnrollmentNo  string `json:"enrollment_no"`
	Name          string `json:"name"`
}

// Reader supplies the expected participant list for a group.
// The roster is read-only from the core's point of view.
type Reader interface {
	Members(ctx context.Context, key GroupKey) ([]Member, error)
}

// ErrEmptyRoster is returned when a group resolves to no members.
var ErrEmptyRoster = errors.New("no roster members for group")

// IDSet returns member ids as a set for O(1) membership checks.
func IDSet(members []Member) map[string]struct{} {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m.ParticipantID] = struct{}{}
	}
	return set
}
