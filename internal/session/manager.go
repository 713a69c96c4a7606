package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rollcall/internal/identity"
	"rollcall/internal/proximity"
	"rollcall/internal/reconcile"
	"rollcall/internal/roster"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_started_total",
		Help: "Sessions successfully started.",
	})
	sessionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_committed_total",
		Help: "Sessions ended with a committed attendance record.",
	})
	commitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_session_commit_failures_total",
		Help: "Attendance record commits that failed and left the session in Ending.",
	})
	detectionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_detections_applied_total",
		Help: "Detections newly added to a detected set.",
	})
)

// TransportFactory yields one transport endpoint per session; each session
// corresponds to one advertising device.
type TransportFactory func() proximity.Transport

// Committer is what the manager needs from the reconciler.
type Committer interface {
	Commit(ctx context.Context, in reconcile.CommitInput) (reconcile.Record, error)
}

// Manager owns the session state machine: Idle, Starting, Active, Ending,
// Ended. It is the only writer of the permanent attendance record, via
// End -> Commit, exactly once per session.
type Manager struct {
	repo         Repo
	roster       roster.Reader
	newTransport TransportFactory
	committer    Committer

	mu      sync.Mutex
	running map[string]proximity.Transport // session id -> advertising endpoint
}

// NewManager wires the manager's collaborators.
func NewManager(repo Repo, rosters roster.Reader, newTransport TransportFactory, committer Committer) *Manager {
	return &Manager{
		repo:         repo,
		roster:       rosters,
		newTransport: newTransport,
		committer:    committer,
		running:      make(map[string]proximity.Transport),
	}
}

// StartInput carries explicit identity for session start; there is no ambient
// current-user state in the core.
type StartInput struct {
	AdvertiserID string
	Group        roster.GroupKey
}

// Start acquires the radio capability, persists a new Active session and
// begins advertising the advertiser token.
func (m *Manager) Start(ctx context.Context, in StartInput) (Session, error) {
	if !identity.ValidIdentifier(in.AdvertiserID) {
		return Session{}, fmt.Errorf("invalid advertiser identifier")
	}
	if !in.Group.Valid() {
		return Session{}, fmt.Errorf("group key not fully specified")
	}
	members, err := m.roster.Members(ctx, in.Group)
	if err != nil {
		return Session{}, err
	}
	if len(members) == 0 {
		return Session{}, roster.ErrEmptyRoster
	}

	transport := m.newTransport()
	if err := transport.RequestCapability(ctx); err != nil {
		return Session{}, err
	}

	s := Session{
		ID:           uuid.NewString(),
		AdvertiserID: in.AdvertiserID,
		Group:        in.Group,
		State:        StateActive,
		StartedAt:    time.Now().UTC(),
	}
	if err := m.repo.Create(ctx, s); err != nil {
		transport.Cleanup()
		return Session{}, err
	}

	// The broadcast must outlive the caller's (often request-scoped) context.
	if err := transport.Advertise(context.WithoutCancel(ctx), in.AdvertiserID); err != nil {
		transport.Cleanup()
		if derr := m.repo.Delete(ctx, s.ID); derr != nil {
			log.Printf("session %s: rollback delete failed: %v", s.ID, derr)
		}
		return Session{}, err
	}

	m.mu.Lock()
	m.running[s.ID] = transport
	m.mu.Unlock()

	sessionsStarted.Inc()
	log.Printf("session %s started: advertiser=%s group=%s", s.ID, in.AdvertiserID, in.Group)
	return s, nil
}

// End stops the broadcast, commits the attendance record and retires the
// session. A failed commit leaves the session in Ending so End can be retried
// with the detected set intact; a second End after success returns
// ErrSessionNotFound.
func (m *Manager) End(ctx context.Context, sessionID string) (reconcile.Record, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return reconcile.Record{}, err
	}

	endedAt := time.Now().UTC()
	if s.State == StateActive {
		if err := m.repo.MarkEnding(ctx, s.ID, endedAt); err != nil {
			return reconcile.Record{}, err
		}
		s.State = StateEnding
		s.EndedAt = &endedAt
	}
	m.stopBroadcast(s.ID)

	members, err := m.roster.Members(ctx, s.Group)
	if err != nil {
		return reconcile.Record{}, fmt.Errorf("%w: roster read: %v", reconcile.ErrCommitFailed, err)
	}
	detected, err := m.repo.Detections(ctx, s.ID)
	if err != nil {
		return reconcile.Record{}, fmt.Errorf("%w: detections read: %v", reconcile.ErrCommitFailed, err)
	}
	rawOverrides, err := m.repo.Overrides(ctx, s.ID)
	if err != nil {
		return reconcile.Record{}, fmt.Errorf("%w: overrides read: %v", reconcile.ErrCommitFailed, err)
	}
	overrides := make(map[string]reconcile.Status, len(rawOverrides))
	for id, status := range rawOverrides {
		overrides[id] = reconcile.Status(status)
	}

	rec, err := m.committer.Commit(ctx, reconcile.CommitInput{
		SessionID:    s.ID,
		AdvertiserID: s.AdvertiserID,
		Group:        s.Group,
		Members:      members,
		Detected:     detected,
		Overrides:    overrides,
	})
	if err != nil {
		commitFailures.Inc()
		log.Printf("session %s: commit failed, staying in ending: %v", s.ID, err)
		return reconcile.Record{}, err
	}

	if err := m.repo.Delete(ctx, s.ID); err != nil {
		// The record is durable; the orphan row is cleared by the next retry.
		log.Printf("session %s: retire after commit failed: %v", s.ID, err)
	}

	sessionsCommitted.Inc()
	log.Printf("session %s ended: %d present of %d", s.ID, len(rec.Present), len(members))
	return rec, nil
}

// Get returns the session and the current size of its detected set.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, int, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return Session{}, 0, err
	}
	detected, err := m.repo.Detections(ctx, s.ID)
	if err != nil {
		return Session{}, 0, err
	}
	return s, len(detected), nil
}

// ReportDetection resolves an advertiser token reported by a scanning student
// to its Active session and applies the detection. Out-of-roster reporters
// are absorbed, not errors: unrelated nearby devices are expected.
func (m *Manager) ReportDetection(ctx context.Context, advertiserToken, participantID string) (string, bool, error) {
	if !identity.ValidIdentifier(advertiserToken) {
		return "", false, ErrSessionNotFound
	}
	s, err := m.repo.ActiveByAdvertiser(ctx, advertiserToken)
	if err != nil {
		return "", false, err
	}
	fresh, err := m.ApplyDetection(ctx, s.ID, participantID)
	return s.ID, fresh, err
}

// ApplyDetection appends a participant to the detected set. Idempotent: a
// repeat detection is a no-op and reports fresh=false. The advertiser itself
// and participants outside the roster never enter the set.
func (m *Manager) ApplyDetection(ctx context.Context, sessionID, participantID string) (bool, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s.State != StateActive {
		return false, ErrSessionNotFound
	}
	if participantID == s.AdvertiserID {
		return false, nil
	}

	members, err := m.roster.Members(ctx, s.Group)
	if err != nil {
		return false, err
	}
	if _, ok := roster.IDSet(members)[participantID]; !ok {
		log.Printf("session %s: dropped detection for non-roster participant %s", s.ID, participantID)
		return false, nil
	}

	fresh, err := m.repo.AddDetection(ctx, s.ID, participantID)
	if err != nil {
		return false, err
	}
	if fresh {
		detectionsApplied.Inc()
		log.Printf("session %s: participant %s confirmed present", s.ID, participantID)
	}
	return fresh, nil
}

// ApplyOverride records a manual faculty correction. Overrides win over
// detections unconditionally at commit and may be applied while the session
// is Active or held in Ending.
func (m *Manager) ApplyOverride(ctx context.Context, sessionID, participantID string, status reconcile.Status) error {
	if !reconcile.ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	members, err := m.roster.Members(ctx, s.Group)
	if err != nil {
		return err
	}
	if _, ok := roster.IDSet(members)[participantID]; !ok {
		return ErrUnknownParticipant
	}
	return m.repo.SetOverride(ctx, s.ID, participantID, string(status))
}

// Sheet returns the live Present/Absent partition for a session, merged with
// the same rule the final commit uses.
func (m *Manager) Sheet(ctx context.Context, sessionID string) ([]reconcile.Entry, error) {
	s, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	members, err := m.roster.Members(ctx, s.Group)
	if err != nil {
		return nil, err
	}
	detected, err := m.repo.Detections(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	rawOverrides, err := m.repo.Overrides(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]reconcile.Status, len(rawOverrides))
	for id, status := range rawOverrides {
		overrides[id] = reconcile.Status(status)
	}
	return reconcile.BuildSheet(members, detected, overrides), nil
}

// Shutdown stops every running broadcast; used on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.running {
		t.Cleanup()
		delete(m.running, id)
	}
}

func (m *Manager) stopBroadcast(sessionID string) {
	m.mu.Lock()
	t, ok := m.running[sessionID]
	if ok {
		delete(m.running, sessionID)
	}
	m.mu.Unlock()
	if ok {
		t.StopAdvertise()
		t.Cleanup()
	}
}
