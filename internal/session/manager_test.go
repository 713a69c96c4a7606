package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"rollcall/internal/proximity"
	"rollcall/internal/reconcile"
	"rollcall/internal/roster"
)

const (
	facultyF1 = "f1f1f1f1-0000-4000-8000-000000000001"
	studentS1 = "a1a1a1a1-0000-4000-8000-000000000001"
	studentS2 = "a2a2a2a2-0000-4000-8000-000000000002"
	outsider  = "ee99ee99-0000-4000-8000-00000000ee99"
)

var testGroup = roster.GroupKey{Subject: "CS101", Branch: "CE", Semester: "5", Division: "A", Batch: "B1"}

// mockRepo is an in-memory Repo with the same guard semantics as Postgres.
type mockRepo struct {
	sessions   map[string]Session
	detections map[string]map[string]struct{}
	overrides  map[string]map[string]string
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		sessions:   make(map[string]Session),
		detections: make(map[string]map[string]struct{}),
		overrides:  make(map[string]map[string]string),
	}
}

func (m *mockRepo) Create(_ context.Context, s Session) error {
	for _, existing := range m.sessions {
		if existing.AdvertiserID == s.AdvertiserID && existing.Group == s.Group &&
			(existing.State == StateActive || existing.State == StateEnding) {
			return ErrSessionAlreadyActive
		}
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *mockRepo) Get(_ context.Context, id string) (Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *mockRepo) ActiveByAdvertiser(_ context.Context, advertiserID string) (Session, error) {
	for _, s := range m.sessions {
		if s.AdvertiserID == advertiserID && s.State == StateActive {
			return s, nil
		}
	}
	return Session{}, ErrSessionNotFound
}

func (m *mockRepo) MarkEnding(_ context.Context, id string, endedAt time.Time) error {
	s, ok := m.sessions[id]
	if !ok || s.State != StateActive {
		return ErrSessionNotFound
	}
	s.State = StateEnding
	s.EndedAt = &endedAt
	m.sessions[id] = s
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id string) error {
	delete(m.sessions, id)
	delete(m.detections, id)
	delete(m.overrides, id)
	return nil
}

func (m *mockRepo) AddDetection(_ context.Context, sessionID, participantID string) (bool, error) {
	set, ok := m.detections[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.detections[sessionID] = set
	}
	if _, dup := set[participantID]; dup {
		return false, nil
	}
	set[participantID] = struct{}{}
	return true, nil
}

func (m *mockRepo) Detections(_ context.Context, sessionID string) ([]string, error) {
	var ids []string
	for id := range m.detections[sessionID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockRepo) SetOverride(_ context.Context, sessionID, participantID, status string) error {
	set, ok := m.overrides[sessionID]
	if !ok {
		set = make(map[string]string)
		m.overrides[sessionID] = set
	}
	set[participantID] = status
	return nil
}

func (m *mockRepo) Overrides(_ context.Context, sessionID string) (map[string]string, error) {
	return m.overrides[sessionID], nil
}

type mockRoster struct {
	members []roster.Member
}

func (m *mockRoster) Members(_ context.Context, _ roster.GroupKey) ([]roster.Member, error) {
	return m.members, nil
}

type mockTransport struct {
	denyCapability bool
	radioOff       bool
	advertised     []string
	stopCalls      int
	cleanupCalls   int
}

func (t *mockTransport) RequestCapability(_ context.Context) error {
	if t.denyCapability {
		return proximity.ErrPermissionDenied
	}
	if t.radioOff {
		return proximity.ErrUnavailable
	}
	return nil
}

func (t *mockTransport) Advertise(_ context.Context, token string) error {
	t.advertised = append(t.advertised, token)
	return nil
}

func (t *mockTransport) Scan(_ context.Context, _ []string) (<-chan proximity.DiscoveryEvent, error) {
	ch := make(chan proximity.DiscoveryEvent)
	close(ch)
	return ch, nil
}

func (t *mockTransport) StopAdvertise() { t.stopCalls++ }
func (t *mockTransport) StopScan()      {}
func (t *mockTransport) Cleanup()       { t.cleanupCalls++ }

type mockRecordRepo struct {
	records map[string]reconcile.Record // by session id
	failN   int
}

func (m *mockRecordRepo) Insert(_ context.Context, rec reconcile.Record, _ []reconcile.Entry) (reconcile.Record, error) {
	if m.failN > 0 {
		m.failN--
		return reconcile.Record{}, errors.New("connection reset")
	}
	if m.records == nil {
		m.records = make(map[string]reconcile.Record)
	}
	if existing, ok := m.records[rec.SessionID]; ok {
		return existing, nil
	}
	m.records[rec.SessionID] = rec
	return rec, nil
}

func newTestManager(repo *mockRepo, records *mockRecordRepo, transport *mockTransport) *Manager {
	members := []roster.Member{
		{ParticipantID: studentS1, EnrollmentNo: "PRN001", Name: "S1"},
		{ParticipantID: studentS2, EnrollmentNo: "PRN002", Name: "S2"},
	}
	return NewManager(repo, &mockRoster{members: members},
		func() proximity.Transport { return transport },
		reconcile.New(records))
}

func TestStart_AdvertisesAndPersists(t *testing.T) {
	repo := newMockRepo()
	transport := &mockTransport{}
	m := newTestManager(repo, &mockRecordRepo{}, transport)

	s, err := m.Start(context.Background(), StartInput{AdvertiserID: facultyF1, Group: testGroup})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if s.State != StateActive {
		t.Errorf("state = %s, want active", s.State)
	}
	if len(transport.advertised) != 1 || transport.advertised[0] != facultyF1 {
		t.Errorf("advertised = %v, want [%s]", transport.advertised, facultyF1)
	}
	if len(repo.sessions) != 1 {
		t.Errorf("persisted sessions = %d, want 1", len(repo.sessions))
	}
}

func TestStart_SecondActiveSessionRejected(t *testing.T) {
	repo := newMockRepo()
	m := newTestManager(repo, &mockRecordRepo{}, &mockTransport{})

	if _, err := m.Start(context.Background(), StartInput{AdvertiserID: facultyF1, Group: testGroup}); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	_, err := m.Start(context.Background(), StartInput{AdvertiserID: facultyF1, Group: testGroup})
	if !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("err = %v, want ErrSessionAlreadyActive", err)
	}
	if len(repo.sessions) != 1 {
		t.Errorf("sessions = %d, want exactly 1", len(repo.sessions))
	}
}

func TestStart_EmptyRosterRejected(t *testing.T) {
	m := NewManager(newMockRepo(), &mockRoster{},
		func() proximity.Transport { return &mockTransport{} },
		reconcile.New(&mockRecordRepo{}))

	_, err := m.Start(context.Background(), StartInput{AdvertiserID: facultyF1, Group: testGroup})
	if !errors.Is(err, roster.ErrEmptyRoster) {
		t.Fatalf("err = %v, want ErrEmptyRoster", err)
	}
}

func TestStart_CapabilityErrors(t *testing.T) {
	m := newTestManager(newMockRepo(), &mockRecordRepo{}, &mockTransport{denyCapability: true})
	if _, err := m.Start(context.Background(), StartInput{AdvertiserID: facultyF1, Group: testGroup}); !errors.Is(err, proximity.ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}

	m = newTestManager(newMockRepo(), &mockRecordRepo{}, &mockTransport{radioOff: true})
	if _, err := m.Start(context.Background(), StartInput{AdvertiserID: facultyF1, Group: testGroup}); !errors.Is(err, proximity.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestApplyDetection_IdempotentAndFiltered(t *testing.T) {
	repo := newMockRepo()
	m := newTestManager(repo, &mockRecordRepo{}, &mockTransport{})
	ctx := context.Background()

	s, err := m.Start(ctx, StartInput{AdvertiserID: facultyF1, Group: testGroup})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	fresh, err := m.ApplyDetection(ctx, s.ID, studentS1)
	if err != nil || !fresh {
		t.Fatalf("first detection: fresh=%v err=%v, want fresh", fresh, err)
	}
	for i := 0; i < 5; i++ {
		if fresh, _ := m.ApplyDetection(ctx, s.ID, studentS1); fresh {
			t.Fatal("duplicate detection reported fresh")
		}
	}

	// Advertiser and out-of-roster participants are absorbed silently.
	if fresh, err := m.ApplyDetection(ctx, s.ID, facultyF1); err != nil || fresh {
		t.Errorf("advertiser self-detection: fresh=%v err=%v, want absorbed", fresh, err)
	}
	if fresh, err := m.ApplyDetection(ctx, s.ID, outsider); err != nil || fresh {
		t.Errorf("out-of-roster detection: fresh=%v err=%v, want absorbed", fresh, err)
	}

	detected, _ := repo.Detections(ctx, s.ID)
	if len(detected) != 1 || detected[0] != studentS1 {
		t.Errorf("detected set = %v, want {S1}", detected)
	}
}

func TestReportDetection_ResolvesAdvertiser(t *testing.T) {
	repo := newMockRepo()
	m := newTestManager(repo, &mockRecordRepo{}, &mockTransport{})
	ctx := context.Background()

	s, _ := m.Start(ctx, StartInput{AdvertiserID: facultyF1, Group: testGroup})

	sessionID, fresh, err := m.ReportDetection(ctx, facultyF1, studentS1)
	if err != nil || !fresh {
		t.Fatalf("report: fresh=%v err=%v", fresh, err)
	}
	if sessionID != s.ID {
		t.Errorf("resolved session %s, want %s", sessionID, s.ID)
	}

	if _, _, err := m.ReportDetection(ctx, outsider, studentS1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown advertiser err = %v, want ErrSessionNotFound", err)
	}
}

func TestEnd_CommitsOnceThenNotFound(t *testing.T) {
	repo := newMockRepo()
	records := &mockRecordRepo{}
	transport := &mockTransport{}
	m := newTestManager(repo, records, transport)
	ctx := context.Background()

	s, _ := m.Start(ctx, StartInput{AdvertiserID: facultyF1, Group: testGroup})
	_, _ = m.ApplyDetection(ctx, s.ID, studentS1)

	rec, err := m.End(ctx, s.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if len(rec.Present) != 1 || rec.Present[0] != studentS1 {
		t.Errorf("present = %v, want {S1}", rec.Present)
	}
	if transport.cleanupCalls == 0 {
		t.Error("broadcast not released on end")
	}

	if _, err := m.End(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second end err = %v, want ErrSessionNotFound", err)
	}
	if len(records.records) != 1 {
		t.Errorf("records = %d, want exactly 1", len(records.records))
	}
}

func TestEnd_CommitFailureStaysEndingAndRetries(t *testing.T) {
	repo := newMockRepo()
	records := &mockRecordRepo{failN: 1}
	m := newTestManager(repo, records, &mockTransport{})
	ctx := context.Background()

	s, _ := m.Start(ctx, StartInput{AdvertiserID: facultyF1, Group: testGroup})
	_, _ = m.ApplyDetection(ctx, s.ID, studentS1)

	if _, err := m.End(ctx, s.ID); !errors.Is(err, reconcile.ErrCommitFailed) {
		t.Fatalf("err = %v, want ErrCommitFailed", err)
	}

	held, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatal("session deleted despite failed commit")
	}
	if held.State != StateEnding {
		t.Fatalf("state = %s, want ending", held.State)
	}

	// Retry succeeds with the detected set intact.
	rec, err := m.End(ctx, s.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(rec.Present) != 1 || rec.Present[0] != studentS1 {
		t.Errorf("retry present = %v, want {S1}", rec.Present)
	}
	if len(records.records) != 1 {
		t.Errorf("records = %d, want exactly 1", len(records.records))
	}
	if _, err := repo.Get(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("session not retired after successful retry")
	}
}

func TestApplyOverride_WinsAtCommit(t *testing.T) {
	repo := newMockRepo()
	records := &mockRecordRepo{}
	m := newTestManager(repo, records, &mockTransport{})
	ctx := context.Background()

	s, _ := m.Start(ctx, StartInput{AdvertiserID: facultyF1, Group: testGroup})
	_, _ = m.ApplyDetection(ctx, s.ID, studentS1)

	if err := m.ApplyOverride(ctx, s.ID, studentS1, reconcile.StatusAbsent); err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if err := m.ApplyOverride(ctx, s.ID, outsider, reconcile.StatusPresent); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("outsider override err = %v, want ErrUnknownParticipant", err)
	}

	rec, err := m.End(ctx, s.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if len(rec.Present) != 0 {
		t.Errorf("present = %v, want empty after absent override", rec.Present)
	}
}

func TestEndToEnd_OneStudentDetected(t *testing.T) {
	repo := newMockRepo()
	records := &mockRecordRepo{}
	m := newTestManager(repo, records, &mockTransport{})
	ctx := context.Background()

	s, err := m.Start(ctx, StartInput{AdvertiserID: facultyF1, Group: testGroup})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// S1's device sees the F1 broadcast, S2's never does.
	if _, fresh, err := m.ReportDetection(ctx, facultyF1, studentS1); err != nil || !fresh {
		t.Fatalf("S1 report: fresh=%v err=%v", fresh, err)
	}

	entries, err := m.Sheet(ctx, s.ID)
	if err != nil {
		t.Fatalf("sheet failed: %v", err)
	}
	byID := map[string]reconcile.Status{}
	for _, e := range entries {
		byID[e.Member.ParticipantID] = e.Status
	}
	if byID[studentS1] != reconcile.StatusPresent || byID[studentS2] != reconcile.StatusAbsent {
		t.Errorf("live sheet = %v, want S1 present, S2 absent", byID)
	}

	rec, err := m.End(ctx, s.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if len(rec.Present) != 1 || rec.Present[0] != studentS1 {
		t.Errorf("record present = %v, want {S1}", rec.Present)
	}
}
