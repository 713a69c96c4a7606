package identity

import (
	"strings"
	"testing"
	"time"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "rollcall"
)

func TestIssueAndParse_RoundTrip(t *testing.T) {
	id := NewIdentifier()

	pair, err := Issue(id, RoleStudent, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token in pair")
	}

	claims, err := Parse(pair.AccessToken, testKey, testIssuer)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.ParticipantID != id {
		t.Errorf("sub = %s, want %s", claims.ParticipantID, id)
	}
	if claims.Role != RoleStudent {
		t.Errorf("role = %s, want student", claims.Role)
	}
}

func TestIssue_RejectsUnknownRole(t *testing.T) {
	if _, err := Issue(NewIdentifier(), "admin", testIssuer, testKey, time.Minute, time.Hour); err == nil {
		t.Fatal("unknown role issued a token")
	}
}

func TestParse_RejectsWrongKey(t *testing.T) {
	pair, err := Issue(NewIdentifier(), RoleFaculty, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := Parse(pair.AccessToken, "other-key", testIssuer); err == nil {
		t.Fatal("token signed with another key accepted")
	}
}

func TestParse_RejectsWrongIssuer(t *testing.T) {
	pair, err := Issue(NewIdentifier(), RoleFaculty, "someone-else", testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := Parse(pair.AccessToken, testKey, testIssuer); err == nil {
		t.Fatal("token with mismatched issuer accepted")
	}
}

func TestParse_RejectsExpired(t *testing.T) {
	pair, err := Issue(NewIdentifier(), RoleStudent, testIssuer, testKey, -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := Parse(pair.AccessToken, testKey, testIssuer); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestValidIdentifier(t *testing.T) {
	good := NewIdentifier()
	if !ValidIdentifier(good) {
		t.Errorf("minted identifier %q rejected", good)
	}

	bad := []string{
		"",
		"short",
		strings.Repeat("x", 36),
		good + "0",
		good[:35],
	}
	for _, raw := range bad {
		if ValidIdentifier(raw) {
			t.Errorf("accepted malformed identifier %q", raw)
		}
	}
}
