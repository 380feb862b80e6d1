package calltoken

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	svc := New("test-secret", time.Minute)

	token, err := svc.Issue("rt_abc123abc123abc123abc123", "call_xyz")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.RoutingID != "rt_abc123abc123abc123abc123" {
		t.Errorf("unexpected routing id: %s", claims.RoutingID)
	}
	if claims.SessionID != "call_xyz" {
		t.Errorf("unexpected session id: %s", claims.SessionID)
	}
}

func TestVerify_Invalid(t *testing.T) {
	svc := New("test-secret", time.Minute)
	token, _ := svc.Issue("rt_abc123abc123abc123abc123", "")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", "garbagewithoutdot"},
		{"corrupt payload", "!!!." + strings.SplitN(token, ".", 2)[1]},
		{"tampered signature", strings.SplitN(token, ".", 2)[0] + ".AAAA"},
		{"wrong secret", mustIssue(t, New("other-secret", time.Minute))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func mustIssue(t *testing.T, svc *Service) string {
	t.Helper()
	token, err := svc.Issue("rt_abc123abc123abc123abc123", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return token
}

func TestVerify_Expired(t *testing.T) {
	svc := New("test-secret", time.Minute)
	token, _ := svc.Issue("rt_abc123abc123abc123abc123", "")

	// Move the clock past expiry.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestNew_ClampsTTL(t *testing.T) {
	svc := New("test-secret", time.Hour)
	if svc.ttl != MaxTTL {
		t.Errorf("TTL above MaxTTL should be clamped, got %v", svc.ttl)
	}

	svc = New("test-secret", 0)
	if svc.ttl != MaxTTL {
		t.Errorf("zero TTL should default to MaxTTL, got %v", svc.ttl)
	}
}
