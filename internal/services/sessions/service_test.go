package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/models"
	"github.com/ternarybob/dirigo/internal/storage/memory"
)

func newTestService(t *testing.T, cfg *common.SessionsConfig) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &common.SessionsConfig{
			CustomerMaxAge:   "24h",
			StaffMaxAge:      "8h",
			RenewalThreshold: "1h",
		}
	}
	kv := memory.NewKVStore()
	t.Cleanup(func() { kv.Close() })
	return NewService(kv, cfg, arbor.NewLogger())
}

func TestCreateAndValidate(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	session, err := svc.Create(ctx, "cust-1", models.SubjectCustomer, "owner", "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if session.Token == "" {
		t.Fatal("expected a session token")
	}

	got, err := svc.Validate(ctx, session.Token, "10.0.0.1")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if got.SubjectID != "cust-1" || got.SubjectType != models.SubjectCustomer {
		t.Errorf("unexpected subject: %s/%s", got.SubjectID, got.SubjectType)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Validate(context.Background(), "no-such-token", "")
	if !errors.Is(err, models.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}

	_, err = svc.Validate(context.Background(), "", "")
	if !errors.Is(err, models.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for empty token, got %v", err)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	session, err := svc.Create(ctx, "cust-1", models.SubjectCustomer, "", "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Force the stored record past its expiry
	session.ExpiresAt = time.Now().Add(-time.Minute)
	if err := svc.save(ctx, session); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := svc.Validate(ctx, session.Token, ""); !errors.Is(err, models.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for expired session, got %v", err)
	}

	// Expired record is removed on the failed validate
	if _, err := svc.load(ctx, session.Token); !errors.Is(err, models.ErrUnauthenticated) {
		t.Error("expired session should be deleted after failed validation")
	}
}

func TestSlidingExpiryRenewal(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	session, err := svc.Create(ctx, "staff-1", models.SubjectStaff, "admin", "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Move expiry inside the renewal threshold
	session.ExpiresAt = time.Now().Add(30 * time.Minute)
	if err := svc.save(ctx, session); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	renewed, err := svc.Validate(ctx, session.Token, "")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	// Staff sessions extend by the staff max age, not the customer one
	remaining := time.Until(renewed.ExpiresAt)
	if remaining < 7*time.Hour || remaining > 9*time.Hour {
		t.Errorf("expected ~8h remaining after renewal, got %s", remaining)
	}
}

func TestNoRenewalOutsideThreshold(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	session, err := svc.Create(ctx, "cust-1", models.SubjectCustomer, "", "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	originalExpiry := session.ExpiresAt

	validated, err := svc.Validate(ctx, session.Token, "")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	// Fresh session is nowhere near expiry; expiry must not move
	if !validated.ExpiresAt.Equal(originalExpiry) {
		t.Errorf("expiry moved from %s to %s without renewal being due",
			originalExpiry, validated.ExpiresAt)
	}
	if !validated.LastAccessed.After(session.CreatedAt) && !validated.LastAccessed.Equal(session.CreatedAt) {
		t.Error("LastAccessed should be updated on validation")
	}
}

func TestIPEnforcement(t *testing.T) {
	svc := newTestService(t, &common.SessionsConfig{
		CustomerMaxAge:   "24h",
		StaffMaxAge:      "8h",
		RenewalThreshold: "1h",
		EnforceIPCheck:   true,
	})
	ctx := context.Background()

	session, err := svc.Create(ctx, "cust-1", models.SubjectCustomer, "", "10.0.0.1", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := svc.Validate(ctx, session.Token, "10.0.0.1"); err != nil {
		t.Fatalf("same-IP validate failed: %v", err)
	}
	if _, err := svc.Validate(ctx, session.Token, "192.168.1.9"); !errors.Is(err, models.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for changed IP, got %v", err)
	}
}

func TestIPChangeFlaggedButAllowed(t *testing.T) {
	svc := newTestService(t, &common.SessionsConfig{
		CustomerMaxAge:   "24h",
		StaffMaxAge:      "8h",
		RenewalThreshold: "1h",
		FlagIPChange:     true,
	})
	ctx := context.Background()

	session, err := svc.Create(ctx, "cust-1", models.SubjectCustomer, "", "10.0.0.1", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := svc.Validate(ctx, session.Token, "192.168.1.9"); err != nil {
		t.Errorf("flag-only mode should allow changed IP, got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	session, err := svc.Create(ctx, "cust-1", models.SubjectCustomer, "", "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.Destroy(ctx, session.Token); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if _, err := svc.Validate(ctx, session.Token, ""); !errors.Is(err, models.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated after destroy, got %v", err)
	}

	// Destroying again is a no-op
	if err := svc.Destroy(ctx, session.Token); err != nil {
		t.Errorf("double destroy should not error: %v", err)
	}
}

func TestDestroyAllForSubject(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	first, _ := svc.Create(ctx, "cust-1", models.SubjectCustomer, "", "", "")
	second, _ := svc.Create(ctx, "cust-1", models.SubjectCustomer, "", "", "")
	other, _ := svc.Create(ctx, "cust-2", models.SubjectCustomer, "", "", "")

	removed, err := svc.DestroyAllForSubject(ctx, "cust-1")
	if err != nil {
		t.Fatalf("destroy-all failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 sessions removed, got %d", removed)
	}

	for _, token := range []string{first.Token, second.Token} {
		if _, err := svc.Validate(ctx, token, ""); !errors.Is(err, models.ErrUnauthenticated) {
			t.Errorf("expected token %s revoked", token)
		}
	}
	if _, err := svc.Validate(ctx, other.Token, ""); err != nil {
		t.Errorf("unrelated subject's session should survive: %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	live, _ := svc.Create(ctx, "cust-1", models.SubjectCustomer, "", "", "")
	stale, _ := svc.Create(ctx, "cust-2", models.SubjectCustomer, "", "", "")

	stale.ExpiresAt = time.Now().Add(-time.Minute)
	if err := svc.save(ctx, stale); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	removed, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 expired session removed, got %d", removed)
	}
	if _, err := svc.Validate(ctx, live.Token, ""); err != nil {
		t.Errorf("live session should survive sweep: %v", err)
	}
}
