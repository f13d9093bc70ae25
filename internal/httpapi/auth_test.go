package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"phonestock/backend/internal/domain"
	"phonestock/backend/internal/store/memory"
)

func TestTokenRoundtrip(t *testing.T) {
	manager := NewAuthManager(testSecret, time.Hour, nil)

	token, err := manager.sign("admin", domain.RoleAdmin, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	actor, err := manager.ParseToken(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("actor = %+v", actor)
	}
}

func TestTokenRejectedWithWrongSecret(t *testing.T) {
	issuer := NewAuthManager(testSecret, time.Hour, nil)
	verifier := NewAuthManager("another-secret-another-secret-xx", time.Hour, nil)

	token, err := issuer.sign("admin", domain.RoleAdmin, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatalf("token signed with a different secret must be rejected")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	manager := NewAuthManager(testSecret, time.Hour, nil)

	token, err := manager.sign("admin", domain.RoleAdmin, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expired token must be rejected")
	}
}

func TestPlaintextSeedUpgradedToBcrypt(t *testing.T) {
	repo := memory.New()
	if err := repo.CreateUser(context.Background(), domain.UserAccount{
		Username: "legacy",
		Password: "legacy-password",
		Role:     domain.RoleAdmin,
		Active:   true,
	}); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}

	manager := NewAuthManager(testSecret, time.Hour, repo)

	resp, err := manager.Login(domain.LoginRequest{Username: "legacy", Password: "legacy-password"})
	if err != nil {
		t.Fatalf("login with plaintext-seeded password failed: %v", err)
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("role = %s", resp.Role)
	}

	users, err := repo.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	for _, u := range users {
		if u.Username == "legacy" && !strings.HasPrefix(u.Password, "$2") {
			t.Fatalf("stored password was not upgraded to bcrypt: %q", u.Password)
		}
	}
}

func TestCreateUserValidation(t *testing.T) {
	manager := NewAuthManager(testSecret, time.Hour, memory.New())

	if _, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "x",
		Password: "long-enough-pass",
		Role:     "superuser",
	}); err == nil {
		t.Fatalf("unknown role must be rejected")
	}

	user, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "dsr-citra",
		Password: "citra-secret-1",
		Role:     domain.RoleDSR,
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Password != "" {
		t.Fatalf("returned user must not carry the password hash")
	}
}
