package services

import (
	"context"
	"testing"

	"github.com/pesabridge/escrow-backend/internal/models"
)

func TestRegister(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	u, err := e.accounts.Register(ctx, RegisterInput{Name: "Amina", Phone: "+254 700-000-001", Role: models.RoleSender})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.PhoneCipher == "" || u.PhoneIndex == "" {
		t.Fatal("phone not protected")
	}
	plain, err := e.cipher.Decrypt(u.PhoneCipher)
	if err != nil || plain != "+254700000001" {
		t.Errorf("decrypt = %q, %v; want normalized phone", plain, err)
	}

	t.Run("duplicate phone", func(t *testing.T) {
		// Same number, different formatting.
		if _, err := e.accounts.Register(ctx, RegisterInput{Name: "Imposter", Phone: "+254700000001", Role: models.RoleSender}); err == nil {
			t.Fatal("expected duplicate rejection")
		}
	})

	t.Run("short phone", func(t *testing.T) {
		if _, err := e.accounts.Register(ctx, RegisterInput{Name: "Bob", Phone: "123", Role: models.RoleSender}); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("short name", func(t *testing.T) {
		if _, err := e.accounts.Register(ctx, RegisterInput{Name: "x", Phone: "+254700000009", Role: models.RoleSender}); err == nil {
			t.Fatal("expected validation error")
		}
	})
}

func TestLoginIssuesVerifiableTokens(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.register(t, "Amina", "+254700000001", models.RoleSender)

	got, pair, err := e.accounts.Login(ctx, "+254 700 000 001")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("logged in as %s, want %s", got.ID, u.ID)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token pair")
	}

	t.Run("unknown phone", func(t *testing.T) {
		if _, _, err := e.accounts.Login(ctx, "+254799999999"); err == nil {
			t.Fatal("expected lookup failure")
		}
	})

	t.Run("refresh rotates the pair", func(t *testing.T) {
		next, err := e.accounts.Refresh(ctx, pair.RefreshToken)
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if next.AccessToken == "" {
			t.Fatal("empty access token after refresh")
		}
	})
}
