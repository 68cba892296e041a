package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"waves/internal/models"
	"waves/internal/storage"
)

func newTestService(t *testing.T) (*AuthService, *storage.BboltStorage) {
	t.Helper()

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc, err := NewAuthService(ctx, Config{TokenExpiry: time.Hour, Secret: "test-secret"}, store)
	if err != nil {
		t.Fatal(err)
	}
	return svc, store
}

func TestSignup(t *testing.T) {
	svc, _ := newTestService(t)

	t.Run("Registered", func(t *testing.T) {
		resp, err := svc.Signup(SignupRequest{
			UserName: "alice",
			Password: "s3cret-pw",
			Color:    "#ff0000",
		})
		if err != nil {
			t.Fatalf("Signup failed: %v", err)
		}
		if !resp.Success || resp.Token == "" || resp.User == nil {
			t.Fatalf("got %+v", resp)
		}
		if resp.User.IsAnonymous {
			t.Error("registered user flagged anonymous")
		}
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		_, err := svc.Signup(SignupRequest{
			UserName: "alice",
			Password: "another-pw",
			Color:    "#00ff00",
		})
		if !errors.Is(err, ErrUserExists) {
			t.Errorf("expected ErrUserExists, got %v", err)
		}
	})

	t.Run("Anonymous", func(t *testing.T) {
		resp, err := svc.Signup(SignupRequest{
			UserName:    "drifter",
			Color:       "#0000ff",
			IsAnonymous: true,
		})
		if err != nil {
			t.Fatalf("anonymous signup failed: %v", err)
		}
		if !resp.User.IsAnonymous {
			t.Error("expected anonymous flag")
		}
		// Anonymous accounts are short-lived compared to registered ones.
		if resp.User.ExpiresAt.Sub(resp.User.CreatedAt) >= 8*24*time.Hour {
			t.Errorf("anonymous TTL too long: %v", resp.User.ExpiresAt.Sub(resp.User.CreatedAt))
		}
	})

	t.Run("ShortPassword", func(t *testing.T) {
		if _, err := svc.Signup(SignupRequest{UserName: "bob", Password: "tiny", Color: "#ffffff"}); err == nil {
			t.Error("expected short password rejection")
		}
	})

	t.Run("BadUsername", func(t *testing.T) {
		if _, err := svc.Signup(SignupRequest{UserName: "no spaces!", Password: "s3cret-pw", Color: "#ffffff"}); err == nil {
			t.Error("expected username validation failure")
		}
	})

	t.Run("BadColor", func(t *testing.T) {
		if _, err := svc.Signup(SignupRequest{UserName: "carol", Password: "s3cret-pw", Color: "red"}); err == nil {
			t.Error("expected color validation failure")
		}
	})
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Signup(SignupRequest{UserName: "alice", Password: "s3cret-pw", Color: "#ff0000"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Signup(SignupRequest{UserName: "drifter", Color: "#0000ff", IsAnonymous: true}); err != nil {
		t.Fatal(err)
	}

	t.Run("CorrectPassword", func(t *testing.T) {
		resp, err := svc.Login(LoginRequest{UserName: "alice", Password: "s3cret-pw"})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if resp.Token == "" {
			t.Error("no token issued")
		}

		id, err := svc.GetUserID(resp.Token)
		if err != nil || id != resp.User.ID {
			t.Errorf("token does not resolve: %v", err)
		}
	})

	t.Run("WrongPassword", func(t *testing.T) {
		if _, err := svc.Login(LoginRequest{UserName: "alice", Password: "wrong"}); err == nil {
			t.Error("expected login failure")
		}
	})

	t.Run("AnonymousByNameAlone", func(t *testing.T) {
		resp, err := svc.Login(LoginRequest{UserName: "drifter"})
		if err != nil {
			t.Fatalf("anonymous login failed: %v", err)
		}
		if resp.User.UserName != "drifter" {
			t.Errorf("got %+v", resp.User)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		if _, err := svc.Login(LoginRequest{UserName: "nobody"}); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestTokenLifecycle(t *testing.T) {
	svc, store := newTestService(t)

	resp, err := svc.Signup(SignupRequest{UserName: "alice", Password: "s3cret-pw", Color: "#ff0000"})
	if err != nil {
		t.Fatal(err)
	}

	user, err := svc.GetUser(resp.Token)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.UserName != "alice" {
		t.Errorf("got %+v", user)
	}

	if err := svc.Logoff(resp.Token); err != nil {
		t.Fatalf("Logoff failed: %v", err)
	}
	if _, err := svc.GetUserID(resp.Token); err == nil {
		t.Error("token must be dead after logoff")
	}

	resp, err = svc.Login(LoginRequest{UserName: "alice", Password: "s3cret-pw"})
	if err != nil {
		t.Fatal(err)
	}

	// Tokens are signed with the configured secret; a tampered or unsigned
	// token fails before the live-token cache is even consulted.
	t.Run("TamperedTokenRejected", func(t *testing.T) {
		id, _, ok := strings.Cut(resp.Token, ".")
		if !ok {
			t.Fatalf("token %q has no signature part", resp.Token)
		}
		if _, err := svc.GetUserID(id + ".forged-signature"); err == nil {
			t.Error("tampered token accepted")
		}
		if _, err := svc.GetUserID(id); err == nil {
			t.Error("unsigned token accepted")
		}
	})

	t.Run("DifferentSecretRejects", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		other, err := NewAuthService(ctx, Config{TokenExpiry: time.Hour, Secret: "another-secret"}, store)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := other.GetUserID(resp.Token); err == nil {
			t.Error("token signed with a different secret accepted")
		}
	})

	// A fresh service instance loads credentials lazily from storage.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc2, err := NewAuthService(ctx, Config{TokenExpiry: time.Hour, Secret: "test-secret"}, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc2.Login(LoginRequest{UserName: "alice", Password: "s3cret-pw"}); err != nil {
		t.Errorf("login against persisted credentials failed: %v", err)
	}
}
