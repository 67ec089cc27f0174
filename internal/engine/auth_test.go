package engine_test

import (
	"errors"
	"testing"
	"time"

	"bugline/internal/domain"
	"bugline/internal/engine"
)

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name     string
		username string
		email    string
		password string
	}{
		{"short username", "ab", "a@b.co", "Password1"},
		{"bad chars", "no spaces", "a@b.co", "Password1"},
		{"bad email", "validname", "not-an-email", "Password1"},
		{"short password", "validname", "a@b.co", "Pw1"},
		{"no digit", "validname", "a@b.co", "Passwords"},
		{"no upper", "validname", "a@b.co", "password1"},
	}
	for _, tc := range cases {
		_, err := env.Engine.Register(env.Ctx, tc.username, tc.email, tc.password, "")
		var verr engine.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}

func TestRegisterConflicts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Register(env.Ctx, "dev1", "fresh@example.com", "Password1", "")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) || conflict.Field != "username" {
		t.Fatalf("expected username conflict, got %v", err)
	}
	_, err = env.Engine.Register(env.Ctx, "freshname", "dev1@example.com", "Password1", "")
	if !errors.As(err, &conflict) || conflict.Field != "email" {
		t.Fatalf("expected email conflict, got %v", err)
	}
}

func TestLoginByUsernameAndEmail(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1"); err != nil {
		t.Fatalf("login by username: %v", err)
	}
	pair, user, err := env.Engine.Login(env.Ctx, "dev1@example.com", "Password1")
	if err != nil {
		t.Fatalf("login by email: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("empty token pair")
	}
	if user.LastLogin != nil && *user.LastLogin == "" {
		t.Fatalf("last_login not set")
	}
	if _, _, err := env.Engine.Login(env.Ctx, "dev1", "WrongPass1"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := env.Engine.Login(env.Ctx, "ghost", "Password1"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
}

func TestAccountLockout(t *testing.T) {
	env := newTestEnv(t)
	var lastErr error
	for i := 0; i < env.Engine.Config.Auth.MaxLoginFails; i++ {
		_, _, lastErr = env.Engine.Login(env.Ctx, "dev1", "WrongPass1")
	}
	var locked engine.LockedError
	if !errors.As(lastErr, &locked) {
		t.Fatalf("expected LockedError on final attempt, got %v", lastErr)
	}
	// correct password is still rejected while locked
	_, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1")
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	// after the lockout window the account works again
	env.Engine.Now = func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(env.Engine.Config.Auth.LockoutDuration + time.Minute)
	}
	if _, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1"); err != nil {
		t.Fatalf("login after lockout: %v", err)
	}
}

func TestAuthenticateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	pair, user, err := env.Engine.Login(env.Ctx, "dev1", "Password1")
	if err != nil {
		t.Fatal(err)
	}
	p, claims, err := env.Engine.Authenticate(env.Ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.UserID != user.ID || p.Role != domain.RoleDeveloper {
		t.Fatalf("principal = %+v", p)
	}
	if claims.SessionID == "" {
		t.Fatalf("missing session id")
	}
	// refresh token is not an access token
	if _, _, err := env.Engine.Authenticate(env.Ctx, pair.RefreshToken); !errors.Is(err, engine.ErrTokenInvalid) {
		t.Fatalf("expected token invalid for refresh token, got %v", err)
	}
	if _, _, err := env.Engine.Authenticate(env.Ctx, "garbage"); !errors.Is(err, engine.ErrTokenInvalid) {
		t.Fatalf("expected token invalid for garbage, got %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	pair, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1")
	if err != nil {
		t.Fatal(err)
	}
	next, err := env.Engine.Refresh(env.Ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.AccessToken == "" || next.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected rotated pair")
	}
	// old refresh token is dead after rotation
	if _, err := env.Engine.Refresh(env.Ctx, pair.RefreshToken); !errors.Is(err, engine.ErrTokenInvalid) {
		t.Fatalf("expected rotated token rejected, got %v", err)
	}
	// the new one still works
	if _, err := env.Engine.Refresh(env.Ctx, next.RefreshToken); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	// an access token cannot refresh
	if _, err := env.Engine.Refresh(env.Ctx, next.AccessToken); !errors.Is(err, engine.ErrTokenInvalid) {
		t.Fatalf("expected access token rejected, got %v", err)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	env := newTestEnv(t)
	pair, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1")
	if err != nil {
		t.Fatal(err)
	}
	_, claims, err := env.Engine.Authenticate(env.Ctx, pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Logout(env.Ctx, claims, pair.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, _, err := env.Engine.Authenticate(env.Ctx, pair.AccessToken); !errors.Is(err, engine.ErrTokenInvalid) {
		t.Fatalf("expected revoked access token, got %v", err)
	}
	if _, err := env.Engine.Refresh(env.Ctx, pair.RefreshToken); !errors.Is(err, engine.ErrTokenInvalid) {
		t.Fatalf("expected revoked refresh token, got %v", err)
	}
}

func TestLogoutAllDropsSessions(t *testing.T) {
	env := newTestEnv(t)
	a, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1")
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1")
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.LogoutAll(env.Ctx, env.Developer)
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if n != 2 {
		t.Fatalf("dropped %d sessions, want 2", n)
	}
	for _, token := range []string{a.RefreshToken, b.RefreshToken} {
		if _, err := env.Engine.Refresh(env.Ctx, token); !errors.Is(err, engine.ErrTokenInvalid) {
			t.Fatalf("expected refresh rejected after logout-all, got %v", err)
		}
	}
}

func TestPurgeExpiredAuth(t *testing.T) {
	env := newTestEnv(t)
	pair, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1")
	if err != nil {
		t.Fatal(err)
	}
	_, claims, err := env.Engine.Authenticate(env.Ctx, pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	// revokes both tokens and leaves blacklist rows behind
	if err := env.Engine.Logout(env.Ctx, claims, pair.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1"); err != nil {
		t.Fatal(err)
	}
	sessions, revoked, err := env.Engine.PurgeExpiredAuth(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sessions != 0 || revoked != 0 {
		t.Fatalf("purged %d/%d before expiry, want 0/0", sessions, revoked)
	}
	// a month later everything has expired
	env.Engine.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	sessions, revoked, err = env.Engine.PurgeExpiredAuth(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sessions != 1 {
		t.Fatalf("purged %d sessions, want 1", sessions)
	}
	if revoked != 2 {
		t.Fatalf("purged %d revocations, want 2", revoked)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ChangePassword(env.Ctx, env.Developer, "WrongPass1", "NewPassword1"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected current password check, got %v", err)
	}
	if err := env.Engine.ChangePassword(env.Ctx, env.Developer, "Password1", "weak"); err == nil {
		t.Fatalf("expected validation error for weak password")
	}
	pair, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ChangePassword(env.Ctx, env.Developer, "Password1", "NewPassword1"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("old password should fail, got %v", err)
	}
	if _, _, err := env.Engine.Login(env.Ctx, "dev1", "NewPassword1"); err != nil {
		t.Fatalf("new password login: %v", err)
	}
	// sessions from before the change are dropped
	if _, err := env.Engine.Refresh(env.Ctx, pair.RefreshToken); !errors.Is(err, engine.ErrTokenInvalid) {
		t.Fatalf("expected old session rejected, got %v", err)
	}
}

func TestInactiveUserCannotLogin(t *testing.T) {
	env := newTestEnv(t)
	inactive := false
	if _, err := env.Engine.UpdateUser(env.Ctx, env.Admin, env.Developer.UserID, engine.UserUpdateOptions{IsActive: &inactive}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Login(env.Ctx, "dev1", "Password1"); !errors.Is(err, engine.ErrAccountInactive) {
		t.Fatalf("expected inactive error, got %v", err)
	}
}
