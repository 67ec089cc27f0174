package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"bugline/internal/domain"
	"bugline/internal/events"
	"bugline/internal/repo"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrTokenInvalid       = errors.New("token is invalid or expired")
)

// LockedError carries the lockout deadline for the error envelope.
type LockedError struct {
	Until string
}

func (e LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until)
}

// Claims are the JWT claims minted for both token types.
type Claims struct {
	Role      domain.Role `json:"role"`
	SessionID string      `json:"sid"`
	TokenType string      `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is the result of login and refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

func (e Engine) mintToken(user domain.User, sessionID, tokenType string, ttl time.Duration) (string, *Claims, error) {
	now := e.now().UTC()
	claims := &Claims{
		Role:      user.Role,
		SessionID: sessionID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e.Config.Auth.JWTSecret))
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// ParseToken verifies signature and expiry and returns the claims.
func (e Engine) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(e.Config.Auth.JWTSecret), nil
	}, jwt.WithTimeFunc(e.now))
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (e Engine) issuePair(ctx context.Context, user domain.User) (TokenPair, error) {
	now := e.now().UTC()
	sessionID := uuid.New().String()
	accessToken, _, err := e.mintToken(user, sessionID, tokenTypeAccess, e.Config.Auth.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, refreshClaims, err := e.mintToken(user, sessionID, tokenTypeRefresh, e.Config.Auth.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TokenPair{}, err
	}
	defer tx.Rollback()
	session := domain.Session{
		ID:          sessionID,
		UserID:      user.ID,
		RefreshHash: repo.HashToken(refreshClaims.ID),
		ExpiresAt:   now.Add(e.Config.Auth.RefreshTTL).Format(time.RFC3339),
		CreatedAt:   now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertSession(ctx, tx, session); err != nil {
		return TokenPair{}, err
	}
	if err := e.Repo.RecordLoginSuccess(ctx, tx, user.ID, now.Format(time.RFC3339)); err != nil {
		return TokenPair{}, err
	}
	if err := tx.Commit(); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(e.Config.Auth.AccessTTL.Seconds()),
	}, nil
}

// Register creates a new user account. Role defaults to developer.
func (e Engine) Register(ctx context.Context, username, email, password string, role domain.Role) (domain.User, error) {
	if err := validateUsername(username); err != nil {
		return domain.User{}, err
	}
	if err := validateEmail(email); err != nil {
		return domain.User{}, err
	}
	if err := validatePassword(password); err != nil {
		return domain.User{}, err
	}
	if role == "" {
		role = domain.RoleDeveloper
	}
	if !role.Valid() {
		return domain.User{}, ValidationError{"role", "unknown role"}
	}
	if _, err := e.Repo.GetUserByUsername(ctx, username); err == nil {
		return domain.User{}, ConflictError{"username"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	if _, err := e.Repo.GetUserByEmail(ctx, email); err == nil {
		return domain.User{}, ConflictError{"email"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), e.Config.Auth.BcryptCost)
	if err != nil {
		return domain.User{}, err
	}
	now := e.nowStr()
	u := domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, events.UserRegistered, "", "user", u.ID, u.ID, events.EventPayload{"username": u.Username, "role": u.Role}); err != nil {
		return u, err
	}
	return u, tx.Commit()
}

// Login authenticates by username or email and issues a token pair. Repeated
// failures lock the account for the configured duration.
func (e Engine) Login(ctx context.Context, login, password string) (TokenPair, domain.User, error) {
	user, err := e.Repo.GetUserByUsername(ctx, login)
	if errors.Is(err, repo.ErrNotFound) {
		user, err = e.Repo.GetUserByEmail(ctx, login)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return TokenPair{}, domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, domain.User{}, err
	}
	now := e.now().UTC()
	if user.LockedUntil != nil {
		until, perr := time.Parse(time.RFC3339, *user.LockedUntil)
		if perr == nil && now.Before(until) {
			return TokenPair{}, user, LockedError{Until: *user.LockedUntil}
		}
	}
	if !user.IsActive {
		return TokenPair{}, user, ErrAccountInactive
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		attempts := user.FailedLoginAttempts + 1
		var lockedUntil *string
		if attempts >= e.Config.Auth.MaxLoginFails {
			until := now.Add(e.Config.Auth.LockoutDuration).Format(time.RFC3339)
			lockedUntil = &until
			attempts = 0
		}
		tx, terr := e.DB.BeginTx(ctx, nil)
		if terr != nil {
			return TokenPair{}, user, terr
		}
		defer tx.Rollback()
		if terr := e.Repo.RecordLoginFailure(ctx, tx, user.ID, attempts, lockedUntil); terr != nil {
			return TokenPair{}, user, terr
		}
		if terr := tx.Commit(); terr != nil {
			return TokenPair{}, user, terr
		}
		if lockedUntil != nil {
			return TokenPair{}, user, LockedError{Until: *lockedUntil}
		}
		return TokenPair{}, user, ErrInvalidCredentials
	}
	pair, err := e.issuePair(ctx, user)
	if err != nil {
		return TokenPair{}, user, err
	}
	return pair, user, nil
}

// Refresh rotates a refresh token: the old token is blacklisted, the session
// re-keyed, and a fresh pair issued.
func (e Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := e.ParseToken(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return TokenPair{}, ErrTokenInvalid
	}
	revoked, err := e.Repo.TokenRevoked(ctx, claims.ID)
	if err != nil {
		return TokenPair{}, err
	}
	if revoked {
		return TokenPair{}, ErrTokenInvalid
	}
	user, err := e.Repo.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, err
	}
	if !user.IsActive {
		return TokenPair{}, ErrAccountInactive
	}
	now := e.now().UTC()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TokenPair{}, err
	}
	defer tx.Rollback()

	session, err := e.Repo.GetSessionByRefreshHash(ctx, tx, repo.HashToken(claims.ID))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, err
	}
	if exp, perr := time.Parse(time.RFC3339, session.ExpiresAt); perr == nil && now.After(exp) {
		return TokenPair{}, ErrTokenInvalid
	}
	accessToken, _, err := e.mintToken(user, session.ID, tokenTypeAccess, e.Config.Auth.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	newRefresh, newClaims, err := e.mintToken(user, session.ID, tokenTypeRefresh, e.Config.Auth.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := e.Repo.RevokeToken(ctx, tx, claims.ID, claims.ExpiresAt.UTC().Format(time.RFC3339)); err != nil {
		return TokenPair{}, err
	}
	if err := e.Repo.RotateSession(ctx, tx, session.ID, repo.HashToken(newClaims.ID), now.Add(e.Config.Auth.RefreshTTL).Format(time.RFC3339)); err != nil {
		return TokenPair{}, err
	}
	if err := tx.Commit(); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		ExpiresIn:    int(e.Config.Auth.AccessTTL.Seconds()),
	}, nil
}

// Logout blacklists the access token and, when given, the refresh token, and
// removes the session.
func (e Engine) Logout(ctx context.Context, claims *Claims, refreshToken string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeToken(ctx, tx, claims.ID, claims.ExpiresAt.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if refreshToken != "" {
		if rc, err := e.ParseToken(refreshToken); err == nil && rc.TokenType == tokenTypeRefresh {
			if err := e.Repo.RevokeToken(ctx, tx, rc.ID, rc.ExpiresAt.UTC().Format(time.RFC3339)); err != nil {
				return err
			}
		}
	}
	if claims.SessionID != "" {
		if err := e.Repo.DeleteSession(ctx, tx, claims.SessionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LogoutAll drops every session for the user. Returns the session count removed.
func (e Engine) LogoutAll(ctx context.Context, p Principal) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.DeleteUserSessions(ctx, tx, p.UserID)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// PurgeExpiredAuth drops sessions and token revocations past their expiry.
// Returns the counts removed.
func (e Engine) PurgeExpiredAuth(ctx context.Context) (int64, int64, error) {
	now := e.nowStr()
	sessions, err := e.Repo.PurgeExpiredSessions(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	revoked, err := e.Repo.PurgeExpiredRevocations(ctx, now)
	return sessions, revoked, err
}

// ChangePassword verifies the current password, stores a new hash and drops
// every session so other devices must log in again.
func (e Engine) ChangePassword(ctx context.Context, p Principal, current, next string) error {
	user, err := e.Repo.GetUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return ErrInvalidCredentials
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), e.Config.Auth.BcryptCost)
	if err != nil {
		return err
	}
	user.PasswordHash = string(hash)
	user.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUser(ctx, tx, user); err != nil {
		return err
	}
	if _, err := e.Repo.DeleteUserSessions(ctx, tx, user.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// Authenticate validates an access token against the blacklist and the user
// record, returning the request principal.
func (e Engine) Authenticate(ctx context.Context, accessToken string) (Principal, *Claims, error) {
	claims, err := e.ParseToken(accessToken)
	if err != nil {
		return Principal{}, nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return Principal{}, nil, ErrTokenInvalid
	}
	revoked, err := e.Repo.TokenRevoked(ctx, claims.ID)
	if err != nil {
		return Principal{}, nil, err
	}
	if revoked {
		return Principal{}, nil, ErrTokenInvalid
	}
	user, err := e.Repo.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Principal{}, nil, ErrTokenInvalid
		}
		return Principal{}, nil, err
	}
	if !user.IsActive {
		return Principal{}, nil, ErrAccountInactive
	}
	return Principal{UserID: user.ID, Role: user.Role}, claims, nil
}
