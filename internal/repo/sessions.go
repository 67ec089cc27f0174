package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"bugline/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for a token identifier.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,user_id,refresh_hash,expires_at,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.UserID, s.RefreshHash, s.ExpiresAt, s.CreatedAt)
	return err
}

// GetSessionByRefreshHash returns the session holding the given refresh digest.
func (r Repo) GetSessionByRefreshHash(ctx context.Context, tx *sql.Tx, hash string) (domain.Session, error) {
	var s domain.Session
	err := tx.QueryRowContext(ctx, `SELECT id,user_id,refresh_hash,expires_at,created_at FROM sessions WHERE refresh_hash=?`, hash).
		Scan(&s.ID, &s.UserID, &s.RefreshHash, &s.ExpiresAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// RotateSession swaps the stored refresh digest and extends expiry.
func (r Repo) RotateSession(ctx context.Context, tx *sql.Tx, sessionID, newHash, expiresAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET refresh_hash=?, expires_at=? WHERE id=?`, newHash, expiresAt, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, sessionID)
	return err
}

// DeleteUserSessions removes every session for the user. Returns the count removed.
func (r Repo) DeleteUserSessions(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id=?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpiredSessions removes sessions whose expiry is at or before now.
func (r Repo) PurgeExpiredSessions(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RevokeToken blacklists a token ID until its natural expiry.
func (r Repo) RevokeToken(ctx context.Context, tx *sql.Tx, jti, expiresAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO revoked_tokens(jti,expires_at) VALUES (?,?)`, jti, expiresAt)
	return err
}

// TokenRevoked reports whether the token ID is blacklisted.
func (r Repo) TokenRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM revoked_tokens WHERE jti=?`, jti).Scan(&n)
	return n > 0, err
}

// PurgeExpiredRevocations drops blacklist rows past their expiry.
func (r Repo) PurgeExpiredRevocations(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
