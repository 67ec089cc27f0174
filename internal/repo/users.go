package repo

import (
	"context"
	"database/sql"

	"bugline/internal/domain"
)

const userCols = `id,username,email,password_hash,role,is_active,failed_login_attempts,locked_until,last_login,created_at,updated_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var locked, lastLogin sql.NullString
	err := scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.FailedLoginAttempts, &locked, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if locked.Valid {
		u.LockedUntil = &locked.String
	}
	if lastLogin.Valid {
		u.LastLogin = &lastLogin.String
	}
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,username,email,password_hash,role,is_active,failed_login_attempts,locked_until,last_login,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.IsActive, u.FailedLoginAttempts,
		nullableStringPtr(u.LockedUntil), nullableStringPtr(u.LastLogin), u.CreatedAt, u.UpdatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id).Scan)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id).Scan)
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username=?`, username).Scan)
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email=?`, email).Scan)
}

type UserFilters struct {
	Role   domain.Role
	Active *bool
	Page   Page
}

func (r Repo) ListUsers(ctx context.Context, f UserFilters) ([]domain.User, int, error) {
	where := "WHERE 1=1"
	var args []any
	if f.Role != "" {
		where += " AND role=?"
		args = append(args, f.Role)
	}
	if f.Active != nil {
		where += " AND is_active=?"
		args = append(args, *f.Active)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM users `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + userCols + ` FROM users ` + where + ` ORDER BY created_at DESC, id DESC` + f.Page.clause()
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, u)
	}
	return res, total, rows.Err()
}

func (r Repo) UpdateUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET username=?, email=?, password_hash=?, role=?, is_active=?, failed_login_attempts=?, locked_until=?, last_login=?, updated_at=? WHERE id=?`,
		u.Username, u.Email, u.PasswordHash, u.Role, u.IsActive, u.FailedLoginAttempts,
		nullableStringPtr(u.LockedUntil), nullableStringPtr(u.LastLogin), u.UpdatedAt, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLoginFailure bumps the failure counter and sets the lock timestamp when provided.
func (r Repo) RecordLoginFailure(ctx context.Context, tx *sql.Tx, userID string, attempts int, lockedUntil *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET failed_login_attempts=?, locked_until=? WHERE id=?`,
		attempts, nullableStringPtr(lockedUntil), userID)
	return err
}

// RecordLoginSuccess clears failure state and stamps last_login.
func (r Repo) RecordLoginSuccess(ctx context.Context, tx *sql.Tx, userID, at string) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET failed_login_attempts=0, locked_until=NULL, last_login=? WHERE id=?`, at, userID)
	return err
}
