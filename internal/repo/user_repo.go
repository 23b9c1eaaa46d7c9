package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/toolnav/internal/model"
	"github.com/xxxsen/toolnav/internal/pkg/dbutil"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
)

var userFields = []string{"id", "email", "password_hash", "status", "failed_login_count", "locked_until", "last_login_at",
	"session_version", "ctime", "mtime"}

const selectUserForUpdate = "SELECT id, email, password_hash, status, failed_login_count, locked_until, last_login_at, " +
	"session_version, ctime, mtime FROM users WHERE id = ? FOR UPDATE"

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var user model.User
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Status, &user.FailedCount,
		&user.LockedUntil, &user.LastLoginAt, &user.SessionVersion, &user.Ctime, &user.Mtime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepo) Create(ctx context.Context, user *model.User) error {
	data := map[string]interface{}{
		"id":                 user.ID,
		"email":              user.Email,
		"password_hash":      user.PasswordHash,
		"status":             user.Status,
		"failed_login_count": user.FailedCount,
		"locked_until":       user.LockedUntil,
		"last_login_at":      user.LastLoginAt,
		"session_version":    user.SessionVersion,
		"ctime":              user.Ctime,
		"mtime":              user.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("users", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *UserRepo) getOne(ctx context.Context, where map[string]interface{}) (*model.User, error) {
	sqlStr, args, err := builder.BuildSelect("users", where, userFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	return scanUser(r.db.QueryRowContext(ctx, sqlStr, args...))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getOne(ctx, map[string]interface{}{"email": email})
}

func (r *UserRepo) GetByID(ctx context.Context, userID string) (*model.User, error) {
	return r.getOne(ctx, map[string]interface{}{"id": userID})
}

// UpdatePassword replaces the password hash and ends every session issued
// before the change.
func (r *UserRepo) UpdatePassword(ctx context.Context, userID, passwordHash string, mtime int64) error {
	sqlStr, args := dbutil.Finalize(
		"UPDATE users SET password_hash = ?, session_version = session_version + 1, mtime = ? WHERE id = ?",
		[]interface{}{passwordHash, mtime, userID},
	)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

// UpdateLoginState locks the user row, lets fn mutate the login state and
// writes it back in the same transaction. An error from fn aborts without
// writing.
func (r *UserRepo) UpdateLoginState(ctx context.Context, userID string, mtime int64, fn func(user *model.User) error) (*model.User, error) {
	var updated *model.User
	err := dbutil.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		sqlStr, args := dbutil.Finalize(selectUserForUpdate, []interface{}{userID})
		user, err := scanUser(tx.QueryRowContext(ctx, sqlStr, args...))
		if err != nil {
			return err
		}
		if err := fn(user); err != nil {
			return err
		}
		where := map[string]interface{}{"id": userID}
		update := map[string]interface{}{
			"failed_login_count": user.FailedCount,
			"locked_until":       user.LockedUntil,
			"last_login_at":      user.LastLoginAt,
			"mtime":              mtime,
		}
		sqlStr, args, err = builder.BuildUpdate("users", where, update)
		if err != nil {
			return err
		}
		sqlStr, args = dbutil.Finalize(sqlStr, args)
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return err
		}
		user.Mtime = mtime
		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
