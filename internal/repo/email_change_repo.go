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

const emailChangeTable = "email_change_revocations"

var emailChangeFields = []string{"id", "user_id", "old_email", "new_email", "status", "token_hash", "expires_at",
	"confirmed_at", "revoked_at", "client_ip", "user_agent", "ctime", "mtime"}

const selectEmailChangeByTokenForUpdate = "SELECT id, user_id, old_email, new_email, status, token_hash, expires_at, " +
	"confirmed_at, revoked_at, client_ip, user_agent, ctime, mtime FROM email_change_revocations WHERE token_hash = ? FOR UPDATE"

type EmailChangeRepo struct {
	db *sql.DB
}

func NewEmailChangeRepo(db *sql.DB) *EmailChangeRepo {
	return &EmailChangeRepo{db: db}
}

func scanEmailChange(row rowScanner) (*model.EmailChange, error) {
	var item model.EmailChange
	if err := row.Scan(&item.ID, &item.UserID, &item.OldEmail, &item.NewEmail, &item.Status, &item.TokenHash,
		&item.ExpiresAt, &item.ConfirmedAt, &item.RevokedAt, &item.ClientIP, &item.UserAgent, &item.Ctime, &item.Mtime); err != nil {
		return nil, err
	}
	return &item, nil
}

// Apply switches the account to change.NewEmail and inserts the pending
// revocation record in one transaction, so no reader sees one without the
// other. An account holds at most one revocable change at a time.
func (r *EmailChangeRepo) Apply(ctx context.Context, change *model.EmailChange) error {
	return dbutil.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		sqlStr, args := dbutil.Finalize(selectUserForUpdate, []interface{}{change.UserID})
		user, err := scanUser(tx.QueryRowContext(ctx, sqlStr, args...))
		if err != nil {
			return err
		}
		if user.Email != change.OldEmail {
			return appErr.ErrConflict
		}
		pending, err := countPending(ctx, tx, change.UserID, change.Ctime)
		if err != nil {
			return err
		}
		if pending > 0 {
			return appErr.ErrChangePending
		}
		if err := setUserEmail(ctx, tx, change.UserID, change.NewEmail, change.Ctime); err != nil {
			return err
		}
		data := map[string]interface{}{
			"id":           change.ID,
			"user_id":      change.UserID,
			"old_email":    change.OldEmail,
			"new_email":    change.NewEmail,
			"status":       int(change.Status),
			"token_hash":   change.TokenHash,
			"expires_at":   change.ExpiresAt,
			"confirmed_at": change.ConfirmedAt,
			"revoked_at":   change.RevokedAt,
			"client_ip":    change.ClientIP,
			"user_agent":   change.UserAgent,
			"ctime":        change.Ctime,
			"mtime":        change.Mtime,
		}
		sqlStr, args, err = builder.BuildInsert(emailChangeTable, []map[string]interface{}{data})
		if err != nil {
			return err
		}
		sqlStr, args = dbutil.Finalize(sqlStr, args)
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			if dbutil.IsConflict(err) {
				return appErr.ErrConflict
			}
			return err
		}
		return nil
	})
}

func countPending(ctx context.Context, q dbutil.Querier, userID string, now int64) (int64, error) {
	sqlStr, args := dbutil.Finalize(
		"SELECT COUNT(1) FROM email_change_revocations WHERE user_id = ? AND status = ? AND expires_at >= ?",
		[]interface{}{userID, int(model.EmailChangePending), now},
	)
	var count int64
	if err := q.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// HasPending reports whether the user has a change that can still be revoked.
func (r *EmailChangeRepo) HasPending(ctx context.Context, userID string, now int64) (bool, error) {
	count, err := countPending(ctx, r.db, userID, now)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func setUserEmail(ctx context.Context, tx *sql.Tx, userID, email string, mtime int64) error {
	where := map[string]interface{}{"id": userID}
	update := map[string]interface{}{"email": email, "mtime": mtime}
	sqlStr, args, err := builder.BuildUpdate("users", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrValueInUse
		}
		return err
	}
	return nil
}

// restoreEmail puts the old address back and ends the account's sessions.
// It refuses when the account no longer holds the address the change set.
func restoreEmail(ctx context.Context, tx *sql.Tx, change *model.EmailChange) error {
	sqlStr, args := dbutil.Finalize(selectUserForUpdate, []interface{}{change.UserID})
	user, err := scanUser(tx.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		return err
	}
	if user.Email != change.NewEmail {
		return appErr.ErrTokenNotFound
	}
	sqlStr, args = dbutil.Finalize(
		"UPDATE users SET email = ?, session_version = session_version + 1, mtime = ? WHERE id = ?",
		[]interface{}{change.OldEmail, change.Mtime, change.UserID},
	)
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrValueInUse
		}
		return err
	}
	return nil
}

// UpdateByToken locks the record matching tokenHash and hands it to fn. A
// status change made by fn is persisted; a change to revoked also restores
// the account's old email. Returns ErrTokenNotFound for unknown tokens.
func (r *EmailChangeRepo) UpdateByToken(ctx context.Context, tokenHash string, fn func(change *model.EmailChange) error) (*model.EmailChange, error) {
	var out *model.EmailChange
	err := dbutil.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		sqlStr, args := dbutil.Finalize(selectEmailChangeByTokenForUpdate, []interface{}{tokenHash})
		item, err := scanEmailChange(tx.QueryRowContext(ctx, sqlStr, args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErr.ErrTokenNotFound
			}
			return err
		}
		prev := item.Status
		if err := fn(item); err != nil {
			return err
		}
		out = item
		if item.Status == prev {
			return nil
		}
		if item.Status == model.EmailChangeRevoked {
			if err := restoreEmail(ctx, tx, item); err != nil {
				return err
			}
		}
		where := map[string]interface{}{"id": item.ID, "status": int(prev)}
		update := map[string]interface{}{
			"status":       int(item.Status),
			"confirmed_at": item.ConfirmedAt,
			"revoked_at":   item.RevokedAt,
			"mtime":        item.Mtime,
		}
		sqlStr, args, err = builder.BuildUpdate(emailChangeTable, where, update)
		if err != nil {
			return err
		}
		sqlStr, args = dbutil.Finalize(sqlStr, args)
		_, err = tx.ExecContext(ctx, sqlStr, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *EmailChangeRepo) ListByUser(ctx context.Context, userID string, limit uint) ([]*model.EmailChange, error) {
	where := map[string]interface{}{
		"user_id":  userID,
		"_orderby": "ctime desc, id desc",
		"_limit":   []uint{0, limit},
	}
	sqlStr, args, err := builder.BuildSelect(emailChangeTable, where, emailChangeFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	items := make([]*model.EmailChange, 0)
	for rows.Next() {
		item, err := scanEmailChange(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// IsReserved reports whether email is the old address of a change that can
// still be revoked. Such an address must stay free for the restore.
func (r *EmailChangeRepo) IsReserved(ctx context.Context, email string, now int64) (bool, error) {
	sqlStr, args := dbutil.Finalize(
		"SELECT COUNT(1) FROM email_change_revocations WHERE old_email = ? AND status = ? AND expires_at >= ?",
		[]interface{}{email, int(model.EmailChangePending), now},
	)
	var count int64
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ConfirmExpired settles every pending record whose window closed before now.
func (r *EmailChangeRepo) ConfirmExpired(ctx context.Context, now int64) (int64, error) {
	sqlStr, args := dbutil.Finalize(
		"UPDATE email_change_revocations SET status = ?, confirmed_at = ?, mtime = ? WHERE status = ? AND expires_at < ?",
		[]interface{}{int(model.EmailChangeConfirmed), now, now, int(model.EmailChangePending), now},
	)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ConfirmOne settles a single record if it is still pending and expired.
func (r *EmailChangeRepo) ConfirmOne(ctx context.Context, id string, now int64) (bool, error) {
	sqlStr, args := dbutil.Finalize(
		"UPDATE email_change_revocations SET status = ?, confirmed_at = ?, mtime = ? WHERE id = ? AND status = ? AND expires_at < ?",
		[]interface{}{int(model.EmailChangeConfirmed), now, now, id, int(model.EmailChangePending), now},
	)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
