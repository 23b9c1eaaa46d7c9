package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/toolnav/internal/model"
	"github.com/xxxsen/toolnav/internal/pkg/dbutil"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
)

const verificationTable = "verification_codes"

var verificationFields = []string{"id", "email", "purpose", "code_hash", "used", "used_at", "send_count", "last_send_at", "ctime", "expires_at"}

// CodeWriter is the set of writes issuance performs while holding the pair lock.
type CodeWriter interface {
	LastSendAt(ctx context.Context, email, purpose string) (int64, error)
	InvalidateUnused(ctx context.Context, email, purpose string, usedAt int64) (int64, error)
	Create(ctx context.Context, code *model.VerificationCode) error
	RecordSend(ctx context.Context, id string, at int64) error
}

// EmailVerificationRepo stores issued verification codes. A repo returned to
// an Atomic callback is bound to that transaction.
type EmailVerificationRepo struct {
	db *sql.DB
	q  dbutil.Querier
}

func NewEmailVerificationRepo(db *sql.DB) *EmailVerificationRepo {
	return &EmailVerificationRepo{db: db, q: db}
}

// Atomic serializes every writer of one (email, purpose) pair behind a
// transaction-scoped advisory lock.
func (r *EmailVerificationRepo) Atomic(ctx context.Context, email, purpose string, fn func(ctx context.Context, w CodeWriter) error) error {
	return dbutil.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := dbutil.AdvisoryLock(ctx, tx, "verification:"+purpose+":"+email); err != nil {
			return err
		}
		return fn(ctx, &EmailVerificationRepo{db: r.db, q: tx})
	})
}

func (r *EmailVerificationRepo) Create(ctx context.Context, code *model.VerificationCode) error {
	data := map[string]interface{}{
		"id":           code.ID,
		"email":        code.Email,
		"purpose":      code.Purpose,
		"code_hash":    code.CodeHash,
		"used":         code.Used,
		"used_at":      code.UsedAt,
		"send_count":   code.SendCount,
		"last_send_at": code.LastSendAt,
		"ctime":        code.Ctime,
		"expires_at":   code.ExpiresAt,
	}
	sqlStr, args, err := builder.BuildInsert(verificationTable, []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

// ListActive returns unused, unexpired codes for the pair, newest first.
func (r *EmailVerificationRepo) ListActive(ctx context.Context, email, purpose string, now int64) ([]*model.VerificationCode, error) {
	where := map[string]interface{}{
		"email":        email,
		"purpose":      purpose,
		"used":         0,
		"expires_at >": now,
		"_orderby":     "ctime desc, id desc",
	}
	sqlStr, args, err := builder.BuildSelect(verificationTable, where, verificationFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	items := make([]*model.VerificationCode, 0, 1)
	for rows.Next() {
		var code model.VerificationCode
		if err := rows.Scan(&code.ID, &code.Email, &code.Purpose, &code.CodeHash, &code.Used, &code.UsedAt,
			&code.SendCount, &code.LastSendAt, &code.Ctime, &code.ExpiresAt); err != nil {
			return nil, err
		}
		items = append(items, &code)
	}
	return items, rows.Err()
}

// LastSendAt returns the most recent send time for the pair, or 0.
func (r *EmailVerificationRepo) LastSendAt(ctx context.Context, email, purpose string) (int64, error) {
	sqlStr, args := dbutil.Finalize(
		"SELECT COALESCE(MAX(last_send_at), 0) FROM verification_codes WHERE email = ? AND purpose = ?",
		[]interface{}{email, purpose},
	)
	var last int64
	if err := r.q.QueryRowContext(ctx, sqlStr, args...).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}

// InvalidateUnused soft-deletes every unused code of the pair.
func (r *EmailVerificationRepo) InvalidateUnused(ctx context.Context, email, purpose string, usedAt int64) (int64, error) {
	where := map[string]interface{}{"email": email, "purpose": purpose, "used": 0}
	update := map[string]interface{}{"used": 1, "used_at": usedAt}
	sqlStr, args, err := builder.BuildUpdate(verificationTable, where, update)
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *EmailVerificationRepo) RecordSend(ctx context.Context, id string, at int64) error {
	sqlStr, args := dbutil.Finalize(
		"UPDATE verification_codes SET last_send_at = ?, send_count = send_count + 1 WHERE id = ?",
		[]interface{}{at, id},
	)
	result, err := r.q.ExecContext(ctx, sqlStr, args...)
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

// MarkUsed flips one unused code to used. It reports false when the code was
// already used, which lets concurrent consumers agree on a single winner.
func (r *EmailVerificationRepo) MarkUsed(ctx context.Context, id string, usedAt int64) (bool, error) {
	where := map[string]interface{}{"id": id, "used": 0}
	update := map[string]interface{}{"used": 1, "used_at": usedAt}
	sqlStr, args, err := builder.BuildUpdate(verificationTable, where, update)
	if err != nil {
		return false, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteExpired removes codes past expiry or created before the retention cutoff.
func (r *EmailVerificationRepo) DeleteExpired(ctx context.Context, now, createdBefore int64) (int64, error) {
	sqlStr, args := dbutil.Finalize(
		"DELETE FROM verification_codes WHERE expires_at <= ? OR ctime < ?",
		[]interface{}{now, createdBefore},
	)
	result, err := r.q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
