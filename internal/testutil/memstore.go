package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/xxxsen/toolnav/internal/model"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
	"github.com/xxxsen/toolnav/internal/repo"
)

// MemCodeStore keeps verification codes in memory. Atomic holds the store
// lock for the whole callback and restores the previous rows when it fails,
// which is as strict as the postgres advisory lock.
type MemCodeStore struct {
	mu    sync.Mutex
	codes []*model.VerificationCode
	// Err, when set, fails every read.
	Err error
}

func NewMemCodeStore() *MemCodeStore {
	return &MemCodeStore{}
}

func copyCode(c *model.VerificationCode) *model.VerificationCode {
	cp := *c
	return &cp
}

func (s *MemCodeStore) snapshot() []*model.VerificationCode {
	out := make([]*model.VerificationCode, 0, len(s.codes))
	for _, c := range s.codes {
		out = append(out, copyCode(c))
	}
	return out
}

func (s *MemCodeStore) Atomic(ctx context.Context, email, purpose string, fn func(ctx context.Context, w repo.CodeWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := s.snapshot()
	if err := fn(ctx, memCodeWriter{s: s}); err != nil {
		s.codes = backup
		return err
	}
	return nil
}

func (s *MemCodeStore) ListActive(ctx context.Context, email, purpose string, now int64) ([]*model.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*model.VerificationCode, 0)
	for _, c := range s.codes {
		if c.Email == email && c.Purpose == purpose && c.Used == 0 && c.ExpiresAt > now {
			out = append(out, copyCode(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ctime != out[j].Ctime {
			return out[i].Ctime > out[j].Ctime
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemCodeStore) LastSendAt(ctx context.Context, email, purpose string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	return memCodeWriter{s: s}.lastSendAt(email, purpose), nil
}

func (s *MemCodeStore) MarkUsed(ctx context.Context, id string, usedAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.ID == id && c.Used == 0 {
			c.Used = 1
			c.UsedAt = usedAt
			return true, nil
		}
	}
	return false, nil
}

func (s *MemCodeStore) DeleteExpired(ctx context.Context, now, createdBefore int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.codes[:0]
	var removed int64
	for _, c := range s.codes {
		if c.ExpiresAt <= now || c.Ctime < createdBefore {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.codes = kept
	return removed, nil
}

// All returns a copy of every stored code.
func (s *MemCodeStore) All() []*model.VerificationCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// memCodeWriter runs with MemCodeStore.mu already held.
type memCodeWriter struct {
	s *MemCodeStore
}

func (w memCodeWriter) lastSendAt(email, purpose string) int64 {
	var last int64
	for _, c := range w.s.codes {
		if c.Email == email && c.Purpose == purpose && c.LastSendAt > last {
			last = c.LastSendAt
		}
	}
	return last
}

func (w memCodeWriter) LastSendAt(ctx context.Context, email, purpose string) (int64, error) {
	return w.lastSendAt(email, purpose), nil
}

func (w memCodeWriter) InvalidateUnused(ctx context.Context, email, purpose string, usedAt int64) (int64, error) {
	var n int64
	for _, c := range w.s.codes {
		if c.Email == email && c.Purpose == purpose && c.Used == 0 {
			c.Used = 1
			c.UsedAt = usedAt
			n++
		}
	}
	return n, nil
}

func (w memCodeWriter) Create(ctx context.Context, code *model.VerificationCode) error {
	for _, c := range w.s.codes {
		if c.ID == code.ID || (code.Used == 0 && c.Email == code.Email && c.Purpose == code.Purpose && c.Used == 0) {
			return appErr.ErrConflict
		}
	}
	w.s.codes = append(w.s.codes, copyCode(code))
	return nil
}

func (w memCodeWriter) RecordSend(ctx context.Context, id string, sentAt int64) error {
	for _, c := range w.s.codes {
		if c.ID == id {
			c.LastSendAt = sentAt
			c.SendCount++
			return nil
		}
	}
	return appErr.ErrNotFound
}

// MemStore keeps users and email change records in memory behind one lock,
// so Apply and UpdateByToken see the same atomicity the SQL transactions
// give.
type MemStore struct {
	mu      sync.Mutex
	users   map[string]*model.User
	changes []*model.EmailChange
}

func NewMemStore() *MemStore {
	return &MemStore{users: make(map[string]*model.User)}
}

func copyUser(u *model.User) *model.User {
	cp := *u
	return &cp
}

func copyChange(c *model.EmailChange) *model.EmailChange {
	cp := *c
	return &cp
}

func (s *MemStore) userByEmail(email string) *model.User {
	for _, u := range s.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (s *MemStore) Create(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok || s.userByEmail(user.Email) != nil {
		return appErr.ErrConflict
	}
	s.users[user.ID] = copyUser(user)
	return nil
}

func (s *MemStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userByEmail(email)
	if u == nil {
		return nil, appErr.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *MemStore) GetByID(ctx context.Context, userID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *MemStore) UpdatePassword(ctx context.Context, userID, passwordHash string, mtime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return appErr.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.SessionVersion++
	u.Mtime = mtime
	return nil
}

func (s *MemStore) UpdateLoginState(ctx context.Context, userID string, mtime int64, fn func(user *model.User) error) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	work := copyUser(u)
	if err := fn(work); err != nil {
		return nil, err
	}
	u.LoginState = work.LoginState
	u.Mtime = mtime
	return copyUser(u), nil
}

// SetStatus changes an account's status, for tests of disabled accounts.
func (s *MemStore) SetStatus(userID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Status = status
	}
}

func (s *MemStore) Apply(ctx context.Context, change *model.EmailChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[change.UserID]
	if !ok {
		return appErr.ErrNotFound
	}
	if u.Email != change.OldEmail {
		return appErr.ErrConflict
	}
	if s.hasPending(change.UserID, change.Ctime) {
		return appErr.ErrChangePending
	}
	if other := s.userByEmail(change.NewEmail); other != nil {
		return appErr.ErrValueInUse
	}
	for _, c := range s.changes {
		if c.TokenHash == change.TokenHash {
			return appErr.ErrConflict
		}
	}
	u.Email = change.NewEmail
	u.Mtime = change.Ctime
	s.changes = append(s.changes, copyChange(change))
	return nil
}

func (s *MemStore) UpdateByToken(ctx context.Context, tokenHash string, fn func(change *model.EmailChange) error) (*model.EmailChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stored *model.EmailChange
	for _, c := range s.changes {
		if c.TokenHash == tokenHash {
			stored = c
			break
		}
	}
	if stored == nil {
		return nil, appErr.ErrTokenNotFound
	}
	work := copyChange(stored)
	prev := work.Status
	if err := fn(work); err != nil {
		return nil, err
	}
	if work.Status != prev && work.Status == model.EmailChangeRevoked {
		u, ok := s.users[work.UserID]
		if !ok {
			return nil, appErr.ErrNotFound
		}
		if u.Email != work.NewEmail {
			return nil, appErr.ErrTokenNotFound
		}
		if other := s.userByEmail(work.OldEmail); other != nil && other.ID != u.ID {
			return nil, appErr.ErrValueInUse
		}
		u.Email = work.OldEmail
		u.SessionVersion++
		u.Mtime = work.Mtime
	}
	*stored = *work
	return copyChange(work), nil
}

func (s *MemStore) ListByUser(ctx context.Context, userID string, limit uint) ([]*model.EmailChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.EmailChange, 0)
	for i := len(s.changes) - 1; i >= 0 && uint(len(out)) < limit; i-- {
		if s.changes[i].UserID == userID {
			out = append(out, copyChange(s.changes[i]))
		}
	}
	return out, nil
}

func (s *MemStore) IsReserved(ctx context.Context, email string, now int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.changes {
		if c.OldEmail == email && c.Status == model.EmailChangePending && c.ExpiresAt >= now {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) hasPending(userID string, now int64) bool {
	for _, c := range s.changes {
		if c.UserID == userID && c.Status == model.EmailChangePending && c.ExpiresAt >= now {
			return true
		}
	}
	return false
}

func (s *MemStore) HasPending(ctx context.Context, userID string, now int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPending(userID, now), nil
}

func (s *MemStore) ConfirmExpired(ctx context.Context, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.changes {
		if c.Status == model.EmailChangePending && c.ExpiresAt < now {
			_ = c.Confirm(now)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ConfirmOne(ctx context.Context, id string, now int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.changes {
		if c.ID == id && c.Status == model.EmailChangePending && c.ExpiresAt < now {
			_ = c.Confirm(now)
			return true, nil
		}
	}
	return false, nil
}

// Change returns a copy of the stored record with the given id.
func (s *MemStore) Change(id string) (*model.EmailChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.changes {
		if c.ID == id {
			return copyChange(c), true
		}
	}
	return nil, false
}
