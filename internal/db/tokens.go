package db

import (
	"context"
	"time"

	"github.com/fieldops/spbsync/internal/models"
)

const tableTokens = "auth_tokens"

// TokenMirror keeps a copy of the session in the local database so a
// restart can recover it when secure storage is unavailable.
type TokenMirror struct {
	ex Executor
}

func NewTokenMirror(ex Executor) *TokenMirror {
	return &TokenMirror{ex: ex}
}

// Save replaces the mirrored session for the token's user.
func (m *TokenMirror) Save(ctx context.Context, t *models.AuthToken) error {
	return m.ex.Upsert(ctx, tableTokens, Row{
		"user_id":            t.UserID,
		"username":           t.Username,
		"token":              t.AccessToken,
		"refresh_token":      t.RefreshToken,
		"issued_at":          t.IssuedAt.UnixMilli(),
		"expires_at":         t.ExpiresAt.UnixMilli(),
		"refresh_expires_at": millisOrZero(t.RefreshExpiresAt),
	}, "username")
}

// Get returns the session mirrored for username.
func (m *TokenMirror) Get(ctx context.Context, username string) (*models.AuthToken, error) {
	row, err := m.ex.QueryOne(ctx, tableTokens, Where("username", username))
	if err != nil {
		return nil, err
	}
	return tokenFromRow(row), nil
}

// Latest returns the most recently written session.
func (m *TokenMirror) Latest(ctx context.Context) (*models.AuthToken, error) {
	rows, err := m.ex.Query(ctx, tableTokens, All(), &QueryOptions{
		OrderBy: []Order{{Column: "updated_at", Desc: true}, {Column: "id", Desc: true}},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return tokenFromRow(rows[0]), nil
}

// Touch records that the token was handed out.
func (m *TokenMirror) Touch(ctx context.Context, username string, at time.Time) error {
	_, err := m.ex.Update(ctx, tableTokens, Row{"last_used_at": at.UnixMilli()}, Where("username", username))
	return err
}

// Clear removes every mirrored session.
func (m *TokenMirror) Clear(ctx context.Context) error {
	_, err := m.ex.Delete(ctx, tableTokens, All())
	return err
}

func tokenFromRow(r Row) *models.AuthToken {
	t := &models.AuthToken{
		UserID:       r.String("user_id"),
		Username:     r.String("username"),
		AccessToken:  r.String("token"),
		RefreshToken: r.String("refresh_token"),
		IssuedAt:     time.UnixMilli(r.Int64("issued_at")),
		ExpiresAt:    time.UnixMilli(r.Int64("expires_at")),
	}
	if ms := r.Int64("refresh_expires_at"); ms > 0 {
		t.RefreshExpiresAt = time.UnixMilli(ms)
	}
	return t
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
