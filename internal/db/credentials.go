package db

import (
	"context"
	"time"

	"github.com/fieldops/spbsync/internal/models"
)

const tableCredentials = "user_credentials"

// Credentials stores salted password hashes for offline login.
type Credentials struct {
	ex Executor
}

func NewCredentials(ex Executor) *Credentials {
	return &Credentials{ex: ex}
}

// Put writes the hash and stamps last_online_auth with onlineAt.
func (r *Credentials) Put(ctx context.Context, c *models.UserCredential, onlineAt time.Time) error {
	row := Row{
		"username":         c.Username,
		"password_hash":    c.PasswordHash,
		"salt":             c.Salt,
		"last_online_auth": onlineAt.UnixMilli(),
	}
	if c.CreatedAt > 0 {
		row["created_at"] = c.CreatedAt
	}
	return r.ex.Upsert(ctx, tableCredentials, row, "username")
}

// Get returns the stored credential or ErrNotFound.
func (r *Credentials) Get(ctx context.Context, username string) (*models.UserCredential, error) {
	row, err := r.ex.QueryOne(ctx, tableCredentials, Where("username", username))
	if err != nil {
		return nil, err
	}
	return &models.UserCredential{
		Username:       row.String("username"),
		PasswordHash:   row.String("password_hash"),
		Salt:           row.String("salt"),
		CreatedAt:      row.Int64("created_at"),
		UpdatedAt:      row.Int64("updated_at"),
		LastOnlineAuth: row.NullInt64("last_online_auth"),
	}, nil
}

func (r *Credentials) Delete(ctx context.Context, username string) error {
	_, err := r.ex.Delete(ctx, tableCredentials, Where("username", username))
	return err
}
