package models

import "time"

// UserCredential holds the salted password hash used for offline login.
// PasswordHash and Salt are never exposed in JSON responses.
type UserCredential struct {
	Username       string `db:"username" json:"username"`
	PasswordHash   string `db:"password_hash" json:"-"`
	Salt           string `db:"salt" json:"-"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
	LastOnlineAuth *int64 `db:"last_online_auth" json:"last_online_auth,omitempty"`
}

// TableName returns the table name for UserCredential.
func (UserCredential) TableName() string {
	return "user_credentials"
}

// LastOnlineAuthTime returns the last successful online login, zero if none.
func (c *UserCredential) LastOnlineAuthTime() time.Time {
	if c.LastOnlineAuth == nil {
		return time.Time{}
	}
	return time.UnixMilli(*c.LastOnlineAuth)
}
