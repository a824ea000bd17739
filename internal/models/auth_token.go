package models

import "time"

// AuthToken is the session issued by the remote authority.
type AuthToken struct {
	UserID           string    `json:"user_id,omitempty"`
	Username         string    `json:"username"`
	AccessToken      string    `json:"access_token"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
}

// TableName returns the table name of the token mirror.
func (AuthToken) TableName() string {
	return "auth_tokens"
}

// Remaining returns the access token lifetime left at now.
func (t *AuthToken) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// Expired reports whether the access token is no longer valid at now.
func (t *AuthToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RefreshExpired reports whether the refresh token can no longer be used.
// A zero RefreshExpiresAt means the server did not announce an expiry.
func (t *AuthToken) RefreshExpired(now time.Time) bool {
	if t.RefreshToken == "" {
		return true
	}
	if t.RefreshExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.RefreshExpiresAt)
}
