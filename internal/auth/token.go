package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldops/spbsync/internal/models"
	"github.com/fieldops/spbsync/internal/remote"
)

// defaultLifetime applies when neither expires_in nor a JWT exp claim
// tells us when the access token expires.
const defaultLifetime = time.Hour

// jwtExpiry reads the exp claim without verifying the signature. The
// remote API is the authority; the claim only schedules refreshes.
func jwtExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// tokenFromResponse builds the session from a login or refresh response.
// prev supplies identity and the refresh token when the response omits them.
func tokenFromResponse(resp *remote.TokenResponse, prev *models.AuthToken, username string, now time.Time) *models.AuthToken {
	t := &models.AuthToken{
		UserID:       resp.UserID,
		Username:     resp.Username,
		AccessToken:  resp.AccessToken,
		IssuedAt:     now,
		RefreshToken: resp.RefreshToken,
	}
	if t.Username == "" {
		t.Username = username
	}
	if prev != nil {
		if t.Username == "" {
			t.Username = prev.Username
		}
		if t.UserID == "" {
			t.UserID = prev.UserID
		}
		if t.RefreshToken == "" {
			t.RefreshToken = prev.RefreshToken
			t.RefreshExpiresAt = prev.RefreshExpiresAt
		}
	}

	switch {
	case resp.ExpiresIn > 0:
		t.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(resp.AccessToken); ok {
			t.ExpiresAt = exp
		} else {
			t.ExpiresAt = now.Add(defaultLifetime)
		}
	}

	if resp.RefreshToken != "" {
		if resp.RefreshExpiresIn > 0 {
			t.RefreshExpiresAt = now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
		} else if exp, ok := jwtExpiry(resp.RefreshToken); ok {
			t.RefreshExpiresAt = exp
		}
	}
	return t
}
