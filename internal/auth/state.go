package auth

import (
	"time"

	apperrors "github.com/fieldops/spbsync/internal/errors"
)

// State is the session state of the token manager.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
	// StateSoftError keeps the old token in use after a transient refresh
	// failure, until that token itself expires.
	StateSoftError   State = "authenticated_soft_error"
	StateRateLimited State = "rate_limited"
)

// AuthState is published on every state transition.
type AuthState struct {
	State           State         `json:"state"`
	Username        string        `json:"username,omitempty"`
	IsAuthenticated bool          `json:"is_authenticated"`
	IsRefreshing    bool          `json:"is_refreshing"`
	Offline         bool          `json:"offline,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	ErrorCode       string        `json:"error_code,omitempty"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
	At              time.Time     `json:"at"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for display.
func (s AuthState) RetryAfterSeconds() int {
	if s.RetryAfter <= 0 {
		return 0
	}
	return apperrors.RateLimit(apperrors.ErrRefreshRateLimited, "", s.RetryAfter).RetryAfterSeconds()
}

func stateFor(state State, username string, offline bool, err error, now time.Time) AuthState {
	s := AuthState{
		State:           state,
		Username:        username,
		IsAuthenticated: state == StateAuthenticated || state == StateSoftError || state == StateRefreshing,
		IsRefreshing:    state == StateRefreshing,
		Offline:         offline,
		At:              now,
	}
	if state == StateRateLimited && username != "" {
		s.IsAuthenticated = true
	}
	if err != nil {
		s.LastError = err.Error()
		var appErr *apperrors.AppError
		if apperrors.As(err, &appErr) {
			s.ErrorCode = string(appErr.Code)
			s.RetryAfter = appErr.RetryAfter
		}
	}
	return s
}
