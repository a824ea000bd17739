// Package auth manages the session lifecycle: token storage, expiry-aware
// refresh with single-flight de-duplication, a per-user lockout after
// repeated refresh failures, rotation, logout and offline login.
package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fieldops/spbsync/internal/crypto"
	"github.com/fieldops/spbsync/internal/db"
	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/events"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/metrics"
	"github.com/fieldops/spbsync/internal/models"
	"github.com/fieldops/spbsync/internal/remote"
)

const (
	DefaultThreshold     = 5 * time.Minute
	DefaultRefreshWait   = 2 * time.Second
	DefaultMaxAttempts   = 5
	DefaultLockoutWindow = 15 * time.Minute

	sessionKey = "auth_session"
	refreshKey = "refresh"
)

// Authenticator is the remote side of the session.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*remote.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*remote.TokenResponse, error)
}

// Options tunes the manager. Zero fields take the defaults.
type Options struct {
	// Threshold is the remaining lifetime below which a token is refreshed
	// before being handed out.
	Threshold time.Duration
	// RefreshWait bounds how long a caller waits on a refresh started by
	// another caller.
	RefreshWait   time.Duration
	MaxAttempts   int
	LockoutWindow time.Duration
	Now           func() time.Time
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Threshold:     DefaultThreshold,
		RefreshWait:   DefaultRefreshWait,
		MaxAttempts:   DefaultMaxAttempts,
		LockoutWindow: DefaultLockoutWindow,
		Now:           time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.RefreshWait <= 0 {
		o.RefreshWait = d.RefreshWait
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.LockoutWindow <= 0 {
		o.LockoutWindow = d.LockoutWindow
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Session describes the signed-in user.
type Session struct {
	Username  string    `json:"username"`
	UserID    string    `json:"user_id,omitempty"`
	Offline   bool      `json:"offline"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Manager owns the access and refresh tokens of the device.
type Manager struct {
	api     Authenticator
	secure  crypto.SecureStore
	mirror  *db.TokenMirror
	creds   *db.Credentials
	opts    Options
	ledger  *Ledger
	group   singleflight.Group
	events  *events.Broadcaster[AuthState]
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	token   *models.AuthToken
	offline bool
	// gen changes whenever the session is replaced outside a refresh, so
	// a refresh that started before a logout cannot reinstall its result.
	gen uint64

	refreshing atomic.Bool
	// waiters counts callers inside RefreshToken, including those whose
	// flight has not started yet.
	waiters atomic.Int32
}

// NewManager creates a manager. A nil secure store keeps the session in
// memory only.
func NewManager(api Authenticator, secure crypto.SecureStore, store *db.Store, opts Options) *Manager {
	opts = opts.withDefaults()
	if secure == nil {
		secure = crypto.NewMemoryStore()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Get()
	}
	m := &Manager{
		api:     api,
		secure:  secure,
		mirror:  db.NewTokenMirror(store),
		creds:   db.NewCredentials(store),
		opts:    opts,
		ledger:  NewLedger(opts.MaxAttempts, opts.LockoutWindow),
		events:  events.NewBroadcaster[AuthState](8),
		log:     log.With("auth"),
		metrics: opts.Metrics,
	}
	m.events.Publish(stateFor(StateUnauthenticated, "", false, nil, m.now()))
	return m
}

func (m *Manager) now() time.Time {
	return m.opts.Now()
}

// Subscribe streams auth state transitions. The current state is
// delivered first.
func (m *Manager) Subscribe() (<-chan AuthState, func()) {
	return m.events.Subscribe()
}

// State returns the most recent auth state.
func (m *Manager) State() AuthState {
	s, _ := m.events.Last()
	return s
}

// Close ends every subscription.
func (m *Manager) Close() {
	m.events.Close()
}

// Token returns a copy of the current session token, nil when signed out.
func (m *Manager) Token() *models.AuthToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil
	}
	cp := *m.token
	return &cp
}

// Session returns the signed-in user, nil when signed out.
func (m *Manager) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil
	}
	return &Session{
		Username:  m.token.Username,
		UserID:    m.token.UserID,
		Offline:   m.offline,
		ExpiresAt: m.token.ExpiresAt,
	}
}

// Lockout returns the remaining refresh lockout of the signed-in user.
func (m *Manager) Lockout() time.Duration {
	tok := m.Token()
	if tok == nil {
		return 0
	}
	return m.ledger.Check(tok.Username, m.now())
}

// AccessToken returns a token that is valid beyond the refresh threshold,
// refreshing first when needed.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	return m.GetAccessToken(ctx, true)
}

// GetAccessToken returns the cached access token if its remaining lifetime
// exceeds the threshold. Otherwise, with autoRefresh, it refreshes and
// returns the new token. A transient refresh failure falls back to the
// current token while that token has not expired.
func (m *Manager) GetAccessToken(ctx context.Context, autoRefresh bool) (string, error) {
	tok := m.Token()
	if tok == nil || tok.AccessToken == "" {
		return "", apperrors.Auth(apperrors.ErrUnauthenticated, "no active session", nil)
	}
	now := m.now()
	if tok.Remaining(now) > m.opts.Threshold {
		m.touch(ctx, tok.Username, now)
		return tok.AccessToken, nil
	}
	if !autoRefresh {
		if tok.Expired(now) {
			return "", apperrors.Auth(apperrors.ErrTokenExpired, "access token expired", nil)
		}
		return tok.AccessToken, nil
	}

	fresh, err := m.RefreshToken(ctx)
	if err == nil {
		return fresh.AccessToken, nil
	}
	if isSoft(err) && !tok.Expired(m.now()) {
		m.log.Warn("Refresh failed, using current access token", map[string]any{
			"username":  tok.Username,
			"remaining": tok.Remaining(m.now()).String(),
			"error":     err.Error(),
		})
		return tok.AccessToken, nil
	}
	return "", err
}

// RefreshToken exchanges the refresh token for a new session. Concurrent
// callers share one network call; a caller joining a refresh already in
// flight waits at most RefreshWait for its result. While the user is locked
// out the call fails locally with a rate-limit error.
func (m *Manager) RefreshToken(ctx context.Context) (*models.AuthToken, error) {
	tok := m.Token()
	if tok == nil || tok.RefreshToken == "" {
		return nil, apperrors.Auth(apperrors.ErrUnauthenticated, "no refresh token", nil)
	}
	if wait := m.ledger.Check(tok.Username, m.now()); wait > 0 {
		err := apperrors.RateLimit(apperrors.ErrRefreshRateLimited, "too many failed refresh attempts", wait)
		m.metrics.ObserveRefresh("locked_out")
		m.publish(StateRateLimited, err)
		return nil, err
	}

	seen := tok.AccessToken
	joining := m.waiters.Add(1) > 1 || m.refreshing.Load()
	defer m.waiters.Add(-1)
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		m.refreshing.Store(true)
		defer m.refreshing.Store(false)
		// A flight that finished after this caller read the token already
		// produced a fresh one.
		if cur := m.Token(); cur != nil && cur.AccessToken != seen && cur.Remaining(m.now()) > m.opts.Threshold {
			return cur, nil
		}
		// The flight outlives any single caller.
		return m.refresh(context.WithoutCancel(ctx))
	})

	var timeout <-chan time.Time
	if joining {
		t := time.NewTimer(m.opts.RefreshWait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cp := *res.Val.(*models.AuthToken)
		return &cp, nil
	case <-timeout:
		return nil, apperrors.Timeout("token refresh still in progress", nil)
	case <-ctx.Done():
		return nil, apperrors.Timeout("token refresh abandoned", ctx.Err())
	}
}

// RotateRefreshToken forces a rotation regardless of the remaining
// lifetime of the access token.
func (m *Manager) RotateRefreshToken(ctx context.Context) (*models.AuthToken, error) {
	return m.RefreshToken(ctx)
}

// ValidateOnReconnect runs when connectivity returns. A token outside the
// threshold needs no network; otherwise exactly one refresh is attempted.
func (m *Manager) ValidateOnReconnect(ctx context.Context) error {
	tok := m.Token()
	if tok == nil || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return apperrors.Auth(apperrors.ErrUnauthenticated, "no active session", nil)
	}
	if tok.AccessToken != "" && tok.Remaining(m.now()) > m.opts.Threshold {
		return nil
	}
	_, err := m.RefreshToken(ctx)
	return err
}

func (m *Manager) refresh(ctx context.Context) (*models.AuthToken, error) {
	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()

	prev := m.Token()
	if prev == nil || prev.RefreshToken == "" {
		return nil, apperrors.Auth(apperrors.ErrUnauthenticated, "no refresh token", nil)
	}
	username := prev.Username
	m.publish(StateRefreshing, nil)

	if prev.RefreshExpired(m.now()) {
		err := apperrors.Auth(apperrors.ErrRefreshExpired, "refresh token expired", nil)
		m.metrics.ObserveRefresh("terminal")
		m.terminate(ctx, err)
		return nil, err
	}

	resp, err := m.api.Refresh(ctx, prev.RefreshToken)
	if err != nil {
		return nil, m.refreshFailed(ctx, username, err)
	}

	next := tokenFromResponse(resp, prev, username, m.now())
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil, apperrors.Auth(apperrors.ErrUnauthenticated, "session ended during refresh", nil)
	}
	m.token = next
	m.offline = false
	m.mu.Unlock()

	if err := m.persist(ctx, next); err != nil {
		m.log.ErrorWithCode("Failed to persist rotated session", string(apperrors.ErrDatabase), err, map[string]any{
			"username": username,
		})
	}
	m.ledger.Reset(username)
	m.metrics.ObserveRefresh("success")
	m.log.Info("Access token refreshed", map[string]any{
		"username":   username,
		"expires_at": next.ExpiresAt.UTC().Format(time.RFC3339),
	})
	m.publish(StateAuthenticated, nil)

	cp := *next
	return &cp, nil
}

// refreshFailed classifies a failed refresh and updates the ledger. Every
// failure counts toward the lockout.
func (m *Manager) refreshFailed(ctx context.Context, username string, err error) error {
	now := m.now()
	switch apperrors.KindOf(err) {
	case apperrors.KindAuth:
		m.ledger.Fail(username, now)
		m.metrics.ObserveRefresh("terminal")
		m.terminate(ctx, err)
		return err

	case apperrors.KindRateLimit:
		wait := apperrors.RetryAfter(err)
		if wait <= 0 {
			wait = m.opts.LockoutWindow
		}
		wait = m.ledger.LockFor(username, now, wait)
		rerr := apperrors.RateLimit(apperrors.ErrRefreshRateLimited, "refresh rate limited by server", wait)
		rerr.StatusCode = 429
		rerr.Err = err
		m.metrics.ObserveRefresh("rate_limited")
		m.log.Warn("Refresh rate limited by server", map[string]any{
			"username":    username,
			"retry_after": wait.String(),
		})
		m.publish(StateRateLimited, rerr)
		return rerr

	default:
		lockout := m.ledger.Fail(username, now)
		if apperrors.KindOf(err) == apperrors.KindNetwork {
			m.metrics.ObserveRefresh("network")
		} else {
			m.metrics.ObserveRefresh("error")
		}
		m.log.Warn("Token refresh failed", map[string]any{
			"username": username,
			"attempts": m.ledger.Get(username).Attempts,
			"error":    err.Error(),
		})
		if lockout > 0 {
			m.publish(StateRateLimited, apperrors.RateLimit(apperrors.ErrRefreshRateLimited, "too many failed refresh attempts", lockout))
			return err
		}
		m.publish(StateSoftError, err)
		return err
	}
}

// Reject ends the session after the server refused a token that was just
// refreshed. Observers see Unauthenticated with cause.
func (m *Manager) Reject(ctx context.Context, cause error) {
	if m.Token() == nil {
		return
	}
	m.metrics.ObserveRefresh("rejected")
	m.terminate(ctx, cause)
}

// terminate drops the session after a terminal refresh failure.
func (m *Manager) terminate(ctx context.Context, cause error) {
	m.mu.Lock()
	username := ""
	if m.token != nil {
		username = m.token.Username
	}
	m.token = nil
	m.offline = false
	m.gen++
	m.mu.Unlock()

	m.dropPersisted(ctx)
	m.log.Warn("Session ended, sign in required", map[string]any{
		"username": username,
		"error":    cause.Error(),
	})
	m.publish(StateUnauthenticated, cause)
}

// ClearTokens signs out: the session is removed from memory, secure storage
// and the database mirror.
func (m *Manager) ClearTokens(ctx context.Context) error {
	m.mu.Lock()
	prev := m.token
	m.token = nil
	m.offline = false
	m.gen++
	m.mu.Unlock()

	err := m.dropPersisted(ctx)
	if prev != nil {
		m.ledger.Reset(prev.Username)
		m.log.Info("Signed out", map[string]any{"username": prev.Username})
	}
	m.publish(StateUnauthenticated, nil)
	return err
}

// Login signs in against the remote API. When the API is unreachable the
// password is checked against the hash stored by the last online login and
// the session is flagged Offline.
func (m *Manager) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, apperrors.Validation("username and password are required", nil)
	}

	resp, err := m.api.Login(ctx, username, password)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNetwork {
			return m.offlineLogin(ctx, username, password, err)
		}
		m.log.Warn("Login rejected", map[string]any{"username": username, "error": err.Error()})
		return nil, err
	}

	now := m.now()
	tok := tokenFromResponse(resp, nil, username, now)
	m.install(tok, false)
	if err := m.persist(ctx, tok); err != nil {
		m.log.ErrorWithCode("Failed to persist session", string(apperrors.ErrDatabase), err, map[string]any{
			"username": username,
		})
	}
	if err := m.storeCredential(ctx, username, password, now); err != nil {
		m.log.ErrorWithCode("Failed to store offline credential", string(apperrors.ErrDatabase), err, map[string]any{
			"username": username,
		})
	}
	m.ledger.Reset(tok.Username)
	m.log.Info("Signed in", map[string]any{"username": tok.Username})
	m.publish(StateAuthenticated, nil)
	return m.Session(), nil
}

func (m *Manager) offlineLogin(ctx context.Context, username, password string, cause error) (*Session, error) {
	cred, err := m.creds.Get(ctx, username)
	if db.IsNotFound(err) {
		return nil, apperrors.Auth(apperrors.ErrOfflineLoginUnknown, "offline sign-in needs one online sign-in first", cause)
	}
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyPassword(password, cred.PasswordHash, cred.Salt) {
		return nil, apperrors.Auth(apperrors.ErrInvalidCredentials, "invalid username or password", nil)
	}

	tok, err := m.mirror.Get(ctx, username)
	if err != nil {
		if !db.IsNotFound(err) {
			return nil, err
		}
		tok = &models.AuthToken{Username: username}
	}
	m.install(tok, true)
	m.log.Info("Signed in offline", map[string]any{
		"username":  username,
		"has_token": tok.AccessToken != "",
	})
	m.publish(StateAuthenticated, nil)
	return m.Session(), nil
}

func (m *Manager) storeCredential(ctx context.Context, username, password string, now time.Time) error {
	hash, salt, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	return m.creds.Put(ctx, &models.UserCredential{
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
	}, now)
}

// Restore loads the session persisted by an earlier run, preferring secure
// storage over the database mirror. It returns nil when there is nothing
// usable to restore.
func (m *Manager) Restore(ctx context.Context) (*Session, error) {
	tok, fromMirror, err := m.loadPersisted(ctx)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		m.publish(StateUnauthenticated, nil)
		return nil, nil
	}
	now := m.now()
	if tok.Expired(now) && tok.RefreshExpired(now) {
		m.log.Info("Persisted session expired", map[string]any{"username": tok.Username})
		_ = m.dropPersisted(ctx)
		m.publish(StateUnauthenticated, nil)
		return nil, nil
	}

	m.install(tok, false)
	if fromMirror {
		if err := m.putSecure(tok); err != nil {
			m.log.Warn("Failed to copy session into secure storage", map[string]any{"error": err.Error()})
		}
	}
	m.log.Info("Session restored", map[string]any{
		"username":    tok.Username,
		"from_mirror": fromMirror,
	})
	m.publish(StateAuthenticated, nil)
	return m.Session(), nil
}

func (m *Manager) loadPersisted(ctx context.Context) (*models.AuthToken, bool, error) {
	data, err := m.secure.Get(sessionKey)
	switch {
	case err == nil:
		var tok models.AuthToken
		if jerr := json.Unmarshal(data, &tok); jerr == nil && tok.Username != "" {
			return &tok, false, nil
		}
		m.log.Warn("Discarding unreadable session in secure storage")
	case !stderrors.Is(err, crypto.ErrNotFound):
		m.log.Warn("Secure storage unavailable, using database mirror", map[string]any{"error": err.Error()})
	}

	tok, err := m.mirror.Latest(ctx)
	if db.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tok, true, nil
}

func (m *Manager) install(tok *models.AuthToken, offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	m.offline = offline
	m.gen++
}

// persist writes the session to secure storage and the database mirror.
func (m *Manager) persist(ctx context.Context, tok *models.AuthToken) error {
	if err := m.putSecure(tok); err != nil {
		return err
	}
	return m.mirror.Save(ctx, tok)
}

func (m *Manager) putSecure(tok *models.AuthToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := m.secure.Put(sessionKey, data); err != nil {
		return apperrors.Cache("write secure session", err)
	}
	return nil
}

func (m *Manager) dropPersisted(ctx context.Context) error {
	var errs []error
	if err := m.secure.Delete(sessionKey); err != nil {
		errs = append(errs, apperrors.Cache("delete secure session", err))
	}
	if err := m.mirror.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	err := stderrors.Join(errs...)
	if err != nil {
		m.log.Error("Failed to remove persisted session", err)
	}
	return err
}

func (m *Manager) touch(ctx context.Context, username string, at time.Time) {
	if err := m.mirror.Touch(ctx, username, at); err != nil {
		m.log.Debug("Failed to stamp token use", map[string]any{"error": err.Error()})
	}
}

func (m *Manager) publish(state State, err error) {
	m.mu.RLock()
	username := ""
	if m.token != nil {
		username = m.token.Username
	}
	offline := m.offline
	m.mu.RUnlock()
	m.events.Publish(stateFor(state, username, offline, err, m.now()))
}

// isSoft reports whether a refresh failure leaves the current token usable.
func isSoft(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindNetwork:
		return true
	case apperrors.KindServer:
		return apperrors.IsRetryable(err)
	}
	return false
}
