package auth

import (
	"sync"
	"time"
)

// Ledger counts consecutive failed refresh attempts per user and holds the
// resulting lockouts. It lives in memory only and resets on restart.
type Ledger struct {
	mu          sync.Mutex
	entries     map[string]*ledgerEntry
	maxAttempts int
	window      time.Duration
}

type ledgerEntry struct {
	attempts     int
	lockoutUntil time.Time
}

// LedgerEntry is a read-only view of one user's refresh history.
type LedgerEntry struct {
	Attempts     int
	LockoutUntil time.Time
}

// NewLedger creates a ledger that locks a user out for window after
// maxAttempts consecutive failures.
func NewLedger(maxAttempts int, window time.Duration) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	return &Ledger{
		entries:     make(map[string]*ledgerEntry),
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// Check returns the remaining lockout for username at now. An expired
// lockout clears the entry.
func (l *Ledger) Check(username string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[username]
	if !ok || e.lockoutUntil.IsZero() {
		return 0
	}
	if !now.Before(e.lockoutUntil) {
		delete(l.entries, username)
		return 0
	}
	return e.lockoutUntil.Sub(now)
}

// Fail records one failed attempt and returns the lockout now in force,
// zero while the user is still under the attempt limit.
func (l *Ledger) Fail(username string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[username]
	if e == nil {
		e = &ledgerEntry{}
		l.entries[username] = e
	}
	e.attempts++
	if e.attempts >= l.maxAttempts {
		until := now.Add(l.window)
		if until.After(e.lockoutUntil) {
			e.lockoutUntil = until
		}
	}
	if e.lockoutUntil.IsZero() {
		return 0
	}
	return e.lockoutUntil.Sub(now)
}

// LockFor records a failed attempt and locks username out for at least d,
// as demanded by a server-side rate limit.
func (l *Ledger) LockFor(username string, now time.Time, d time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[username]
	if e == nil {
		e = &ledgerEntry{}
		l.entries[username] = e
	}
	e.attempts++
	if until := now.Add(d); until.After(e.lockoutUntil) {
		e.lockoutUntil = until
	}
	return e.lockoutUntil.Sub(now)
}

// Reset forgets username's history.
func (l *Ledger) Reset(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, username)
}

// Get returns username's current entry.
func (l *Ledger) Get(username string) LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[username]
	if !ok {
		return LedgerEntry{}
	}
	return LedgerEntry{Attempts: e.attempts, LockoutUntil: e.lockoutUntil}
}
