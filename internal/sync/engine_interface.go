// Package sync drains the outbox against the remote API.
package sync

import (
	"context"
	"encoding/json"

	"github.com/fieldops/spbsync/internal/models"
)

// TokenSource hands out access tokens. AccessToken refreshes when the
// cached token is close to expiry; RefreshToken forces a refresh after the
// server rejected a token. Reject ends the session when the server refuses
// a freshly refreshed token too.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (*models.AuthToken, error)
	Reject(ctx context.Context, cause error)
}

// Pusher sends single records to the remote API.
type Pusher interface {
	Push(ctx context.Context, token, table, recordID, idempotencyKey string, payload json.RawMessage) error
	Delete(ctx context.Context, token, table, recordID, idempotencyKey string) error
}

// Drainer runs drain passes. The scheduler and the app service depend on
// this instead of the concrete engine.
type Drainer interface {
	// Drain runs one pass. A call made while a pass is running returns a
	// coalesced outcome without draining.
	Drain(ctx context.Context, opts Options) (*Outcome, error)

	// Status returns the latest status event.
	Status() StatusEvent

	// Subscribe streams status events.
	Subscribe() (<-chan StatusEvent, func())
}
