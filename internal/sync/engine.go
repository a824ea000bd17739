package sync

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/events"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/metrics"
	"github.com/fieldops/spbsync/internal/models"
	"github.com/fieldops/spbsync/internal/sync/queue"
)

// Status represents the current sync status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// StatusEvent is published when a pass starts and when it ends.
type StatusEvent struct {
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Outcome    *Outcome      `json:"outcome,omitempty"`
	At         time.Time     `json:"at"`
}

// Options scopes a drain pass.
type Options struct {
	// Table and RecordID limit the pass to the pending items of one record.
	Table    string
	RecordID string
	// Manual marks a user-initiated pass; it ignores retry backoff.
	Manual bool
}

// Outcome represents the result of a drain pass.
type Outcome struct {
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Parked     int `json:"parked"`
	Superseded int `json:"superseded"`
	// Remaining counts pending items left in the outbox after the pass.
	Remaining int `json:"remaining"`
	// Coalesced is set when the call joined a pass already running.
	Coalesced bool          `json:"coalesced"`
	Aborted   bool          `json:"aborted"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Config tunes the engine.
type Config struct {
	BatchSize   int
	PushTimeout time.Duration
	// PushesPerSecond paces pushes within a pass. Zero means unlimited.
	PushesPerSecond float64
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		PushTimeout: 30 * time.Second,
	}
}

// Engine drains the outbox sequentially: one pass at a time, one item at a
// time, in priority then FIFO order.
type Engine struct {
	outbox  *queue.Outbox
	tokens  TokenSource
	remote  Pusher
	cfg     Config
	limiter *rate.Limiter
	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	status  *events.Broadcaster[StatusEvent]
	running atomic.Bool
	last    atomic.Pointer[Outcome]
}

// NewEngine creates a new Engine.
func NewEngine(outbox *queue.Outbox, tokens TokenSource, remote Pusher, cfg Config, log *logging.Logger, m *metrics.Metrics) *Engine {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = d.PushTimeout
	}
	if log == nil {
		log = logging.Get()
	}
	e := &Engine{
		outbox:  outbox,
		tokens:  tokens,
		remote:  remote,
		cfg:     cfg,
		log:     log.With("sync"),
		metrics: m,
		now:     time.Now,
		status:  events.NewBroadcaster[StatusEvent](8),
	}
	if cfg.PushesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.PushesPerSecond), 1)
	}
	e.status.Publish(StatusEvent{Status: StatusIdle, At: e.now()})
	return e
}

// Status returns the latest status event.
func (e *Engine) Status() StatusEvent {
	s, _ := e.status.Last()
	return s
}

// Subscribe streams status events, starting with the latest one.
func (e *Engine) Subscribe() (<-chan StatusEvent, func()) {
	return e.status.Subscribe()
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastOutcome returns the outcome of the last completed pass, nil before
// the first one.
func (e *Engine) LastOutcome() *Outcome {
	return e.last.Load()
}

// Close ends every status subscription.
func (e *Engine) Close() {
	e.status.Close()
}

// Drain runs one pass over at most BatchSize due items. Caller cancellation
// does not interrupt a pass; each push is bounded by PushTimeout instead.
// The returned error is set when the pass aborted or the store failed.
func (e *Engine) Drain(ctx context.Context, opts Options) (*Outcome, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.ObserveDrain("coalesced")
		e.log.Debug("Drain already in progress, coalescing trigger")
		return &Outcome{Coalesced: true, StartedAt: e.now()}, nil
	}
	defer e.running.Store(false)

	passCtx := context.WithoutCancel(ctx)
	out := &Outcome{StartedAt: e.now()}
	e.status.Publish(StatusEvent{Status: StatusSyncing, At: out.StartedAt})

	items, err := e.batch(passCtx, opts)
	if err != nil {
		out.Err = err
		return e.finish(passCtx, out), err
	}
	if len(items) > 0 {
		e.log.Info("Drain started", map[string]any{
			"items":     len(items),
			"table":     opts.Table,
			"record_id": opts.RecordID,
			"manual":    opts.Manual,
		})
	}

	var lastFailure error
	for _, item := range items {
		if e.limiter != nil {
			if err := e.limiter.Wait(passCtx); err != nil {
				out.Err = apperrors.Wrap(apperrors.ErrSyncAborted, "push pacing", err)
				out.Aborted = true
				break
			}
		}

		res := e.process(passCtx, item)
		if res.abort != nil {
			out.Aborted = true
			out.Err = res.abort
			e.log.Warn("Drain aborted", map[string]any{
				"item_id": item.ID,
				"table":   item.TableName,
				"error":   res.abort.Error(),
			})
			break
		}
		out.Processed++
		switch res.kind {
		case resultSuccess:
			out.Succeeded++
		case resultSuperseded:
			out.Succeeded++
			out.Superseded++
		case resultRetry:
			out.Failed++
			lastFailure = res.err
		case resultParked:
			out.Parked++
			lastFailure = res.err
		}
	}

	if out.Err == nil && lastFailure != nil {
		out.Err = apperrors.Wrap(apperrors.ErrSyncFailed,
			fmt.Sprintf("%d of %d items failed", out.Failed+out.Parked, out.Processed), lastFailure)
	}
	out = e.finish(passCtx, out)
	if out.Aborted {
		return out, out.Err
	}
	return out, nil
}

func (e *Engine) batch(ctx context.Context, opts Options) ([]*models.OutboxItem, error) {
	switch {
	case opts.RecordID != "":
		if opts.Table == "" {
			return nil, apperrors.Validation("record sync needs a table", nil)
		}
		return e.outbox.DequeueRecord(ctx, opts.Table, opts.RecordID)
	case opts.Manual:
		return e.outbox.DequeuePending(ctx, e.cfg.BatchSize)
	default:
		return e.outbox.DequeueBatch(ctx, e.cfg.BatchSize)
	}
}

// finish stamps the outcome, refreshes the queue gauges and publishes the
// final status.
func (e *Engine) finish(ctx context.Context, out *Outcome) *Outcome {
	out.Duration = e.now().Sub(out.StartedAt)
	if stats, err := e.outbox.Stats(ctx); err == nil {
		out.Remaining = stats.Pending
		e.metrics.SetQueueDepth(stats.Pending, stats.Failed)
	} else {
		e.log.Error("Failed to read outbox stats", err)
	}

	ev := StatusEvent{Status: StatusSuccess, Outcome: out, At: e.now()}
	result := "completed"
	if out.Err != nil {
		out.Error = out.Err.Error()
		ev.Status = StatusFailed
		ev.Error = out.Error
		var appErr *apperrors.AppError
		if apperrors.As(out.Err, &appErr) {
			ev.ErrorCode = string(appErr.Code)
			ev.RetryAfter = apperrors.RetryAfter(out.Err)
		}
		result = "failed"
	}
	if out.Aborted {
		result = "aborted"
	}
	e.metrics.ObserveDrain(result)
	e.last.Store(out)
	e.status.Publish(ev)

	if out.Processed > 0 || out.Err != nil {
		e.log.Info("Drain finished", map[string]any{
			"processed": out.Processed,
			"succeeded": out.Succeeded,
			"failed":    out.Failed,
			"parked":    out.Parked,
			"remaining": out.Remaining,
			"aborted":   out.Aborted,
			"duration":  out.Duration.String(),
		})
	}
	return out
}

type resultKind int

const (
	resultSuccess resultKind = iota
	resultSuperseded
	resultRetry
	resultParked
)

type itemResult struct {
	kind resultKind
	err  error
	// abort stops the pass; the item is left untouched.
	abort error
}

func (e *Engine) process(ctx context.Context, item *models.OutboxItem) itemResult {
	token, err := e.tokens.AccessToken(ctx)
	if err != nil {
		return itemResult{abort: err}
	}

	start := e.now()
	err = e.push(ctx, token, item)
	if isUnauthorized(err) {
		// The server rejected a token we considered valid: one forced
		// refresh, one re-push.
		tok, rerr := e.tokens.RefreshToken(ctx)
		switch {
		case rerr == nil:
			err = e.push(ctx, tok.AccessToken, item)
			if isUnauthorized(err) {
				// A token refreshed a moment ago was refused as well: the
				// session is gone and the user has to sign in again.
				e.tokens.Reject(ctx, err)
				e.metrics.ObservePush(item.TableName, "aborted", e.now().Sub(start))
				return itemResult{abort: err}
			}
		case isAbort(rerr):
			e.metrics.ObservePush(item.TableName, "aborted", e.now().Sub(start))
			return itemResult{abort: rerr}
		}
	}
	elapsed := e.now().Sub(start)

	if err == nil {
		superseded, serr := e.outbox.RecordSuccess(ctx, item)
		if serr != nil {
			return itemResult{abort: serr}
		}
		e.metrics.ObservePush(item.TableName, "success", elapsed)
		if superseded {
			return itemResult{kind: resultSuperseded}
		}
		return itemResult{kind: resultSuccess}
	}

	if isAbort(err) {
		e.metrics.ObservePush(item.TableName, "aborted", elapsed)
		return itemResult{abort: err}
	}

	permanent := isPermanent(err)
	updated, ferr := e.outbox.RecordFailure(ctx, item, err, permanent)
	if ferr != nil {
		return itemResult{abort: ferr}
	}
	if updated != nil && updated.Status == models.QueueStatusFailed {
		e.metrics.ObservePush(item.TableName, "parked", elapsed)
		return itemResult{kind: resultParked, err: err}
	}
	e.metrics.ObservePush(item.TableName, "retry", elapsed)
	return itemResult{kind: resultRetry, err: err}
}

// push sends one item with its own timeout.
func (e *Engine) push(ctx context.Context, token string, item *models.OutboxItem) error {
	if _, err := item.Payload(); err != nil {
		return apperrors.Validation("stored payload is unreadable", err)
	}
	pushCtx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	defer cancel()

	key := fmt.Sprintf("%s:%d", item.ID, item.Revision)
	if item.Operation == models.OperationDelete {
		return e.remote.Delete(pushCtx, token, item.TableName, item.RecordID, key)
	}
	return e.remote.Push(pushCtx, token, item.TableName, item.RecordID, key, item.Data)
}

func isUnauthorized(err error) bool {
	var appErr *apperrors.AppError
	return apperrors.As(err, &appErr) && appErr.Kind == apperrors.KindAuth && appErr.StatusCode == http.StatusUnauthorized
}

func isForbidden(err error) bool {
	var appErr *apperrors.AppError
	return apperrors.As(err, &appErr) && appErr.Kind == apperrors.KindAuth && appErr.StatusCode == http.StatusForbidden
}

// isAbort reports whether err ends the pass: the session is gone or the
// server asked us to back off. A 403 concerns one record only.
func isAbort(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindAuth:
		return !isForbidden(err)
	case apperrors.KindRateLimit, apperrors.KindCache:
		return true
	}
	return false
}

// isPermanent reports whether retrying err cannot succeed.
func isPermanent(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return true
	case apperrors.KindServer, apperrors.KindAuth:
		return !apperrors.IsRetryable(err)
	}
	return false
}
