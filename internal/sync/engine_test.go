// Package sync tests for the drain engine.
package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/spbsync/internal/db"
	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/metrics"
	"github.com/fieldops/spbsync/internal/models"
	"github.com/fieldops/spbsync/internal/remote"
	"github.com/fieldops/spbsync/internal/sync/queue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTokens is a TokenSource whose answers the test controls.
type fakeTokens struct {
	mu         sync.Mutex
	token      string
	err        error
	refreshErr error
	refreshes  int
	rejected   error
}

func (f *fakeTokens) AccessToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokens) RefreshToken(ctx context.Context) (*models.AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.token = "fresh"
	return &models.AuthToken{AccessToken: f.token}, nil
}

func (f *fakeTokens) Reject(ctx context.Context, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = cause
	f.token = ""
	f.err = apperrors.Auth(apperrors.ErrUnauthenticated, "no active session", nil)
}

type request struct {
	method, path, auth, key, body string
}

// fakeAPI records every request and answers with respond.
type fakeAPI struct {
	mu       sync.Mutex
	requests []request
	respond  func(r *http.Request) (int, string)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, request{
		method: r.Method,
		path:   r.URL.Path,
		auth:   r.Header.Get("Authorization"),
		key:    r.Header.Get("Idempotency-Key"),
		body:   string(body),
	})
	respond := f.respond
	f.mu.Unlock()

	status, payload := http.StatusOK, `{}`
	if respond != nil {
		status, payload = respond(r)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, payload)
}

func (f *fakeAPI) Requests() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

type harness struct {
	engine *Engine
	outbox *queue.Outbox
	store  *db.Store
	clock  *testClock
	tokens *fakeTokens
	api    *fakeAPI
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	conn, store, err := db.OpenStore(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	store.SetClock(clock.Now)

	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	outbox := queue.New(store, queue.DefaultConfig(), logging.Discard())
	tokens := &fakeTokens{token: "tok"}
	engine := NewEngine(outbox, tokens, remote.New(srv.URL, nil), cfg, logging.Discard(), metrics.New())
	return &harness{engine: engine, outbox: outbox, store: store, clock: clock, tokens: tokens, api: api}
}

// saveNote writes the entity dirty and enqueues it in one transaction.
func (h *harness) saveNote(t *testing.T, id string) *models.OutboxItem {
	t.Helper()
	p := models.DeliveryNotePayload{ID: id, SPBNumber: "SPB-" + id, Status: models.DeliveryAccepted}
	var item *models.OutboxItem
	err := h.store.WithTx(context.Background(), func(tx *db.Tx) error {
		note := &models.DeliveryNote{DeliveryNotePayload: p, SyncMeta: models.SyncMeta{IsDirty: true}}
		if err := db.NewDeliveryNotes(tx).Upsert(context.Background(), note); err != nil {
			return err
		}
		var err error
		item, err = h.outbox.Enqueue(context.Background(), tx, models.OperationUpdate, models.TableDeliveryNotes, id, p, models.PriorityDeliveryNote)
		return err
	})
	if err != nil {
		t.Fatalf("save %s failed: %v", id, err)
	}
	return item
}

// TestDrain_offlineSaveThenReconnect is Scenario A.
func TestDrain_offlineSaveThenReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	item := h.saveNote(t, "E1")

	if n, _ := h.outbox.PendingCount(ctx); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	out, err := h.engine.Drain(ctx, Options{})
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if out.Processed != 1 || out.Succeeded != 1 || out.Remaining != 0 {
		t.Errorf("outcome = %+v", out)
	}

	reqs := h.api.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.method != http.MethodPut || r.path != "/v1/sync/delivery_notes/E1" || r.auth != "Bearer tok" {
		t.Errorf("request = %+v", r)
	}
	if r.key != fmt.Sprintf("%s:1", item.ID) {
		t.Errorf("Idempotency-Key = %q", r.key)
	}

	if _, err := h.outbox.Get(ctx, item.ID); !db.IsNotFound(err) {
		t.Errorf("item still queued: %v", err)
	}
	meta, err := db.SyncState(ctx, h.store, models.TableDeliveryNotes, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.IsDirty || meta.LastSyncStatus != models.SyncStatusSuccess || meta.SyncedAt == nil {
		t.Errorf("sync meta = %+v", meta)
	}
	if s := h.engine.Status(); s.Status != StatusSuccess || s.Outcome == nil {
		t.Errorf("status = %+v", s)
	}
}

// TestDrain_serverErrorsParkItem is Scenario C.
func TestDrain_serverErrorsParkItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.api.respond = func(*http.Request) (int, string) {
		return http.StatusInternalServerError, `{"statusCode":500,"message":"boom"}`
	}
	item := h.saveNote(t, "E1")

	for i := 1; i <= 5; i++ {
		out, err := h.engine.Drain(ctx, Options{})
		if err != nil {
			t.Fatalf("Drain() #%d returned %v", i, err)
		}
		if out.Processed != 1 {
			t.Fatalf("Drain() #%d processed %d", i, out.Processed)
		}
		if i < 5 && out.Failed != 1 {
			t.Errorf("Drain() #%d outcome = %+v", i, out)
		}
		if i == 5 && out.Parked != 1 {
			t.Errorf("final outcome = %+v", out)
		}
		h.clock.Advance(2 * time.Hour)
	}

	got, err := h.outbox.Get(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 5 || got.Status != models.QueueStatusFailed {
		t.Errorf("item = retry %d status %s, want 5 failed", got.RetryCount, got.Status)
	}
	meta, _ := db.SyncState(ctx, h.store, models.TableDeliveryNotes, "E1")
	if !meta.IsDirty || meta.LastSyncStatus != models.SyncStatusFailed || meta.SyncError == "" {
		t.Errorf("sync meta = %+v", meta)
	}

	// Parked items are not retried automatically.
	out, _ := h.engine.Drain(ctx, Options{})
	if out.Processed != 0 || len(h.api.Requests()) != 5 {
		t.Errorf("parked item pushed again: outcome %+v, %d requests", out, len(h.api.Requests()))
	}

	// A manual retry releases it.
	h.api.respond = nil
	if n, err := h.outbox.Retry(ctx, item.ID); err != nil || n != 1 {
		t.Fatalf("Retry() = %d, %v", n, err)
	}
	out, err = h.engine.Drain(ctx, Options{Manual: true})
	if err != nil || out.Succeeded != 1 {
		t.Errorf("Drain() after retry = %+v, %v", out, err)
	}
}

func TestDrain_backoffDefersItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.api.respond = func(*http.Request) (int, string) {
		return http.StatusServiceUnavailable, ``
	}
	h.saveNote(t, "E1")

	if _, err := h.engine.Drain(ctx, Options{}); err != nil {
		t.Fatal(err)
	}
	out, _ := h.engine.Drain(ctx, Options{})
	if out.Processed != 0 {
		t.Errorf("item inside backoff was drained: %+v", out)
	}
	out, _ = h.engine.Drain(ctx, Options{Manual: true})
	if out.Processed != 1 {
		t.Errorf("manual drain skipped the item: %+v", out)
	}
}

func TestDrain_authFailureAbortsPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.tokens.err = apperrors.Auth(apperrors.ErrRefreshExpired, "refresh token expired", nil)
	a := h.saveNote(t, "E1")
	h.saveNote(t, "E2")

	out, err := h.engine.Drain(ctx, Options{})
	if !apperrors.Is(err, apperrors.ErrRefreshExpired) {
		t.Fatalf("Drain() error = %v", err)
	}
	if !out.Aborted || out.Processed != 0 || out.Remaining != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if len(h.api.Requests()) != 0 {
		t.Error("aborted pass reached the network")
	}
	got, _ := h.outbox.Get(ctx, a.ID)
	if got.RetryCount != 0 || got.LastError != "" {
		t.Errorf("aborted item was touched: %+v", got)
	}
	s := h.engine.Status()
	if s.Status != StatusFailed || s.ErrorCode != string(apperrors.ErrRefreshExpired) {
		t.Errorf("status = %+v", s)
	}
}

func TestDrain_lockoutAbortsWithRetryAfter(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.tokens.err = apperrors.RateLimit(apperrors.ErrRefreshRateLimited, "locked out", 10*time.Minute)
	h.saveNote(t, "E1")

	_, err := h.engine.Drain(context.Background(), Options{})
	if apperrors.KindOf(err) != apperrors.KindRateLimit {
		t.Fatalf("Drain() error = %v", err)
	}
	if s := h.engine.Status(); s.RetryAfter != 10*time.Minute {
		t.Errorf("status retry after = %v", s.RetryAfter)
	}
}

func TestDrain_unauthorizedPushRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.tokens.token = "stale"
	h.api.respond = func(r *http.Request) (int, string) {
		if r.Header.Get("Authorization") == "Bearer stale" {
			return http.StatusUnauthorized, `{"statusCode":401,"errorCode":"TOKEN_EXPIRED","message":"jwt expired"}`
		}
		return http.StatusOK, `{}`
	}
	h.saveNote(t, "E1")

	out, err := h.engine.Drain(ctx, Options{})
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if out.Succeeded != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if h.tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", h.tokens.refreshes)
	}
	reqs := h.api.Requests()
	if len(reqs) != 2 || reqs[1].auth != "Bearer fresh" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestDrain_unauthorizedWithTerminalRefreshAborts(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.tokens.refreshErr = apperrors.Auth(apperrors.ErrRefreshExpired, "revoked", nil)
	h.api.respond = func(*http.Request) (int, string) {
		return http.StatusUnauthorized, ``
	}
	item := h.saveNote(t, "E1")

	out, err := h.engine.Drain(context.Background(), Options{})
	if !apperrors.Is(err, apperrors.ErrRefreshExpired) || !out.Aborted {
		t.Fatalf("Drain() = %+v, %v", out, err)
	}
	got, _ := h.outbox.Get(context.Background(), item.ID)
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want untouched", got.RetryCount)
	}
}

func TestDrain_unauthorizedAfterRefreshEndsSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.api.respond = func(*http.Request) (int, string) {
		return http.StatusUnauthorized, `{"statusCode":401,"errorCode":"TOKEN_REVOKED","message":"session revoked"}`
	}
	item := h.saveNote(t, "E1")
	h.saveNote(t, "E2")

	out, err := h.engine.Drain(ctx, Options{})
	require.Error(t, err)
	require.True(t, out.Aborted)
	require.Equal(t, 0, out.Processed)
	require.Equal(t, 1, h.tokens.refreshes)
	require.Error(t, h.tokens.rejected, "session was not ended")
	require.Len(t, h.api.Requests(), 2)

	got, err := h.outbox.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, models.QueueStatusPending, got.Status)

	// Later passes stop at the missing session instead of pushing again.
	_, err = h.engine.Drain(ctx, Options{})
	require.True(t, apperrors.Is(err, apperrors.ErrUnauthenticated), "got %v", err)
	require.Len(t, h.api.Requests(), 2)
}

func TestDrain_forbiddenItemDoesNotBlockQueue(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus models.QueueStatus
		wantParked int
		wantFailed int
	}{
		{
			name:       "permanent",
			body:       `{"statusCode":403,"errorCode":"NOT_ASSIGNED","message":"not your SPB"}`,
			wantStatus: models.QueueStatusFailed,
			wantParked: 1,
		},
		{
			name:       "retryable",
			body:       `{"statusCode":403,"errorCode":"SPB_LOCKED","message":"SPB is being edited","retryable":true}`,
			wantStatus: models.QueueStatusPending,
			wantFailed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, DefaultConfig())
			h.api.respond = func(r *http.Request) (int, string) {
				if r.URL.Path == "/v1/sync/delivery_notes/E1" {
					return http.StatusForbidden, tt.body
				}
				return http.StatusOK, `{}`
			}
			e1 := h.saveNote(t, "E1")
			e2 := h.saveNote(t, "E2")

			out, err := h.engine.Drain(ctx, Options{})
			require.NoError(t, err)
			require.False(t, out.Aborted)
			require.Equal(t, 2, out.Processed)
			require.Equal(t, 1, out.Succeeded)
			require.Equal(t, tt.wantParked, out.Parked)
			require.Equal(t, tt.wantFailed, out.Failed)
			require.True(t, apperrors.Is(out.Err, apperrors.ErrSyncFailed), "got %v", out.Err)

			got, err := h.outbox.Get(ctx, e1.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, got.Status)
			require.Equal(t, 1, got.RetryCount)
			require.Contains(t, got.LastError, "FORBIDDEN")

			_, err = h.outbox.Get(ctx, e2.ID)
			require.True(t, db.IsNotFound(err), "E2 still queued: %v", err)
			require.Equal(t, 0, h.tokens.refreshes)
			require.NoError(t, h.tokens.rejected)
		})
	}
}

func TestDrain_serverRateLimitAborts(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.api.respond = func(*http.Request) (int, string) {
		return http.StatusTooManyRequests, `{"statusCode":429,"message":"slow down","details":{"retryAfterSeconds":30}}`
	}
	item := h.saveNote(t, "E1")
	h.saveNote(t, "E2")

	out, err := h.engine.Drain(context.Background(), Options{})
	if apperrors.KindOf(err) != apperrors.KindRateLimit || !out.Aborted {
		t.Fatalf("Drain() = %+v, %v", out, err)
	}
	if len(h.api.Requests()) != 1 {
		t.Errorf("requests = %d, want 1", len(h.api.Requests()))
	}
	got, _ := h.outbox.Get(context.Background(), item.ID)
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want untouched", got.RetryCount)
	}
	if s := h.engine.Status(); s.RetryAfter != 30*time.Second {
		t.Errorf("status retry after = %v", s.RetryAfter)
	}
}

func TestDrain_rejectedPayloadParksImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.api.respond = func(*http.Request) (int, string) {
		return http.StatusUnprocessableEntity, `{"statusCode":422,"errorCode":"INVALID_SPB","message":"unknown SPB"}`
	}
	item := h.saveNote(t, "E1")

	out, err := h.engine.Drain(ctx, Options{})
	if err != nil {
		t.Fatalf("Drain() returned %v", err)
	}
	if out.Parked != 1 || !apperrors.Is(out.Err, apperrors.ErrSyncFailed) {
		t.Errorf("outcome = %+v", out)
	}
	got, _ := h.outbox.Get(ctx, item.ID)
	if got.Status != models.QueueStatusFailed || got.RetryCount != 1 {
		t.Errorf("item = %+v", got)
	}
}

func TestDrain_priorityOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	entry := models.DataEntryPayload{ID: "D1", DeliveryNoteID: "E1", Category: models.CategoryShortage, Description: "2 cartons", ReportedAt: 1}
	if _, err := h.outbox.Enqueue(ctx, h.store, models.OperationCreate, models.TableDataEntries, "D1", entry, models.PriorityDataEntry); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Millisecond)
	h.saveNote(t, "E1")
	user := models.UserPayload{ID: "U1", Username: "budi", Role: models.RoleDriver}
	if _, err := h.outbox.Enqueue(ctx, h.store, models.OperationCreate, models.TableUsers, "U1", user, models.PriorityUser); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.Drain(ctx, Options{}); err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range h.api.Requests() {
		got = append(got, r.path)
	}
	want := []string{"/v1/sync/users/U1", "/v1/sync/delivery_notes/E1", "/v1/sync/data_entries/D1"}
	require.Equal(t, want, got)
}

func TestDrain_batchSizeBoundsPass(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	for _, id := range []string{"E1", "E2", "E3"} {
		h.saveNote(t, id)
	}
	out, err := h.engine.Drain(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 2, out.Processed)
	require.Equal(t, 1, out.Remaining)
}

func TestDrain_scopedToRecord(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.saveNote(t, "E1")
	h.saveNote(t, "E2")

	out, err := h.engine.Drain(context.Background(), Options{Table: models.TableDeliveryNotes, RecordID: "E2", Manual: true})
	require.NoError(t, err)
	require.Equal(t, 1, out.Processed)
	reqs := h.api.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "/v1/sync/delivery_notes/E2", reqs[0].path)
}

func TestDrain_deleteOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.api.respond = func(*http.Request) (int, string) {
		return http.StatusNotFound, ``
	}
	del := models.DeletePayload{TableName: models.TableDeliveryNotes, ID: "E9"}
	if _, err := h.outbox.Enqueue(ctx, h.store, models.OperationDelete, models.TableDeliveryNotes, "E9", del, models.PriorityDeliveryNote); err != nil {
		t.Fatal(err)
	}

	out, err := h.engine.Drain(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, out.Succeeded)
	reqs := h.api.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, http.MethodDelete, reqs[0].method)
}

func TestDrain_concurrentTriggerCoalesces(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.api.respond = func(*http.Request) (int, string) {
		once.Do(func() { close(entered) })
		<-release
		return http.StatusOK, `{}`
	}
	h.saveNote(t, "E1")

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := h.engine.Drain(ctx, Options{})
		done <- out
	}()
	<-entered

	require.True(t, h.engine.Running())
	second, err := h.engine.Drain(ctx, Options{})
	require.NoError(t, err)
	require.True(t, second.Coalesced)
	require.Zero(t, second.Processed)

	close(release)
	first := <-done
	require.Equal(t, 1, first.Succeeded)
	require.Len(t, h.api.Requests(), 1)
}

func TestDrain_coalescedWriteDuringPushKeepsNewPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	first := true
	h.api.respond = func(*http.Request) (int, string) {
		if first {
			first = false
			h.saveNote(t, "E1")
		}
		return http.StatusOK, `{}`
	}
	item := h.saveNote(t, "E1")

	out, err := h.engine.Drain(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, out.Superseded)

	got, err := h.outbox.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Revision)
	meta, _ := db.SyncState(ctx, h.store, models.TableDeliveryNotes, "E1")
	require.True(t, meta.IsDirty)

	_, err = h.engine.Drain(ctx, Options{})
	require.NoError(t, err)
	reqs := h.api.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, fmt.Sprintf("%s:2", item.ID), reqs[1].key)
	_, err = h.outbox.Get(ctx, item.ID)
	require.True(t, db.IsNotFound(err))
}

func TestDrain_pacing(t *testing.T) {
	h := newHarness(t, Config{PushesPerSecond: 20})
	for _, id := range []string{"E1", "E2", "E3"} {
		h.saveNote(t, id)
	}
	start := time.Now()
	out, err := h.engine.Drain(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 3, out.Succeeded)
	// Burst of one: the second and third pushes wait 50ms each.
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestSubscribe_receivesPassEvents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ch, cancel := h.engine.Subscribe()
	defer cancel()

	require.Equal(t, StatusIdle, (<-ch).Status)
	h.saveNote(t, "E1")
	_, err := h.engine.Drain(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSyncing, (<-ch).Status)
	final := <-ch
	require.Equal(t, StatusSuccess, final.Status)
	require.Equal(t, 1, final.Outcome.Succeeded)
}
