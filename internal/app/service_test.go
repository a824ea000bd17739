package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/spbsync/internal/auth"
	"github.com/fieldops/spbsync/internal/config"
	"github.com/fieldops/spbsync/internal/connectivity"
	"github.com/fieldops/spbsync/internal/crypto"
	"github.com/fieldops/spbsync/internal/db"
	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/models"
	"github.com/fieldops/spbsync/internal/sync/scheduler"
)

// fakeBackend answers the login, health and sync endpoints.
type fakeBackend struct {
	mu     sync.Mutex
	pushes []string
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/v1/auth/login":
		_, _ = w.Write([]byte(`{"data":{"access_token":"a1","refresh_token":"r1","expires_in":3600,"user_id":"U1"}}`))
	case r.URL.Path == "/v1/health":
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case strings.HasPrefix(r.URL.Path, "/v1/sync/"):
		b.mu.Lock()
		b.pushes = append(b.pushes, r.Method+" "+r.URL.Path)
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *fakeBackend) Pushes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.pushes...)
}

func newTestService(t *testing.T, online bool) (*Service, *connectivity.Manual, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		DataDir: t.TempDir(),
		API:     config.APIConfig{BaseURL: srv.URL, Timeout: 5 * time.Second},
		Sync:    config.SyncConfig{BatchSize: 50, MaxRetries: 5, RetryInterval: time.Hour},
	}
	network := connectivity.NewManual(online)
	svc, err := Open(context.Background(), cfg, Deps{
		Secure:       crypto.NewMemoryStore(),
		Connectivity: network,
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, network, backend
}

func note(id string) models.DeliveryNotePayload {
	return models.DeliveryNotePayload{ID: id, SPBNumber: "SPB-" + id, Status: models.DeliveryPending}
}

// TestOfflineSaveThenReconnect tests that a record saved offline is
// uploaded once connectivity returns.
func TestOfflineSaveThenReconnect(t *testing.T) {
	ctx := context.Background()
	svc, network, backend := newTestService(t, true)
	svc.Start(ctx)

	if _, err := svc.Login(ctx, "budi", "secret"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	// Let the drain requested by the login finish before going offline.
	require.Eventually(t, func() bool {
		return svc.Scheduler().GetStatus().LastReason == scheduler.ReasonSave
	}, 3*time.Second, 10*time.Millisecond)
	network.SetOnline(false)

	if _, err := svc.SaveDeliveryNote(ctx, note("E1")); err != nil {
		t.Fatalf("SaveDeliveryNote() failed: %v", err)
	}
	updated := note("E1")
	updated.Status = models.DeliveryAccepted
	if _, err := svc.SaveDeliveryNote(ctx, updated); err != nil {
		t.Fatalf("SaveDeliveryNote() failed: %v", err)
	}

	stats, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending, "two saves of one record coalesce")

	st, err := svc.RecordStatus(ctx, models.TableDeliveryNotes, "E1")
	require.NoError(t, err)
	require.Equal(t, RecordPending, st.State)

	_, err = svc.SyncNow(ctx, "", "")
	require.Equal(t, apperrors.KindNetwork, apperrors.KindOf(err))
	require.Empty(t, backend.Pushes())

	network.SetOnline(true)
	require.Eventually(t, func() bool {
		st, err := svc.RecordStatus(ctx, models.TableDeliveryNotes, "E1")
		return err == nil && st.State == RecordSynced && st.SyncedAt != nil
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"PUT /v1/sync/delivery_notes/E1"}, backend.Pushes())
}

func TestSyncNow_scopedToRecord(t *testing.T) {
	ctx := context.Background()
	svc, _, backend := newTestService(t, true)
	_, err := svc.Login(ctx, "budi", "secret")
	require.NoError(t, err)

	_, err = svc.SaveDeliveryNote(ctx, note("E1"))
	require.NoError(t, err)
	entry, err := svc.SaveDataEntry(ctx, models.DataEntryPayload{
		DeliveryNoteID: "E1",
		Category:       models.CategoryDamage,
		Description:    "crushed carton",
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	require.NotZero(t, entry.ReportedAt)

	out, err := svc.SyncNow(ctx, models.TableDataEntries, entry.ID)
	require.NoError(t, err)
	require.Equal(t, 1, out.Succeeded)
	require.Equal(t, []string{"PUT /v1/sync/data_entries/" + entry.ID}, backend.Pushes())

	st, err := svc.RecordStatus(ctx, models.TableDeliveryNotes, "E1")
	require.NoError(t, err)
	require.Equal(t, RecordPending, st.State)

	// A user sharing the note's id is a different record.
	_, err = svc.SaveUser(ctx, models.UserPayload{ID: "E1", Username: "budi", Role: models.RoleDriver})
	require.NoError(t, err)
	out, err = svc.SyncNow(ctx, models.TableUsers, "E1")
	require.NoError(t, err)
	require.Equal(t, 1, out.Succeeded)
	require.Equal(t, "PUT /v1/sync/users/E1", backend.Pushes()[1])
	st, err = svc.RecordStatus(ctx, models.TableDeliveryNotes, "E1")
	require.NoError(t, err)
	require.Equal(t, RecordPending, st.State)

	_, err = svc.SyncNow(ctx, "sync_queue", "E1")
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestSave_enqueueFailureRollsBackRecord(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, false)
	_, err := svc.SaveDeliveryNote(ctx, note("E1"))
	require.NoError(t, err)

	for _, stmt := range []string{
		`CREATE TRIGGER outbox_insert_fails BEFORE INSERT ON sync_queue BEGIN SELECT RAISE(ABORT, 'outbox unavailable'); END`,
		`CREATE TRIGGER outbox_update_fails BEFORE UPDATE ON sync_queue BEGIN SELECT RAISE(ABORT, 'outbox unavailable'); END`,
	} {
		_, err := svc.Store().DB().ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		save models.DeliveryNotePayload
	}{
		{name: "new record", save: note("E2")},
		{name: "existing record", save: models.DeliveryNotePayload{ID: "E1", SPBNumber: "SPB-CHANGED", Status: models.DeliveryAccepted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SaveDeliveryNote(ctx, tt.save)
			require.Error(t, err)
			require.Equal(t, apperrors.KindCache, apperrors.KindOf(err))
		})
	}

	_, err = db.SyncState(ctx, svc.Store(), models.TableDeliveryNotes, "E2")
	require.True(t, db.IsNotFound(err), "entity row written without its outbox item: %v", err)

	kept, err := db.NewDeliveryNotes(svc.Store()).Get(ctx, "E1")
	require.NoError(t, err)
	require.Equal(t, "SPB-E1", kept.SPBNumber)
	require.Equal(t, models.DeliveryPending, kept.Status)

	stats, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	item, err := svc.Outbox().ForRecord(ctx, models.TableDeliveryNotes, "E1")
	require.NoError(t, err)
	require.Equal(t, int64(1), item.Revision)
}

func TestSave_rejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, false)

	_, err := svc.SaveDeliveryNote(ctx, models.DeliveryNotePayload{ID: "E1", Status: "lost"})
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	stats, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}

func TestSaveUser_generatesID(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, false)

	u, err := svc.SaveUser(ctx, models.UserPayload{Username: "budi", Role: models.RoleDriver})
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
	require.True(t, u.IsDirty)

	item, err := svc.Outbox().ForRecord(ctx, models.TableUsers, u.ID)
	require.NoError(t, err)
	require.Equal(t, models.OperationCreate, item.Operation)
	require.Equal(t, models.PriorityUser, item.Priority)
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, false)

	_, err := svc.SaveDeliveryNote(ctx, note("E1"))
	require.NoError(t, err)
	require.NoError(t, svc.DeleteRecord(ctx, models.TableDeliveryNotes, "E1"))

	item, err := svc.Outbox().ForRecord(ctx, models.TableDeliveryNotes, "E1")
	require.NoError(t, err)
	require.Equal(t, models.OperationDelete, item.Operation)

	st, err := svc.RecordStatus(ctx, models.TableDeliveryNotes, "E1")
	require.NoError(t, err)
	require.Equal(t, RecordPending, st.State)

	err = svc.DeleteRecord(ctx, models.TableDeliveryNotes, "missing")
	require.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = svc.DeleteRecord(ctx, "sync_queue", "E1")
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestRecordStatus_unknownRecord(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	_, err := svc.RecordStatus(context.Background(), models.TableUsers, "nobody")
	require.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRetryFailed_nothingParked(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	n, err := svc.RetryFailed(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestObserveAuth_loginAndLogout(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, true)
	ch, cancel := svc.ObserveAuth()
	defer cancel()

	require.False(t, (<-ch).IsAuthenticated)

	sess, err := svc.Login(ctx, "budi", "secret")
	require.NoError(t, err)
	require.Equal(t, "budi", sess.Username)
	require.False(t, sess.Offline)
	require.Equal(t, auth.StateAuthenticated, (<-ch).State)

	require.NoError(t, svc.Logout(ctx))
	require.Equal(t, auth.StateUnauthenticated, (<-ch).State)
}

func TestSetOnline(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	require.False(t, svc.Online())
	require.True(t, svc.SetOnline(true))
	require.True(t, svc.Online())
}
