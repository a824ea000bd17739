// Package queue provides unit tests for the outbox.
package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldops/spbsync/internal/db"
	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/models"
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

func newTestOutbox(t *testing.T) (*Outbox, *db.Store, *testClock) {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), db.FileName))
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.NewMigrator(conn.DB).Migrate(context.Background(), 0); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	store := db.NewStore(conn.DB)
	store.SetClock(clock.Now)
	return New(store, DefaultConfig(), logging.Discard()), store, clock
}

func notePayload(id, spb string) models.DeliveryNotePayload {
	return models.DeliveryNotePayload{ID: id, SPBNumber: spb, Status: models.DeliveryPending}
}

// saveNote writes the entity dirty and enqueues it in one transaction.
func saveNote(t *testing.T, o *Outbox, store *db.Store, op models.Operation, p models.DeliveryNotePayload) *models.OutboxItem {
	t.Helper()
	var item *models.OutboxItem
	err := store.WithTx(context.Background(), func(tx *db.Tx) error {
		note := &models.DeliveryNote{DeliveryNotePayload: p, SyncMeta: models.SyncMeta{IsDirty: true}}
		if err := db.NewDeliveryNotes(tx).Upsert(context.Background(), note); err != nil {
			return err
		}
		var err error
		item, err = o.Enqueue(context.Background(), tx, op, models.TableDeliveryNotes, p.ID, p, models.PriorityDeliveryNote)
		return err
	})
	if err != nil {
		t.Fatalf("save %s failed: %v", p.ID, err)
	}
	return item
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{8, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestMergeOperation(t *testing.T) {
	tests := []struct {
		queued, next, want models.Operation
	}{
		{models.OperationCreate, models.OperationUpdate, models.OperationCreate},
		{models.OperationCreate, models.OperationDelete, models.OperationDelete},
		{models.OperationUpdate, models.OperationUpdate, models.OperationUpdate},
		{models.OperationUpdate, models.OperationDelete, models.OperationDelete},
		{models.OperationDelete, models.OperationCreate, models.OperationUpdate},
		{models.OperationDelete, models.OperationUpdate, models.OperationUpdate},
	}
	for _, tt := range tests {
		if got := mergeOperation(tt.queued, tt.next); got != tt.want {
			t.Errorf("mergeOperation(%s, %s) = %s, want %s", tt.queued, tt.next, got, tt.want)
		}
	}
}

// TestEnqueue_coalesces verifies two saves before a drain leave one item
// carrying the latest payload.
func TestEnqueue_coalesces(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)

	first := saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))
	second := saveNote(t, o, store, models.OperationUpdate, notePayload("E1", "SPB-1-amended"))

	if second.ID != first.ID {
		t.Errorf("coalesced item id = %s, want %s", second.ID, first.ID)
	}
	if second.Revision != 2 {
		t.Errorf("Revision = %d, want 2", second.Revision)
	}

	items, err := o.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("outbox holds %d items, want 1", len(items))
	}
	if items[0].Operation != models.OperationCreate {
		t.Errorf("Operation = %s, want create", items[0].Operation)
	}
	p, err := items[0].Payload()
	if err != nil {
		t.Fatalf("Payload() failed: %v", err)
	}
	if p.(models.DeliveryNotePayload).SPBNumber != "SPB-1-amended" {
		t.Errorf("payload = %+v, want latest", p)
	}
}

// TestEnqueue_coalesceResetsParkedItem verifies a new save revives a parked item.
func TestEnqueue_coalesceResetsParkedItem(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)

	item := saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))
	if _, err := o.RecordFailure(ctx, item, errors.New("422"), true); err != nil {
		t.Fatal(err)
	}

	revived := saveNote(t, o, store, models.OperationUpdate, notePayload("E1", "SPB-1b"))
	if revived.Status != models.QueueStatusPending || revived.RetryCount != 0 || revived.LastError != "" {
		t.Errorf("revived item = %+v", revived)
	}
	stored, _ := o.Get(ctx, item.ID)
	if stored.Status != models.QueueStatusPending || stored.RetryCount != 0 {
		t.Errorf("stored item = %+v", stored)
	}
}

func TestEnqueue_rejectsInvalid(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)

	tests := []struct {
		name    string
		op      models.Operation
		table   string
		id      string
		payload models.Payload
	}{
		{"unknown op", "upsert", models.TableDeliveryNotes, "E1", notePayload("E1", "S")},
		{"unknown table", models.OperationCreate, "secrets", "E1", notePayload("E1", "S")},
		{"bad id", models.OperationCreate, models.TableDeliveryNotes, "", notePayload("", "S")},
		{"key mismatch", models.OperationCreate, models.TableDeliveryNotes, "E2", notePayload("E1", "S")},
		{"schema", models.OperationCreate, models.TableDeliveryNotes, "E1", notePayload("E1", "")},
		{"delete with entity payload", models.OperationDelete, models.TableDeliveryNotes, "E1", notePayload("E1", "S")},
		{"nil payload", models.OperationCreate, models.TableDeliveryNotes, "E1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Enqueue(ctx, store, tt.op, tt.table, tt.id, tt.payload, 0)
			if apperrors.KindOf(err) != apperrors.KindValidation {
				t.Errorf("Enqueue() error = %v, want validation error", err)
			}
		})
	}
	if n, _ := o.PendingCount(ctx); n != 0 {
		t.Errorf("rejected payloads left %d items", n)
	}
}

// TestDequeueBatch_order verifies priority ASC then FIFO.
func TestDequeueBatch_order(t *testing.T) {
	ctx := context.Background()
	o, store, clock := newTestOutbox(t)

	entry := models.DataEntryPayload{ID: "D1", DeliveryNoteID: "E1", Category: models.CategoryDamage, Description: "wet", ReportedAt: 1}
	if _, err := o.Enqueue(ctx, store, models.OperationCreate, models.TableDataEntries, "D1", entry, models.PriorityDataEntry); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Millisecond)
	saveNote(t, o, store, models.OperationCreate, notePayload("E2", "SPB-2"))
	clock.Advance(time.Millisecond)
	saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))
	user := models.UserPayload{ID: "u1", Username: "budi", Role: models.RoleDriver}
	if _, err := o.Enqueue(ctx, store, models.OperationCreate, models.TableUsers, "u1", user, models.PriorityUser); err != nil {
		t.Fatal(err)
	}

	items, err := o.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, it := range items {
		got = append(got, it.RecordID)
	}
	want := []string{"u1", "E2", "E1", "D1"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	limited, _ := o.DequeueBatch(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("DequeueBatch(2) returned %d", len(limited))
	}
}

func TestRecordSuccess_clearsDirtyFlag(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)

	item := saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))
	superseded, err := o.RecordSuccess(ctx, item)
	if err != nil || superseded {
		t.Fatalf("RecordSuccess() = %v, %v", superseded, err)
	}

	if _, err := o.Get(ctx, item.ID); !db.IsNotFound(err) {
		t.Errorf("item still present: %v", err)
	}
	meta, err := db.SyncState(ctx, store, models.TableDeliveryNotes, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.IsDirty || meta.LastSyncStatus != models.SyncStatusSuccess || meta.SyncedAt == nil {
		t.Errorf("meta = %+v", meta)
	}
}

// TestRecordSuccess_keepsNewerRevision verifies a save made while a push was
// in flight is not lost.
func TestRecordSuccess_keepsNewerRevision(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)

	inFlight := saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))
	saveNote(t, o, store, models.OperationUpdate, notePayload("E1", "SPB-1b"))

	superseded, err := o.RecordSuccess(ctx, inFlight)
	if err != nil {
		t.Fatal(err)
	}
	if !superseded {
		t.Error("RecordSuccess() should report the item as superseded")
	}
	if n, _ := o.PendingCount(ctx); n != 1 {
		t.Errorf("PendingCount() = %d, want 1", n)
	}
	meta, _ := db.SyncState(ctx, store, models.TableDeliveryNotes, "E1")
	if !meta.IsDirty {
		t.Error("entity lost its dirty flag")
	}
}

// TestRecordFailure_parksAtCeiling covers five consecutive server errors.
func TestRecordFailure_parksAtCeiling(t *testing.T) {
	ctx := context.Background()
	o, store, clock := newTestOutbox(t)

	saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))

	for attempt := 1; attempt <= 5; attempt++ {
		items, err := o.DequeueBatch(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != 1 {
			t.Fatalf("attempt %d: DequeueBatch returned %d items", attempt, len(items))
		}
		updated, err := o.RecordFailure(ctx, items[0], apperrors.Server(500, apperrors.ErrServer, "internal", true), false)
		if err != nil {
			t.Fatal(err)
		}
		if updated.RetryCount != attempt {
			t.Fatalf("RetryCount = %d, want %d", updated.RetryCount, attempt)
		}

		if attempt < 5 {
			if updated.Status != models.QueueStatusPending {
				t.Fatalf("attempt %d parked early", attempt)
			}
			if due, _ := o.DequeueBatch(ctx, 10); len(due) != 0 {
				t.Fatalf("item due before its backoff elapsed")
			}
			clock.Advance(o.Config().Backoff(attempt))
		}
	}

	item, _ := o.ForRecord(ctx, models.TableDeliveryNotes, "E1")
	if item.Status != models.QueueStatusFailed || item.RetryCount != 5 {
		t.Fatalf("item = %+v, want failed with retry_count 5", item)
	}

	clock.Advance(24 * time.Hour)
	if due, _ := o.DequeueBatch(ctx, 10); len(due) != 0 {
		t.Error("parked item was dequeued")
	}

	meta, _ := db.SyncState(ctx, store, models.TableDeliveryNotes, "E1")
	if !meta.IsDirty || meta.LastSyncStatus != models.SyncStatusFailed || meta.SyncError == "" {
		t.Errorf("meta = %+v", meta)
	}

	n, err := o.Retry(ctx, "")
	if err != nil || n != 1 {
		t.Fatalf("Retry() = %d, %v", n, err)
	}
	due, _ := o.DequeueBatch(ctx, 10)
	if len(due) != 1 || due[0].RetryCount != 0 {
		t.Errorf("after Retry due = %v", due)
	}
}

func TestRecordFailure_permanentParksImmediately(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)
	item := saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))

	updated, err := o.RecordFailure(ctx, item, errors.New("payload rejected"), true)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.QueueStatusFailed || updated.RetryCount != 1 {
		t.Errorf("updated = %+v", updated)
	}

	stats, err := o.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 || stats.Failed != 1 || stats.Pending != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestRecordFailure_staleRevisionIgnored(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)
	stale := saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))
	saveNote(t, o, store, models.OperationUpdate, notePayload("E1", "SPB-1b"))

	updated, err := o.RecordFailure(ctx, stale, errors.New("timeout"), false)
	if err != nil {
		t.Fatal(err)
	}
	if updated.RetryCount != 0 || updated.Revision != 2 {
		t.Errorf("stale failure touched accounting: %+v", updated)
	}
}

func TestStats_nextRetry(t *testing.T) {
	ctx := context.Background()
	o, store, clock := newTestOutbox(t)
	item := saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))
	saveNote(t, o, store, models.OperationCreate, notePayload("E2", "SPB-2"))

	if _, err := o.RecordFailure(ctx, item, errors.New("offline"), false); err != nil {
		t.Fatal(err)
	}
	stats, err := o.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 2 || stats.Due != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	want := clock.Now().Add(30 * time.Second)
	if !stats.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", stats.NextRetryAt, want)
	}

	records, err := o.DequeueRecord(ctx, models.TableDeliveryNotes, "E1")
	if err != nil || len(records) != 1 {
		t.Errorf("DequeueRecord() ignores backoff: %v, %v", records, err)
	}
}

func TestDequeueRecord_scopedToTable(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)
	saveNote(t, o, store, models.OperationCreate, notePayload("X1", "SPB-1"))
	user := models.UserPayload{ID: "X1", Username: "budi", Role: models.RoleDriver}
	if _, err := o.Enqueue(ctx, store, models.OperationCreate, models.TableUsers, "X1", user, models.PriorityUser); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		table string
		want  string
	}{
		{models.TableDeliveryNotes, models.TableDeliveryNotes},
		{models.TableUsers, models.TableUsers},
	}
	for _, tt := range tests {
		records, err := o.DequeueRecord(ctx, tt.table, "X1")
		if err != nil {
			t.Fatalf("DequeueRecord(%s) failed: %v", tt.table, err)
		}
		if len(records) != 1 || records[0].TableName != tt.want {
			t.Errorf("DequeueRecord(%s) = %+v", tt.table, records)
		}
	}

	records, err := o.DequeueRecord(ctx, models.TableDataEntries, "X1")
	if err != nil || len(records) != 0 {
		t.Errorf("DequeueRecord(data_entries) = %v, %v", records, err)
	}
}

func TestEnqueue_deleteAfterCreate(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)
	saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))

	del := models.DeletePayload{TableName: models.TableDeliveryNotes, ID: "E1"}
	item, err := o.Enqueue(ctx, store, models.OperationDelete, models.TableDeliveryNotes, "E1", del, models.PriorityDeliveryNote)
	if err != nil {
		t.Fatalf("Enqueue(delete) failed: %v", err)
	}
	if item.Operation != models.OperationDelete {
		t.Errorf("Operation = %s", item.Operation)
	}
	p, err := item.Payload()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(models.DeletePayload); !ok {
		t.Errorf("payload = %T, want DeletePayload", p)
	}
}

func TestDequeuePending_ignoresBackoff(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOutbox(t)
	item := saveNote(t, o, store, models.OperationCreate, notePayload("E1", "SPB-1"))

	if _, err := o.RecordFailure(ctx, item, errors.New("503"), false); err != nil {
		t.Fatal(err)
	}
	due, err := o.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("DequeueBatch() returned %d items in backoff", len(due))
	}
	all, err := o.DequeuePending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].RecordID != "E1" {
		t.Errorf("DequeuePending() = %v", all)
	}
}
